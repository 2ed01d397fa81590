package referral

import "fmt"

// Operation names an engine entry point that may write a ledger entry.
type Operation string

const (
	OpCreate    Operation = "create"
	OpAccept    Operation = "accept"
	OpDecline   Operation = "decline"
	OpAdvance   Operation = "advance"
	OpDischarge Operation = "discharge"
	OpReroute   Operation = "reroute"
)

// Transition is one allowed edge of the referral state machine. An empty
// From means the case has no ledger entry yet.
type Transition struct {
	From StatusID  `json:"from"`
	To   StatusID  `json:"to"`
	Op   Operation `json:"operation"`
}

var transitionsTable = []Transition{
	{From: "", To: StatusPending, Op: OpCreate},

	// Receiving side decides.
	{From: StatusPending, To: StatusAccepted, Op: OpAccept},
	{From: StatusPending, To: StatusDeclined, Op: OpDecline},

	// Sending side may redirect before a decision.
	{From: StatusPending, To: StatusPending, Op: OpReroute},

	// Movement.
	{From: StatusAccepted, To: StatusInTransit, Op: OpAdvance},
	{From: StatusAccepted, To: StatusArrived, Op: OpAdvance},
	{From: StatusInTransit, To: StatusArrived, Op: OpAdvance},
	{From: StatusArrived, To: StatusAdmitted, Op: OpAdvance},

	{From: StatusArrived, To: StatusDischarged, Op: OpDischarge},
	{From: StatusAdmitted, To: StatusDischarged, Op: OpDischarge},
}

// dedicatedOps lists targets whose transition needs side data and therefore
// cannot be reached through a bare Advance.
var dedicatedOps = map[StatusID]Operation{
	StatusAccepted:   OpAccept,
	StatusDeclined:   OpDecline,
	StatusDischarged: OpDischarge,
}

// Transitions returns a copy of the state machine edges.
func Transitions() []Transition {
	out := make([]Transition, len(transitionsTable))
	copy(out, transitionsTable)
	return out
}

// CanTransition reports whether op moves a case from `from` to `to`.
func CanTransition(from StatusID, op Operation, to StatusID) bool {
	for _, t := range transitionsTable {
		if t.From == from && t.To == to && t.Op == op {
			return true
		}
	}
	return false
}

// checkTransition returns ErrInvalidTransition when the edge is absent.
func checkTransition(from StatusID, op Operation, to StatusID) error {
	if op == OpAdvance {
		if dedicated, ok := dedicatedOps[to]; ok {
			return fmt.Errorf("%w: %s requires the %s operation", ErrInvalidTransition, to, dedicated)
		}
	}
	if CanTransition(from, op, to) {
		return nil
	}
	if from == "" {
		return fmt.Errorf("%w: %s to %s on a case without history", ErrInvalidTransition, op, to)
	}
	if from.Terminal() {
		return fmt.Errorf("%w: case is %s (terminal)", ErrInvalidTransition, from)
	}
	return fmt.Errorf("%w: cannot %s from %s to %s", ErrInvalidTransition, op, from, to)
}
