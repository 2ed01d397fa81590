package referral

import (
	"fmt"
	"strings"
)

// StatusID identifies a referral status. The set is closed: only the
// constants below are ever written to the ledger.
type StatusID string

const (
	StatusPending    StatusID = "pending"
	StatusAccepted   StatusID = "accepted"
	StatusDeclined   StatusID = "declined"
	StatusInTransit  StatusID = "in-transit"
	StatusArrived    StatusID = "arrived"
	StatusAdmitted   StatusID = "admitted"
	StatusDischarged StatusID = "discharged"
)

// Status is an immutable catalog entry.
type Status struct {
	ID   StatusID `json:"id"`
	Name string   `json:"name"`
}

// Terminal reports whether no further engine transitions leave this status.
func (s StatusID) Terminal() bool {
	return s == StatusDischarged || s == StatusDeclined
}

func (s StatusID) String() string { return string(s) }

// Catalog resolves status identifiers. Implementations are read-only.
type Catalog interface {
	Resolve(id StatusID) (Status, error)
	Normalize(label string) (StatusID, error)
	All() []Status
}

type staticCatalog struct {
	order   []StatusID
	byID    map[StatusID]Status
	aliases map[string]StatusID
}

// NewCatalog builds a catalog from a fixed status list. Aliases map
// alternative labels onto canonical ids.
func NewCatalog(statuses []Status, aliases map[string]StatusID) Catalog {
	c := &staticCatalog{
		byID:    make(map[StatusID]Status, len(statuses)),
		aliases: make(map[string]StatusID, len(aliases)),
	}
	for _, s := range statuses {
		c.order = append(c.order, s.ID)
		c.byID[s.ID] = s
	}
	for label, id := range aliases {
		c.aliases[strings.ToLower(label)] = id
	}
	return c
}

var defaultCatalog = NewCatalog([]Status{
	{ID: StatusPending, Name: "Pending"},
	{ID: StatusAccepted, Name: "Accepted"},
	{ID: StatusDeclined, Name: "Declined"},
	{ID: StatusInTransit, Name: "In Transit"},
	{ID: StatusArrived, Name: "Arrived"},
	{ID: StatusAdmitted, Name: "Admitted"},
	{ID: StatusDischarged, Name: "Discharged"},
}, map[string]StatusID{
	// The receiving side labels a declined referral "rejected".
	"rejected":  StatusDeclined,
	"intransit": StatusInTransit,
})

// DefaultCatalog returns the deployed status catalog.
func DefaultCatalog() Catalog { return defaultCatalog }

func (c *staticCatalog) Resolve(id StatusID) (Status, error) {
	s, ok := c.byID[id]
	if !ok {
		return Status{}, fmt.Errorf("%w: unknown status %q", ErrNotFound, id)
	}
	return s, nil
}

// Normalize accepts a canonical id, a display name or an alias label.
func (c *staticCatalog) Normalize(label string) (StatusID, error) {
	key := strings.ToLower(strings.TrimSpace(label))
	if _, ok := c.byID[StatusID(key)]; ok {
		return StatusID(key), nil
	}
	if id, ok := c.aliases[key]; ok {
		return id, nil
	}
	for _, s := range c.byID {
		if strings.EqualFold(s.Name, key) {
			return s.ID, nil
		}
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrNotFound, label)
}

func (c *staticCatalog) All() []Status {
	out := make([]Status, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}
