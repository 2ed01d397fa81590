package fhir

import "net/http"

// OperationOutcome severity levels (FHIR R4 issue-severity).
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes used by the referral endpoints.
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeNotFound     = "not-found"
	IssueTypeConflict     = "conflict"
	IssueTypeProcessing   = "processing"
	IssueTypeSecurity     = "security"
	IssueTypeBusinessRule = "business-rule"
	IssueTypeException    = "exception"
	IssueTypeTimeout      = "timeout"
)

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// ConflictOutcome creates an OperationOutcome for a conflict error.
func ConflictOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeConflict, diagnostics)
}

// BusinessRuleOutcome reports an operation the workflow does not allow in
// the resource's current state.
func BusinessRuleOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeBusinessRule, diagnostics)
}

// InternalErrorOutcome creates an OperationOutcome for internal server errors.
func InternalErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityFatal, IssueTypeException, diagnostics)
}

// OutcomeForStatus picks the issue type matching an HTTP status code.
func OutcomeForStatus(status int, diagnostics string) *OperationOutcome {
	switch status {
	case http.StatusBadRequest:
		return NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, diagnostics)
	case http.StatusUnauthorized, http.StatusForbidden:
		return NewOperationOutcome(IssueSeverityError, IssueTypeSecurity, diagnostics)
	case http.StatusNotFound:
		return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, diagnostics)
	case http.StatusConflict:
		return ConflictOutcome(diagnostics)
	case http.StatusUnprocessableEntity:
		return BusinessRuleOutcome(diagnostics)
	case http.StatusGatewayTimeout:
		return NewOperationOutcome(IssueSeverityError, IssueTypeTimeout, diagnostics)
	}
	if status >= http.StatusInternalServerError {
		return InternalErrorOutcome(diagnostics)
	}
	return ErrorOutcome(diagnostics)
}
