package registry

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidConfig        = errors.New("invalid registration config")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrAlreadyArchived      = errors.New("document already archived")
	ErrNotResolvable        = errors.New("document not resolved")
	ErrStepAlreadyCompleted = errors.New("routing step already completed")
	ErrInvalidParentStep    = errors.New("invalid parent step")
	ErrInvalidResolution    = errors.New("invalid resolution for action")
	ErrSelfConnection       = errors.New("document cannot be connected to itself")
	ErrDuplicateConnection  = errors.New("connection already exists")
	ErrUnregisteredDocument = errors.New("document is not registered")
	ErrDocumentClosed       = errors.New("document is cancelled or archived")
	ErrCycleDetected        = errors.New("routing ancestry cycle detected")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrNotFound, "not_found"},
	{ErrInvalidInput, "invalid_input"},
	{ErrInvalidConfig, "invalid_config"},
	{ErrInvalidTransition, "invalid_transition"},
	{ErrAlreadyArchived, "already_archived"},
	{ErrNotResolvable, "not_resolvable"},
	{ErrStepAlreadyCompleted, "step_already_completed"},
	{ErrInvalidParentStep, "invalid_parent_step"},
	{ErrInvalidResolution, "invalid_resolution"},
	{ErrSelfConnection, "self_connection"},
	{ErrDuplicateConnection, "duplicate_connection"},
	{ErrUnregisteredDocument, "unregistered_document"},
	{ErrDocumentClosed, "document_closed"},
	{ErrCycleDetected, "cycle_detected"},
}

// ErrorCode names err by the sentinel it wraps, or "internal".
func ErrorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// ErrorForCode is the inverse of ErrorCode; unknown codes yield nil.
func ErrorForCode(code string) error {
	for _, c := range errorCodes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
