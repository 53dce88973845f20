package billing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ManuelReschke/FoxPay/app/models"
)

var (
	// ErrDuplicateInvoice means an invoice id collided on insert. The generator
	// avoids this by construction, so seeing it points at a generator bug.
	ErrDuplicateInvoice = errors.New("billing: duplicate invoice id")

	// ErrCreateInProgress means another create call holds the invoice lock.
	ErrCreateInProgress = errors.New("billing: create already in progress for invoice")

	// ErrResourceConflict means a record already references a different gateway resource.
	ErrResourceConflict = errors.New("billing: record already bound to another gateway resource")
)

// ValidationError reports caller input that must be corrected before retrying.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates every failed field of one request.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	parts := make([]string, 0, len(e))
	for _, v := range e {
		parts = append(parts, v.Error())
	}
	return strings.Join(parts, "; ")
}

// NotFoundError reports an unknown user, invoice or gateway resource.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.Key)
}

// GatewayError wraps any failed gateway exchange. Retrying create is safe
// because the gateway call is keyed by the record's external id.
type GatewayError struct {
	Op         string
	StatusCode int
	Body       string
	Timeout    bool
	Err        error
}

func (e *GatewayError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("gateway %s timed out: %v", e.Op, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("gateway %s failed: status=%d body=%s", e.Op, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("gateway %s failed: %v", e.Op, e.Err)
	}
}

func (e *GatewayError) Unwrap() error { return e.Err }

// InvalidStateTransitionError is returned when a terminal record is asked to move.
type InvalidStateTransitionError struct {
	InvoiceID string
	Current   models.BillingStatus
	Requested models.BillingStatus
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invoice %s is %s, cannot transition to %s", e.InvoiceID, e.Current, e.Requested)
}

// IsValidation reports whether err is a ValidationError or a set of them.
func IsValidation(err error) bool {
	var single *ValidationError
	var many ValidationErrors
	return errors.As(err, &single) || errors.As(err, &many)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
