package billing

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/FoxPay/app/models"
)

// PaymentInput is the caller intent shared by validate and pre-create.
type PaymentInput struct {
	UserID        uint   `json:"userId" validate:"required"`
	Amount        int64  `json:"amount" validate:"required,min=10000"`
	PaymentMethod string `json:"paymentMethod" validate:"required,oneof=qris va"`
	Bank          string `json:"bank,omitempty" validate:"omitempty,oneof=BCA BNI BRI MANDIRI PERMATA CIMB BSI"`
}

// CreateInput finalizes a pre-created invoice. Amount, method, bank and
// external id are echoed back by callers and must match the stored record.
type CreateInput struct {
	PaymentInput
	InvoiceID  string `json:"invoiceId" validate:"required"`
	ExternalID string `json:"externalId"`
}

// Preview is the dry-run answer of Validate. The ids are provisional and are
// not reserved; PreCreate issues fresh ones.
type Preview struct {
	InvoiceID     string          `json:"invoiceId"`
	ExternalID    string          `json:"externalId"`
	Amount        int64           `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"paymentMethod"`
	Bank          string          `json:"bank,omitempty"`
	Request       *GatewayRequest `json:"request"`
}

// PreCreateResult is the persisted intent plus the outbound request preview.
type PreCreateResult struct {
	Record  *models.BillingRecord `json:"record"`
	Request *GatewayRequest       `json:"request"`
}

// CreateResult is the finalized gateway resource for an invoice.
type CreateResult struct {
	Record   *models.BillingRecord `json:"record"`
	Resource *GatewayResource      `json:"resource"`
	// Reused is true when the record already carried a gateway resource and no
	// gateway call was made.
	Reused bool `json:"reused"`
}

// GatewayRequest is exactly one of the two outbound request bodies.
type GatewayRequest struct {
	Method         models.PaymentMethod   `json:"method"`
	QR             *QRResourceRequest     `json:"qr,omitempty"`
	VirtualAccount *VirtualAccountRequest `json:"virtualAccount,omitempty"`
}

// ExpiresAt returns the payment window end written into the request.
func (r *GatewayRequest) ExpiresAt() time.Time {
	switch {
	case r == nil:
		return time.Time{}
	case r.QR != nil:
		return r.QR.ExpiresAt
	case r.VirtualAccount != nil:
		return r.VirtualAccount.ExpirationDate
	default:
		return time.Time{}
	}
}

// QRResourceRequest is the body of POST /qr-resources.
type QRResourceRequest struct {
	ReferenceID string    `json:"referenceId"`
	Type        string    `json:"type"`
	Currency    string    `json:"currency"`
	Amount      int64     `json:"amount"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// VirtualAccountRequest is the body of POST /virtual-accounts.
type VirtualAccountRequest struct {
	ExternalID     string    `json:"externalId"`
	BankCode       string    `json:"bankCode"`
	Name           string    `json:"name"`
	Currency       string    `json:"currency"`
	Amount         int64     `json:"amount"`
	IsClosed       bool      `json:"isClosed"`
	ExpirationDate time.Time `json:"expirationDate"`
}

// SubmitOutcome tags how the gateway answered a create request.
type SubmitOutcome string

const (
	SubmitCreated       SubmitOutcome = "created"
	SubmitAlreadyExists SubmitOutcome = "already_exists"
)

// GatewayResource is the normalized gateway answer for either payment method.
type GatewayResource struct {
	Outcome       SubmitOutcome `json:"outcome"`
	ResourceID    string        `json:"resourceId"`
	ReferenceID   string        `json:"referenceId"`
	Status        string        `json:"status"`
	QRString      string        `json:"qrString,omitempty"`
	AccountNumber string        `json:"accountNumber,omitempty"`
	BankCode      string        `json:"bankCode,omitempty"`
	ExpiresAt     *time.Time    `json:"expiresAt,omitempty"`
}

// CallbackEvent is the decoded gateway webhook body. QR completions carry
// qrResourceId, VA payments carry externalId and usually virtualAccountId.
type CallbackEvent struct {
	EventID          string      `json:"id,omitempty"`
	Status           string      `json:"status"`
	QRResourceID     string      `json:"qrResourceId,omitempty"`
	VirtualAccountID string      `json:"virtualAccountId,omitempty"`
	ExternalID       string      `json:"externalId,omitempty"`
	Amount           json.Number `json:"amount,omitempty"`
	PaidAt           string      `json:"paidAt,omitempty"`
}

// UnmarshalJSON only fails on the fields that identify the payment. id,
// amount and paidAt are accepted as strings or numbers and dropped when they
// have any other shape.
func (e *CallbackEvent) UnmarshalJSON(data []byte) error {
	type plain CallbackEvent
	aux := struct {
		*plain
		EventID json.RawMessage `json:"id"`
		Amount  json.RawMessage `json:"amount"`
		PaidAt  json.RawMessage `json:"paidAt"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	e.EventID = scalarText(aux.EventID)
	e.PaidAt = scalarText(aux.PaidAt)
	e.Amount = ""
	if amount := scalarText(aux.Amount); amount != "" {
		if _, err := strconv.ParseFloat(amount, 64); err == nil {
			e.Amount = json.Number(amount)
		}
	}
	return nil
}

// AmountMatches reports whether the callback amount equals expected minor
// units. A callback without an amount matches; a fractional one never does.
func (e CallbackEvent) AmountMatches(expected int64) bool {
	if e.Amount == "" {
		return true
	}
	if n, err := e.Amount.Int64(); err == nil {
		return n == expected
	}
	f, err := e.Amount.Float64()
	if err != nil || f != math.Trunc(f) {
		return false
	}
	return f == float64(expected)
}

// scalarText returns a JSON string unquoted or a JSON number verbatim, and ""
// for anything else.
func scalarText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch c := raw[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	case c == '-' || (c >= '0' && c <= '9'):
		return string(raw)
	default:
		return ""
	}
}

// ResourceRef returns the most specific identifier the event carries.
func (e CallbackEvent) ResourceRef() string {
	switch {
	case e.QRResourceID != "":
		return e.QRResourceID
	case e.VirtualAccountID != "":
		return e.VirtualAccountID
	default:
		return e.ExternalID
	}
}

// ReconcileOutcome is the explicit result of applying one callback.
type ReconcileOutcome string

const (
	ReconcileSettled   ReconcileOutcome = "settled"
	ReconcileDuplicate ReconcileOutcome = "duplicate"
	ReconcileUnknown   ReconcileOutcome = "unknown"
	ReconcileIgnored   ReconcileOutcome = "ignored"
)

// ReconcileResult tells the caller what a callback did. Record is nil for
// unknown references.
type ReconcileResult struct {
	Outcome       ReconcileOutcome      `json:"outcome"`
	Record        *models.BillingRecord `json:"record,omitempty"`
	CreditedUser  uint                  `json:"creditedUser,omitempty"`
	CreditedValue int64                 `json:"creditedValue,omitempty"`
}

// StatusView is the caller-facing projection of a billing record.
type StatusView struct {
	InvoiceID     string     `json:"invoiceId"`
	ExternalID    string     `json:"externalId"`
	Status        string     `json:"status"`
	PaymentMethod string     `json:"paymentMethod"`
	Bank          string     `json:"bank,omitempty"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	QRString      string     `json:"qrString,omitempty"`
	AccountNumber string     `json:"accountNumber,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	PaymentTime   *time.Time `json:"paymentTime,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// CallbackEventInput is the normalized input for callback audit persistence.
type CallbackEventInput struct {
	ProviderEventID string
	ResourceRef     string
	EventStatus     string
	PayloadJSON     string
	SignatureValid  bool
}
