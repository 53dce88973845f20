package models

import (
	"time"
)

// BillingStatus is the lifecycle state of a BillingRecord.
type BillingStatus string

const (
	BillingStatusWaitingPayment BillingStatus = "waiting_payment"
	BillingStatusPaid           BillingStatus = "paid"
	BillingStatusCancelled      BillingStatus = "cancelled"
)

// IsTerminal reports whether no further transition is permitted from s.
func (s BillingStatus) IsTerminal() bool {
	return s == BillingStatusPaid || s == BillingStatusCancelled
}

// PaymentMethod is the gateway rail used to fund a BillingRecord.
type PaymentMethod string

const (
	PaymentMethodQRIS PaymentMethod = "qris"
	PaymentMethodVA   PaymentMethod = "va"
)

// Bank codes accepted for virtual account payments.
const (
	BankBCA     = "BCA"
	BankBNI     = "BNI"
	BankBRI     = "BRI"
	BankMandiri = "MANDIRI"
	BankPermata = "PERMATA"
	BankCIMB    = "CIMB"
	BankBSI     = "BSI"
)

// SupportedBanks lists every bank code a virtual account may be opened with.
var SupportedBanks = []string{BankBCA, BankBNI, BankBRI, BankMandiri, BankPermata, BankCIMB, BankBSI}

// MinTopUpAmount is the smallest accepted amount in minor currency units.
const MinTopUpAmount int64 = 10000

// BillingRecord tracks one balance top-up from pre-create to settlement or
// cancellation. Rows are never deleted; they are the audit trail.
type BillingRecord struct {
	ID                     uint          `gorm:"primaryKey" json:"id"`
	InvoiceID              string        `gorm:"type:varchar(64);not null;uniqueIndex" json:"invoice_id"`
	ExternalID             string        `gorm:"type:varchar(64);not null;uniqueIndex" json:"external_id"`
	UserID                 uint          `gorm:"not null;index" json:"user_id"`
	Amount                 int64         `gorm:"not null" json:"amount"`
	Currency               string        `gorm:"type:varchar(3);not null" json:"currency"`
	PaymentMethod          PaymentMethod `gorm:"type:varchar(10);not null" json:"payment_method"`
	Bank                   *string       `gorm:"type:varchar(20);default:null" json:"bank,omitempty"`
	Status                 BillingStatus `gorm:"type:varchar(20);not null;default:'waiting_payment';index" json:"status"`
	GatewayRequestSnapshot string        `gorm:"type:text;not null" json:"gateway_request_snapshot"`
	GatewayResourceID      *string       `gorm:"type:varchar(191);default:null;uniqueIndex" json:"gateway_resource_id,omitempty"`
	GatewayStatus          string        `gorm:"type:varchar(32);default:''" json:"gateway_status,omitempty"`
	QRString               string        `gorm:"type:text" json:"qr_string,omitempty"`
	AccountNumber          string        `gorm:"type:varchar(64);default:''" json:"account_number,omitempty"`
	ExpiresAt              *time.Time    `gorm:"default:null" json:"expires_at,omitempty"`
	GatewayCallbackPayload string        `gorm:"type:text" json:"-"`
	PaymentTime            *time.Time    `gorm:"default:null" json:"payment_time,omitempty"`
	CancelledAt            *time.Time    `gorm:"default:null" json:"cancelled_at,omitempty"`
	CreatedAt              time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

// BankCode returns the bank for VA records, or "" for QRIS.
func (r *BillingRecord) BankCode() string {
	if r == nil || r.Bank == nil {
		return ""
	}
	return *r.Bank
}

// HasGatewayResource reports whether the create phase already succeeded.
func (r *BillingRecord) HasGatewayResource() bool {
	return r != nil && r.GatewayResourceID != nil && *r.GatewayResourceID != ""
}

// ResourceID returns the gateway resource id or "".
func (r *BillingRecord) ResourceID() string {
	if !r.HasGatewayResource() {
		return ""
	}
	return *r.GatewayResourceID
}
