package models

import "time"

const PaymentProviderGateway = "gateway"

// PaymentCallbackEvent stores raw gateway webhook deliveries with deduplication
// metadata. It is an audit log; crediting is gated by BillingRecord status.
type PaymentCallbackEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Provider        string     `gorm:"type:varchar(20);not null;index:ux_payment_callback_events_provider_event,unique,priority:1" json:"provider"`
	ProviderEventID string     `gorm:"type:varchar(191);not null;default:'';index:ux_payment_callback_events_provider_event,unique,priority:2" json:"provider_event_id"`
	ResourceRef     string     `gorm:"type:varchar(191);default:'';index" json:"resource_ref"`
	EventStatus     string     `gorm:"type:varchar(32);default:''" json:"event_status"`
	PayloadJSON     string     `gorm:"type:text;not null" json:"payload_json"`
	SignatureValid  bool       `gorm:"default:false" json:"signature_valid"`
	ProcessedAt     *time.Time `gorm:"default:null" json:"processed_at,omitempty"`
	ProcessingNote  string     `gorm:"type:text" json:"processing_note"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
