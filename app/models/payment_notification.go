package models

import (
	"time"
)

const NotificationTypePaymentPaid = "payment_paid"

// PaymentNotification is a per-user message produced when a top-up settles.
// The front end polls unread rows and acknowledges them.
type PaymentNotification struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"index:idx_payment_notifications_user_read,priority:1" json:"user_id"`
	Type      string    `gorm:"type:varchar(50)" json:"type"`
	InvoiceID string    `gorm:"type:varchar(64);index" json:"invoice_id"`
	Amount    int64     `json:"amount"`
	Content   string    `gorm:"type:text" json:"content"`
	IsRead    bool      `gorm:"default:false;index:idx_payment_notifications_user_read,priority:2" json:"is_read"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
