package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/FoxPay/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the billing service.
// Lookups return gorm.ErrRecordNotFound for missing rows.
type Repository interface {
	CreateRecord(ctx context.Context, record *models.BillingRecord) error
	FindByInvoiceID(ctx context.Context, invoiceID string) (*models.BillingRecord, error)
	FindByGatewayResourceID(ctx context.Context, resourceID string) (*models.BillingRecord, error)
	FindByExternalID(ctx context.Context, externalID string) (*models.BillingRecord, error)
	ListByUser(ctx context.Context, userID uint, limit int) ([]models.BillingRecord, error)
	AttachGatewayResource(ctx context.Context, invoiceID string, res *GatewayResource) error
	CompareAndSetStatus(ctx context.Context, invoiceID string, expected, next models.BillingStatus, fields map[string]interface{}) (bool, error)

	GetUser(ctx context.Context, userID uint) (*models.User, error)
	CreditBalance(ctx context.Context, userID uint, amount int64) error

	CreateNotification(ctx context.Context, n *models.PaymentNotification) error
	ListNotifications(ctx context.Context, userID uint, unreadOnly bool, limit int) ([]models.PaymentNotification, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID uint) (bool, error)

	CreateCallbackEventIfNotExists(ctx context.Context, event *models.PaymentCallbackEvent) (bool, *models.PaymentCallbackEvent, error)
	MarkCallbackProcessed(ctx context.Context, id uint, note string) error

	// Transaction runs fn against a repository bound to one DB transaction.
	Transaction(ctx context.Context, fn func(tx Repository) error) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) CreateRecord(ctx context.Context, record *models.BillingRecord) error {
	err := r.db.WithContext(ctx).Create(record).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s", ErrDuplicateInvoice, record.InvoiceID)
	}
	return err
}

func (r *gormRepository) FindByInvoiceID(ctx context.Context, invoiceID string) (*models.BillingRecord, error) {
	return r.findOne(ctx, "invoice_id = ?", invoiceID)
}

func (r *gormRepository) FindByGatewayResourceID(ctx context.Context, resourceID string) (*models.BillingRecord, error) {
	return r.findOne(ctx, "gateway_resource_id = ?", resourceID)
}

func (r *gormRepository) FindByExternalID(ctx context.Context, externalID string) (*models.BillingRecord, error) {
	return r.findOne(ctx, "external_id = ?", externalID)
}

func (r *gormRepository) findOne(ctx context.Context, query string, arg string) (*models.BillingRecord, error) {
	if arg == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var record models.BillingRecord
	if err := r.db.WithContext(ctx).Where(query, arg).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *gormRepository) ListByUser(ctx context.Context, userID uint, limit int) ([]models.BillingRecord, error) {
	var records []models.BillingRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// AttachGatewayResource stores the gateway reference on a waiting_payment
// record. Re-attaching the same resource rewrites identical values; a
// different resource is rejected.
func (r *gormRepository) AttachGatewayResource(ctx context.Context, invoiceID string, res *GatewayResource) error {
	if res == nil || res.ResourceID == "" {
		return errors.New("gateway resource id is required")
	}
	updates := map[string]interface{}{
		"gateway_resource_id": res.ResourceID,
		"gateway_status":      res.Status,
		"qr_string":           res.QRString,
		"account_number":      res.AccountNumber,
		"expires_at":          res.ExpiresAt,
	}
	tx := r.db.WithContext(ctx).Model(&models.BillingRecord{}).
		Where("invoice_id = ? AND status = ? AND (gateway_resource_id IS NULL OR gateway_resource_id = ?)",
			invoiceID, models.BillingStatusWaitingPayment, res.ResourceID).
		Updates(updates)
	if tx.Error != nil {
		if errors.Is(tx.Error, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: resource %s", ErrResourceConflict, res.ResourceID)
		}
		return tx.Error
	}
	if tx.RowsAffected > 0 {
		return nil
	}

	// MySQL reports zero affected rows for identical rewrites; tell that
	// apart from a missing record, a terminal record or a foreign resource.
	current, err := r.FindByInvoiceID(ctx, invoiceID)
	if err != nil {
		return err
	}
	if current.ResourceID() == res.ResourceID {
		return nil
	}
	if current.Status != models.BillingStatusWaitingPayment {
		return &InvalidStateTransitionError{InvoiceID: invoiceID, Current: current.Status, Requested: models.BillingStatusWaitingPayment}
	}
	return fmt.Errorf("%w: invoice %s has %s", ErrResourceConflict, invoiceID, current.ResourceID())
}

// CompareAndSetStatus moves a record from expected to next in one conditional
// UPDATE and reports whether this call performed the transition.
func (r *gormRepository) CompareAndSetStatus(ctx context.Context, invoiceID string, expected, next models.BillingStatus, fields map[string]interface{}) (bool, error) {
	if expected.IsTerminal() {
		return false, fmt.Errorf("illegal transition out of terminal status %s", expected)
	}
	updates := map[string]interface{}{"status": next}
	for k, v := range fields {
		updates[k] = v
	}
	tx := r.db.WithContext(ctx).Model(&models.BillingRecord{}).
		Where("invoice_id = ? AND status = ?", invoiceID, expected).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (r *gormRepository) GetUser(ctx context.Context, userID uint) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) CreditBalance(ctx context.Context, userID uint, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	tx := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("balance", gorm.Expr("balance + ?", amount))
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormRepository) CreateNotification(ctx context.Context, n *models.PaymentNotification) error {
	return r.db.WithContext(ctx).Create(n).Error
}

func (r *gormRepository) ListNotifications(ctx context.Context, userID uint, unreadOnly bool, limit int) ([]models.PaymentNotification, error) {
	var out []models.PaymentNotification
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	err := q.Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

func (r *gormRepository) MarkNotificationRead(ctx context.Context, userID, notificationID uint) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.PaymentNotification{}).
		Where("id = ? AND user_id = ? AND is_read = ?", notificationID, userID, false).
		Update("is_read", true)
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) CreateCallbackEventIfNotExists(ctx context.Context, event *models.PaymentCallbackEvent) (bool, *models.PaymentCallbackEvent, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.PaymentCallbackEvent
	if err := r.db.WithContext(ctx).Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkCallbackProcessed(ctx context.Context, id uint, note string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":    &now,
		"processing_note": note,
	}
	return r.db.WithContext(ctx).Model(&models.PaymentCallbackEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormRepository) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}
