package billing

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/FoxPay/app/models"
	"github.com/ManuelReschke/FoxPay/internal/pkg/metrics"
)

const (
	StatusPending   = "PENDING"
	StatusPaid      = "PAID"
	StatusCancelled = "CANCELLED"

	defaultListLimit = 50
	maxListLimit     = 200
)

// PublicStatus maps a record status to the caller-facing one.
func PublicStatus(s models.BillingStatus) string {
	switch s {
	case models.BillingStatusPaid:
		return StatusPaid
	case models.BillingStatusCancelled:
		return StatusCancelled
	default:
		return StatusPending
	}
}

// NewStatusView projects a record for callers.
func NewStatusView(r *models.BillingRecord) StatusView {
	return StatusView{
		InvoiceID:     r.InvoiceID,
		ExternalID:    r.ExternalID,
		Status:        PublicStatus(r.Status),
		PaymentMethod: string(r.PaymentMethod),
		Bank:          r.BankCode(),
		Amount:        r.Amount,
		Currency:      r.Currency,
		QRString:      r.QRString,
		AccountNumber: r.AccountNumber,
		ExpiresAt:     r.ExpiresAt,
		PaymentTime:   r.PaymentTime,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// Status returns the current state of a payment. paymentID is an invoice id,
// a gateway resource id or an external id. A non-zero userID restricts the
// lookup to that user's records.
func (s *Service) Status(ctx context.Context, userID uint, paymentID string) (*StatusView, error) {
	record, err := s.resolvePayment(ctx, userID, paymentID)
	if err != nil {
		return nil, err
	}
	view := NewStatusView(record)
	return &view, nil
}

// Cancel moves a waiting_payment record to cancelled. Terminal records are
// left untouched and reported as an InvalidStateTransitionError.
func (s *Service) Cancel(ctx context.Context, userID uint, paymentID string) (*StatusView, error) {
	record, err := s.resolvePayment(ctx, userID, paymentID)
	if err != nil {
		return nil, err
	}
	if record.Status.IsTerminal() {
		metrics.IncPaymentOperation("cancel", string(record.PaymentMethod), "rejected")
		return nil, &InvalidStateTransitionError{InvoiceID: record.InvoiceID, Current: record.Status, Requested: models.BillingStatusCancelled}
	}

	ok, err := s.repo.CompareAndSetStatus(ctx, record.InvoiceID, models.BillingStatusWaitingPayment, models.BillingStatusCancelled, map[string]interface{}{
		"cancelled_at": s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	current, err := s.repo.FindByInvoiceID(ctx, record.InvoiceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the race, most likely against a settling callback.
		metrics.IncPaymentOperation("cancel", string(record.PaymentMethod), "rejected")
		return nil, &InvalidStateTransitionError{InvoiceID: current.InvoiceID, Current: current.Status, Requested: models.BillingStatusCancelled}
	}

	log.Infof("[Billing] Cancelled %s for user %d", current.InvoiceID, current.UserID)
	metrics.IncPaymentOperation("cancel", string(current.PaymentMethod), "ok")
	view := NewStatusView(current)
	return &view, nil
}

// History lists a user's payments, newest first.
func (s *Service) History(ctx context.Context, userID uint, limit int) ([]StatusView, error) {
	if userID == 0 {
		return nil, &ValidationError{Field: "userId", Message: "is required"}
	}
	records, err := s.repo.ListByUser(ctx, userID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	out := make([]StatusView, 0, len(records))
	for i := range records {
		out = append(out, NewStatusView(&records[i]))
	}
	return out, nil
}

// Notifications lists settlement notices for a user, newest first.
func (s *Service) Notifications(ctx context.Context, userID uint, unreadOnly bool, limit int) ([]models.PaymentNotification, error) {
	if userID == 0 {
		return nil, &ValidationError{Field: "userId", Message: "is required"}
	}
	return s.repo.ListNotifications(ctx, userID, unreadOnly, clampLimit(limit))
}

// MarkNotificationRead acknowledges one notification of userID.
func (s *Service) MarkNotificationRead(ctx context.Context, userID, notificationID uint) error {
	if userID == 0 {
		return &ValidationError{Field: "userId", Message: "is required"}
	}
	ok, err := s.repo.MarkNotificationRead(ctx, userID, notificationID)
	if err != nil {
		return err
	}
	if !ok {
		return &NotFoundError{Resource: "notification", Key: strconv.FormatUint(uint64(notificationID), 10)}
	}
	return nil
}

func (s *Service) resolvePayment(ctx context.Context, userID uint, paymentID string) (*models.BillingRecord, error) {
	id := strings.TrimSpace(paymentID)
	if id == "" {
		return nil, &ValidationError{Field: "paymentId", Message: "is required"}
	}

	finders := []func(context.Context, string) (*models.BillingRecord, error){
		s.repo.FindByGatewayResourceID,
		s.repo.FindByExternalID,
	}
	if LooksLikeInvoiceID(id) {
		finders = append([]func(context.Context, string) (*models.BillingRecord, error){s.repo.FindByInvoiceID}, finders...)
	}

	for _, find := range finders {
		record, err := find(ctx, id)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if userID != 0 && record.UserID != userID {
			break
		}
		return record, nil
	}
	return nil, &NotFoundError{Resource: "payment", Key: id}
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}
