package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/FoxPay/app/models"
	"github.com/ManuelReschke/FoxPay/internal/pkg/metrics"
)

const rejectedEventPrefix = "rejected:"

// ErrInvalidSignature means a callback failed authentication while a secret or
// token is configured.
var ErrInvalidSignature = errors.New("billing: invalid callback signature")

// Gateway statuses that mean the payer completed the payment.
var settlingStatuses = map[string]struct{}{
	"COMPLETED": {},
	"SUCCEEDED": {},
	"PAID":      {},
	"SETTLED":   {},
}

// IsSettlingStatus reports whether a callback status settles a payment.
func IsSettlingStatus(status string) bool {
	_, ok := settlingStatuses[strings.ToUpper(strings.TrimSpace(status))]
	return ok
}

// CallbackDelivery is one raw webhook request.
type CallbackDelivery struct {
	Payload   []byte
	Signature string
	Token     string
	// EventID is the gateway delivery id header, if any.
	EventID string
}

// HandleCallback authenticates and records a delivery, then reconciles it.
// Malformed, unknown and repeated deliveries are acknowledged with a result
// rather than an error so the gateway stops retrying.
func (s *Service) HandleCallback(ctx context.Context, d CallbackDelivery) (*ReconcileResult, error) {
	signatureValid := s.verifier.Verify(d.Payload, d.Signature, d.Token)
	if !s.verifier.Enforced() {
		log.Warn("[Webhook] No callback secret or token configured, accepting unauthenticated delivery")
	}

	var evt CallbackEvent
	decodeErr := json.Unmarshal(d.Payload, &evt)

	eventID := strings.TrimSpace(d.EventID)
	if eventID == "" {
		eventID = strings.TrimSpace(evt.EventID)
	}
	if s.verifier.Enforced() && !signatureValid {
		// Forged deliveries must not claim the id of the genuine one.
		if eventID == "" {
			eventID = payloadHashID(d.Payload)
		}
		eventID = rejectedEventPrefix + eventID
	}
	created, stored, err := s.RecordCallbackEvent(ctx, CallbackEventInput{
		ProviderEventID: eventID,
		ResourceRef:     evt.ResourceRef(),
		EventStatus:     evt.Status,
		PayloadJSON:     string(d.Payload),
		SignatureValid:  signatureValid,
	})
	if err != nil {
		return nil, fmt.Errorf("record callback event: %w", err)
	}
	if !created {
		log.Infof("[Webhook] Repeated delivery %s for %s", stored.ProviderEventID, stored.ResourceRef)
	}

	if s.verifier.Enforced() && !signatureValid {
		metrics.IncWebhookEvent("rejected")
		_ = s.repo.MarkCallbackProcessed(ctx, stored.ID, "rejected: invalid signature")
		return nil, ErrInvalidSignature
	}

	if decodeErr != nil || evt.ResourceRef() == "" {
		log.Warnf("[Webhook] Ignoring malformed callback event %d", stored.ID)
		metrics.IncWebhookEvent(string(ReconcileIgnored))
		_ = s.repo.MarkCallbackProcessed(ctx, stored.ID, "ignored: malformed payload")
		return &ReconcileResult{Outcome: ReconcileIgnored}, nil
	}

	result, err := s.Reconcile(ctx, evt, d.Payload)
	note := "error"
	if err != nil {
		note = "error: " + err.Error()
	} else if result != nil {
		note = string(result.Outcome)
	}
	if markErr := s.repo.MarkCallbackProcessed(ctx, stored.ID, note); markErr != nil {
		log.Errorf("[Webhook] Failed to mark callback event %d processed: %v", stored.ID, markErr)
	}
	return result, err
}

// RecordCallbackEvent persists a delivery once per provider event id. Without
// an id the payload hash is used.
func (s *Service) RecordCallbackEvent(ctx context.Context, in CallbackEventInput) (bool, *models.PaymentCallbackEvent, error) {
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		eventID = payloadHashID([]byte(in.PayloadJSON))
	}

	event := &models.PaymentCallbackEvent{
		Provider:        models.PaymentProviderGateway,
		ProviderEventID: eventID,
		ResourceRef:     strings.TrimSpace(in.ResourceRef),
		EventStatus:     strings.ToUpper(strings.TrimSpace(in.EventStatus)),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	return s.repo.CreateCallbackEventIfNotExists(ctx, event)
}

// Reconcile applies one completion event. The balance is credited only by
// the call whose compare-and-set moves the record into paid.
func (s *Service) Reconcile(ctx context.Context, evt CallbackEvent, raw []byte) (*ReconcileResult, error) {
	record, err := s.findCallbackRecord(ctx, evt)
	if err != nil {
		return nil, err
	}
	if record == nil {
		log.Warnf("[Webhook] No billing record for callback reference %s (status %s)", evt.ResourceRef(), evt.Status)
		metrics.IncWebhookEvent(string(ReconcileUnknown))
		return &ReconcileResult{Outcome: ReconcileUnknown}, nil
	}

	if !IsSettlingStatus(evt.Status) {
		log.Infof("[Webhook] Ignoring status %s for %s", evt.Status, record.InvoiceID)
		metrics.IncWebhookEvent(string(ReconcileIgnored))
		return &ReconcileResult{Outcome: ReconcileIgnored, Record: record}, nil
	}
	if !evt.AmountMatches(record.Amount) {
		log.Errorf("[Webhook] Amount mismatch for %s: callback %s, record %d", record.InvoiceID, evt.Amount, record.Amount)
		metrics.IncWebhookEvent(string(ReconcileIgnored))
		return &ReconcileResult{Outcome: ReconcileIgnored, Record: record}, nil
	}

	paidAt, ok := parsePaidAt(evt.PaidAt)
	if !ok {
		paidAt = s.now().UTC()
	}

	transitioned := false
	err = s.repo.Transaction(ctx, func(tx Repository) error {
		ok, err := tx.CompareAndSetStatus(ctx, record.InvoiceID, models.BillingStatusWaitingPayment, models.BillingStatusPaid, map[string]interface{}{
			"payment_time":             paidAt,
			"gateway_callback_payload": string(raw),
			"gateway_status":           strings.ToUpper(strings.TrimSpace(evt.Status)),
		})
		if err != nil || !ok {
			return err
		}
		transitioned = true

		if err := tx.CreditBalance(ctx, record.UserID, record.Amount); err != nil {
			return fmt.Errorf("credit balance of user %d: %w", record.UserID, err)
		}
		return tx.CreateNotification(ctx, &models.PaymentNotification{
			UserID:    record.UserID,
			Type:      models.NotificationTypePaymentPaid,
			InvoiceID: record.InvoiceID,
			Amount:    record.Amount,
			Content:   fmt.Sprintf("Top-up of %d %s received", record.Amount, record.Currency),
		})
	})
	if err != nil {
		log.Errorf("[Webhook] Settlement of %s failed: %v", record.InvoiceID, err)
		metrics.IncWebhookEvent("error")
		return nil, err
	}

	current, err := s.repo.FindByInvoiceID(ctx, record.InvoiceID)
	if err != nil {
		return nil, err
	}

	if !transitioned {
		log.Infof("[Webhook] Duplicate or late callback for %s, status already %s", current.InvoiceID, current.Status)
		metrics.IncWebhookEvent(string(ReconcileDuplicate))
		return &ReconcileResult{Outcome: ReconcileDuplicate, Record: current}, nil
	}

	log.Infof("[Webhook] Settled %s, credited %d %s to user %d", current.InvoiceID, current.Amount, current.Currency, current.UserID)
	metrics.IncWebhookEvent(string(ReconcileSettled))
	metrics.AddBalanceCredited(current.Amount)
	s.publishPaid(ctx, current, paidAt)

	return &ReconcileResult{
		Outcome:       ReconcileSettled,
		Record:        current,
		CreditedUser:  current.UserID,
		CreditedValue: current.Amount,
	}, nil
}

// findCallbackRecord resolves resource ids first, then the external id.
func (s *Service) findCallbackRecord(ctx context.Context, evt CallbackEvent) (*models.BillingRecord, error) {
	lookups := []struct {
		key  string
		find func(context.Context, string) (*models.BillingRecord, error)
	}{
		{evt.QRResourceID, s.repo.FindByGatewayResourceID},
		{evt.VirtualAccountID, s.repo.FindByGatewayResourceID},
		{evt.ExternalID, s.repo.FindByExternalID},
	}
	for _, l := range lookups {
		key := strings.TrimSpace(l.key)
		if key == "" {
			continue
		}
		record, err := l.find(ctx, key)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

func (s *Service) publishPaid(ctx context.Context, record *models.BillingRecord, paidAt time.Time) {
	if s.events == nil {
		return
	}
	evt := PaymentPaidEvent{
		InvoiceID:     record.InvoiceID,
		ExternalID:    record.ExternalID,
		UserID:        record.UserID,
		Amount:        record.Amount,
		Currency:      record.Currency,
		PaymentMethod: string(record.PaymentMethod),
		ResourceID:    record.ResourceID(),
		PaidAt:        paidAt,
	}
	if err := s.events.PublishPaymentPaid(ctx, evt); err != nil {
		log.Warnf("[Webhook] Failed to publish payment.paid for %s: %v", record.InvoiceID, err)
	}
}

func payloadHashID(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "hash:" + hex.EncodeToString(sum[:])
}

// parsePaidAt accepts RFC 3339 or a unix timestamp in seconds or milliseconds.
func parsePaidAt(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), true
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}, false
	}
	if n >= 1e12 {
		return time.UnixMilli(n).UTC(), true
	}
	return time.Unix(n, 0).UTC(), true
}
