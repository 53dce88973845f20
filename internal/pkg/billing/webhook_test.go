package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/FoxPay/app/models"
)

func callbackPayload(t *testing.T, evt CallbackEvent) []byte {
	t.Helper()
	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	return raw
}

func TestIsSettlingStatus(t *testing.T) {
	for _, s := range []string{"COMPLETED", "succeeded", " PAID ", "Settled"} {
		assert.True(t, IsSettlingStatus(s), s)
	}
	for _, s := range []string{"", "PENDING", "EXPIRED", "FAILED"} {
		assert.False(t, IsSettlingStatus(s), s)
	}
}

func TestReconcile_QRScenarioCreditsOnce(t *testing.T) {
	e := newTestEnv(t)
	u := seedUser(t, e.db, "Agus")
	record := e.preCreateAndCreate(t, PaymentInput{UserID: u.ID, Amount: 50000, PaymentMethod: "qris"})

	payload := callbackPayload(t, CallbackEvent{Status: "COMPLETED", QRResourceID: record.ResourceID()})
	res, err := e.svc.HandleCallback(context.Background(), CallbackDelivery{Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, ReconcileSettled, res.Outcome)
	assert.Equal(t, u.ID, res.CreditedUser)
	assert.Equal(t, int64(50000), res.CreditedValue)
	assert.Equal(t, models.BillingStatusPaid, res.Record.Status)
	assert.NotNil(t, res.Record.PaymentTime)
	assert.Equal(t, int64(50000), balanceOf(t, e.db, u.ID))

	replay, err := e.svc.HandleCallback(context.Background(), CallbackDelivery{Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, ReconcileDuplicate, replay.Outcome)
	assert.Equal(t, int64(50000), balanceOf(t, e.db, u.ID))
	assert.Equal(t, models.BillingStatusPaid, replay.Record.Status)

	notes, err := e.svc.Notifications(context.Background(), u.ID, true, 0)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, record.InvoiceID, notes[0].InvoiceID)

	require.Len(t, e.publisher.events, 1)
	assert.Equal(t, record.InvoiceID, e.publisher.events[0].InvoiceID)

	var events int64
	require.NoError(t, e.db.Model(&models.PaymentCallbackEvent{}).Count(&events).Error)
	assert.Equal(t, int64(1), events, "identical payloads dedupe on hash")
}

func TestReconcile_VAScenarioCancelThenWebhook(t *testing.T) {
	e := newTestEnv(t)
	u := seedUser(t, e.db, "Bayu")
	record := e.preCreateAndCreate(t, PaymentInput{UserID: u.ID, Amount: 20000, PaymentMethod: "va", Bank: "BCA"})

	view, err := e.svc.Cancel(context.Background(), u.ID, record.InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, view.Status)

	res, err := e.svc.HandleCallback(context.Background(), CallbackDelivery{
		Payload: callbackPayload(t, CallbackEvent{Status: "PAID", VirtualAccountID: record.ResourceID(), ExternalID: record.ExternalID}),
	})
	require.NoError(t, err)
	assert.Equal(t, ReconcileDuplicate, res.Outcome)
	assert.Equal(t, models.BillingStatusCancelled, res.Record.Status)
	assert.Zero(t, balanceOf(t, e.db, u.ID))
	assert.Empty(t, e.publisher.events)
}

func TestReconcile_FallsBackToExternalID(t *testing.T) {
	e := newTestEnv(t)
	u := seedUser(t, e.db, "Candra")
	record := e.preCreateAndCreate(t, PaymentInput{UserID: u.ID, Amount: 20000, PaymentMethod: "va", Bank: "MANDIRI"})

	res, err := e.svc.Reconcile(context.Background(), CallbackEvent{Status: "COMPLETED", VirtualAccountID: "unknown", ExternalID: record.ExternalID}, nil)
	require.NoError(t, err)
	assert.Equal(t, ReconcileSettled, res.Outcome)
	assert.Equal(t, int64(20000), balanceOf(t, e.db, u.ID))
}

func TestReconcile_UnknownResourceAcknowledged(t *testing.T) {
	e := newTestEnv(t)
	res, err := e.svc.HandleCallback(context.Background(), CallbackDelivery{
		Payload: callbackPayload(t, CallbackEvent{Status: "COMPLETED", QRResourceID: "qr_missing"}),
	})
	require.NoError(t, err)
	assert.Equal(t, ReconcileUnknown, res.Outcome)
	assert.Nil(t, res.Record)
}

func TestReconcile_NonSettlingStatusIgnored(t *testing.T) {
	e := newTestEnv(t)
	u := seedUser(t, e.db, "Dian")
	record := e.preCreateAndCreate(t, PaymentInput{UserID: u.ID, Amount: 20000, PaymentMethod: "qris"})

	res, err := e.svc.Reconcile(context.Background(), CallbackEvent{Status: "EXPIRED", QRResourceID: record.ResourceID()}, nil)
	require.NoError(t, err)
	assert.Equal(t, ReconcileIgnored, res.Outcome)
	assert.Equal(t, models.BillingStatusWaitingPayment, res.Record.Status)
	assert.Zero(t, balanceOf(t, e.db, u.ID))
}

func TestReconcile_AmountMismatchIgnored(t *testing.T) {
	e := newTestEnv(t)
	u := seedUser(t, e.db, "Edi")
	record := e.preCreateAndCreate(t, PaymentInput{UserID: u.ID, Amount: 20000, PaymentMethod: "qris"})

	res, err := e.svc.Reconcile(context.Background(), CallbackEvent{Status: "COMPLETED", QRResourceID: record.ResourceID(), Amount: "10000"}, nil)
	require.NoError(t, err)
	assert.Equal(t, ReconcileIgnored, res.Outcome)
	assert.Zero(t, balanceOf(t, e.db, u.ID))
}

func TestHandleCallback_NumericIDAndDecimalAmountSettle(t *testing.T) {
	e := newTestEnv(t)
	u := seedUser(t, e.db, "Joko")
	record := e.preCreateAndCreate(t, PaymentInput{UserID: u.ID, Amount: 50000, PaymentMethod: "qris"})

	payload := []byte(fmt.Sprintf(`{"id":123456,"status":"COMPLETED","qrResourceId":%q,"amount":50000.00,"paidAt":1767225600}`, record.ResourceID()))
	res, err := e.svc.HandleCallback(context.Background(), CallbackDelivery{Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, ReconcileSettled, res.Outcome)
	assert.Equal(t, int64(50000), balanceOf(t, e.db, u.ID))
	require.NotNil(t, res.Record.PaymentTime)
	assert.True(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Equal(*res.Record.PaymentTime))

	var stored models.PaymentCallbackEvent
	require.NoError(t, e.db.First(&stored).Error)
	assert.Equal(t, "123456", stored.ProviderEventID)
	assert.Equal(t, "settled", stored.ProcessingNote)
}

func TestHandleCallback_FractionalAmountIgnored(t *testing.T) {
	e := newTestEnv(t)
	u := seedUser(t, e.db, "Kartika")
	record := e.preCreateAndCreate(t, PaymentInput{UserID: u.ID, Amount: 50000, PaymentMethod: "qris"})

	payload := []byte(fmt.Sprintf(`{"id":"evt-frac","status":"COMPLETED","qrResourceId":%q,"amount":50000.5}`, record.ResourceID()))
	res, err := e.svc.HandleCallback(context.Background(), CallbackDelivery{Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, ReconcileIgnored, res.Outcome)
	assert.Zero(t, balanceOf(t, e.db, u.ID))
}

func TestCallbackEvent_LenientDecoding(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		id      string
		amount  json.Number
		paidAt  string
	}{
		{"strings", `{"id":"evt-1","status":"PAID","amount":"20000","paidAt":"2026-01-01T00:00:00Z"}`, "evt-1", "20000", "2026-01-01T00:00:00Z"},
		{"numbers", `{"id":987,"status":"PAID","amount":20000.00,"paidAt":1767225600000}`, "987", "20000.00", "1767225600000"},
		{"wrong shapes dropped", `{"id":{"x":1},"status":"PAID","amount":[1],"paidAt":true}`, "", "", ""},
		{"non-numeric amount dropped", `{"status":"PAID","amount":"lots"}`, "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var evt CallbackEvent
			require.NoError(t, json.Unmarshal([]byte(tt.payload), &evt))
			assert.Equal(t, "PAID", evt.Status)
			assert.Equal(t, tt.id, evt.EventID)
			assert.Equal(t, tt.amount, evt.Amount)
			assert.Equal(t, tt.paidAt, evt.PaidAt)
		})
	}

	var evt CallbackEvent
	assert.Error(t, json.Unmarshal([]byte(`{"status":7}`), &evt))
}

func TestCallbackEvent_AmountMatches(t *testing.T) {
	assert.True(t, CallbackEvent{}.AmountMatches(20000))
	assert.True(t, CallbackEvent{Amount: "20000"}.AmountMatches(20000))
	assert.True(t, CallbackEvent{Amount: "20000.00"}.AmountMatches(20000))
	assert.False(t, CallbackEvent{Amount: "20000.5"}.AmountMatches(20000))
	assert.False(t, CallbackEvent{Amount: "10000"}.AmountMatches(20000))
}

func TestParsePaidAt(t *testing.T) {
	want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, v := range []string{"2026-01-01T07:00:00+07:00", "1767225600", "1767225600000"} {
		got, ok := parsePaidAt(v)
		require.True(t, ok, v)
		assert.True(t, want.Equal(got), v)
	}
	for _, v := range []string{"", "yesterday", "-5"} {
		_, ok := parsePaidAt(v)
		assert.False(t, ok, v)
	}
}

func TestHandleCallback_MalformedAcknowledged(t *testing.T) {
	e := newTestEnv(t)
	res, err := e.svc.HandleCallback(context.Background(), CallbackDelivery{Payload: []byte(`not json`)})
	require.NoError(t, err)
	assert.Equal(t, ReconcileIgnored, res.Outcome)

	var stored models.PaymentCallbackEvent
	require.NoError(t, e.db.First(&stored).Error)
	assert.Equal(t, "ignored: malformed payload", stored.ProcessingNote)
	assert.NotNil(t, stored.ProcessedAt)
}

func TestHandleCallback_SignatureEnforced(t *testing.T) {
	e := newTestEnv(t, WithCallbackVerifier(&CallbackVerifier{Secret: "whsec"}))
	u := seedUser(t, e.db, "Fitri")
	record := e.preCreateAndCreate(t, PaymentInput{UserID: u.ID, Amount: 20000, PaymentMethod: "qris"})
	payload := callbackPayload(t, CallbackEvent{Status: "COMPLETED", QRResourceID: record.ResourceID()})

	_, err := e.svc.HandleCallback(context.Background(), CallbackDelivery{Payload: payload, Signature: "deadbeef", EventID: "evt-bad"})
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Zero(t, balanceOf(t, e.db, u.ID))

	res, err := e.svc.HandleCallback(context.Background(), CallbackDelivery{Payload: payload, Signature: SignCallback(payload, "whsec"), EventID: "evt-good"})
	require.NoError(t, err)
	assert.Equal(t, ReconcileSettled, res.Outcome)

	var good models.PaymentCallbackEvent
	require.NoError(t, e.db.Where("provider_event_id = ?", "evt-good").First(&good).Error)
	assert.True(t, good.SignatureValid)
	assert.Equal(t, "settled", good.ProcessingNote)
}

func TestHandleCallback_ForgedDeliveryDoesNotClaimEventID(t *testing.T) {
	e := newTestEnv(t, WithCallbackVerifier(&CallbackVerifier{Secret: "whsec"}))
	u := seedUser(t, e.db, "Lestari")
	record := e.preCreateAndCreate(t, PaymentInput{UserID: u.ID, Amount: 20000, PaymentMethod: "qris"})
	forged := []byte(fmt.Sprintf(`{"id":"evt-1","status":"COMPLETED","qrResourceId":%q,"amount":1}`, record.ResourceID()))
	genuine := []byte(fmt.Sprintf(`{"id":"evt-1","status":"COMPLETED","qrResourceId":%q,"amount":20000}`, record.ResourceID()))

	_, err := e.svc.HandleCallback(context.Background(), CallbackDelivery{Payload: forged, Signature: "deadbeef"})
	assert.ErrorIs(t, err, ErrInvalidSignature)

	res, err := e.svc.HandleCallback(context.Background(), CallbackDelivery{Payload: genuine, Signature: SignCallback(genuine, "whsec")})
	require.NoError(t, err)
	assert.Equal(t, ReconcileSettled, res.Outcome)
	assert.Equal(t, int64(20000), balanceOf(t, e.db, u.ID))

	var good models.PaymentCallbackEvent
	require.NoError(t, e.db.Where("provider_event_id = ?", "evt-1").First(&good).Error)
	assert.True(t, good.SignatureValid)
	assert.Equal(t, string(genuine), good.PayloadJSON)
	assert.Equal(t, "settled", good.ProcessingNote)

	var bad models.PaymentCallbackEvent
	require.NoError(t, e.db.Where("provider_event_id = ?", "rejected:evt-1").First(&bad).Error)
	assert.False(t, bad.SignatureValid)
	assert.Equal(t, string(forged), bad.PayloadJSON)
}

func TestReconcile_PublishFailureDoesNotUndoSettlement(t *testing.T) {
	e := newTestEnv(t)
	e.publisher.err = errors.New("broker down")
	u := seedUser(t, e.db, "Gilang")
	record := e.preCreateAndCreate(t, PaymentInput{UserID: u.ID, Amount: 20000, PaymentMethod: "qris"})

	res, err := e.svc.Reconcile(context.Background(), CallbackEvent{Status: "COMPLETED", QRResourceID: record.ResourceID()}, nil)
	require.NoError(t, err)
	assert.Equal(t, ReconcileSettled, res.Outcome)
	assert.Equal(t, int64(20000), balanceOf(t, e.db, u.ID))
}

func TestReconcile_ConcurrentDeliveriesCreditOnce(t *testing.T) {
	e := newTestEnv(t)
	u := seedUser(t, e.db, "Hana")
	record := e.preCreateAndCreate(t, PaymentInput{UserID: u.ID, Amount: 35000, PaymentMethod: "qris"})
	evt := CallbackEvent{Status: "COMPLETED", QRResourceID: record.ResourceID()}

	const deliveries = 6
	var wg sync.WaitGroup
	outcomes := make(chan ReconcileOutcome, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.svc.Reconcile(context.Background(), evt, nil)
			if assert.NoError(t, err) {
				outcomes <- res.Outcome
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	settled := 0
	for o := range outcomes {
		if o == ReconcileSettled {
			settled++
		}
	}
	assert.Equal(t, 1, settled)
	assert.Equal(t, int64(35000), balanceOf(t, e.db, u.ID))
}

func TestCancelAndWebhookRaceHasOneWinner(t *testing.T) {
	for i := 0; i < 5; i++ {
		e := newTestEnv(t)
		u := seedUser(t, e.db, "Irfan")
		record := e.preCreateAndCreate(t, PaymentInput{UserID: u.ID, Amount: 20000, PaymentMethod: "va", Bank: "BSI"})

		var wg sync.WaitGroup
		var cancelErr error
		var res *ReconcileResult
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = e.svc.Cancel(context.Background(), u.ID, record.InvoiceID)
		}()
		go func() {
			defer wg.Done()
			var err error
			res, err = e.svc.Reconcile(context.Background(), CallbackEvent{Status: "COMPLETED", VirtualAccountID: record.ResourceID()}, nil)
			assert.NoError(t, err)
		}()
		wg.Wait()

		final, err := e.svc.Status(context.Background(), u.ID, record.InvoiceID)
		require.NoError(t, err)
		switch final.Status {
		case StatusPaid:
			assert.Equal(t, ReconcileSettled, res.Outcome)
			var st *InvalidStateTransitionError
			assert.ErrorAs(t, cancelErr, &st)
			assert.Equal(t, int64(20000), balanceOf(t, e.db, u.ID))
		case StatusCancelled:
			assert.NoError(t, cancelErr)
			assert.Equal(t, ReconcileDuplicate, res.Outcome)
			assert.Zero(t, balanceOf(t, e.db, u.ID))
		default:
			t.Fatalf("unexpected final status %s", final.Status)
		}
	}
}

func TestVerifyCallbackSignature(t *testing.T) {
	payload := []byte(`{"status":"COMPLETED"}`)
	sig := SignCallback(payload, "top-secret")

	assert.True(t, VerifyCallbackSignature(payload, sig, "top-secret"))
	assert.True(t, VerifyCallbackSignature(payload, "sha256="+sig, "top-secret"))
	assert.False(t, VerifyCallbackSignature(payload, sig, "other"))
	assert.False(t, VerifyCallbackSignature(payload, "zz", "top-secret"))
	assert.False(t, VerifyCallbackSignature(payload, "", "top-secret"))
}

func TestCallbackVerifier(t *testing.T) {
	var none *CallbackVerifier
	assert.False(t, none.Enforced())
	assert.False(t, (&CallbackVerifier{}).Verify(nil, "", ""))

	tok := &CallbackVerifier{Token: "cb-token"}
	assert.True(t, tok.Enforced())
	assert.True(t, tok.Verify(nil, "", "cb-token"))
	assert.False(t, tok.Verify(nil, "", "wrong"))
}
