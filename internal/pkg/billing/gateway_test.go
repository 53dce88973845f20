package billing

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/FoxPay/app/models"
)

var gatewayNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *GatewayClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &GatewayClient{BaseURL: srv.URL, SecretKey: "sk_test", HTTPClient: srv.Client()}
}

func TestNewQRResourceRequest(t *testing.T) {
	req := NewQRResourceRequest("ext-1", 50000, "IDR", gatewayNow)
	assert.Equal(t, "ext-1", req.ReferenceID)
	assert.Equal(t, "DYNAMIC", req.Type)
	assert.Equal(t, int64(50000), req.Amount)
	assert.Equal(t, gatewayNow.Add(15*time.Minute), req.ExpiresAt)
}

func TestNewVirtualAccountRequest(t *testing.T) {
	req := NewVirtualAccountRequest("ext-2", "BCA", "Jane", 75000, "IDR", gatewayNow)
	assert.Equal(t, "BCA", req.BankCode)
	assert.Equal(t, "Jane", req.Name)
	assert.True(t, req.IsClosed)
	assert.Equal(t, gatewayNow.Add(24*time.Hour), req.ExpirationDate)
}

func TestBuildGatewayRequest(t *testing.T) {
	qr := BuildGatewayRequest(models.PaymentMethodQRIS, "ext", "", "", 10000, "IDR", gatewayNow)
	require.NotNil(t, qr.QR)
	assert.Nil(t, qr.VirtualAccount)
	assert.Equal(t, gatewayNow.Add(QRResourceTTL), qr.ExpiresAt())

	va := BuildGatewayRequest(models.PaymentMethodVA, "ext", "BNI", "Joe", 10000, "IDR", gatewayNow)
	require.NotNil(t, va.VirtualAccount)
	assert.Nil(t, va.QR)
	assert.Equal(t, gatewayNow.Add(VirtualAccountTTL), va.ExpiresAt())
}

func TestCreateQRResource_Created(t *testing.T) {
	client := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/qr-resources", r.URL.Path)
		assert.Equal(t, "ext-1", r.Header.Get("Idempotency-Key"))
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "sk_test", user)

		var body QRResourceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, int64(50000), body.Amount)

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"qr_123","referenceId":"ext-1","status":"ACTIVE","qrString":"000201..."}`))
	})

	res, err := client.CreateQRResource(t.Context(), NewQRResourceRequest("ext-1", 50000, "IDR", gatewayNow))
	require.NoError(t, err)
	assert.Equal(t, SubmitCreated, res.Outcome)
	assert.Equal(t, "qr_123", res.ResourceID)
	assert.Equal(t, "000201...", res.QRString)
}

func TestCreateQRResource_DuplicateFetchesExisting(t *testing.T) {
	var gets int32
	client := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error_code":"DUPLICATE_ERROR","message":"reference already used"}`))
		case http.MethodGet:
			atomic.AddInt32(&gets, 1)
			assert.Equal(t, "ext-1", r.URL.Query().Get("referenceId"))
			_, _ = w.Write([]byte(`{"data":[{"id":"qr_existing","referenceId":"ext-1","status":"ACTIVE","qrString":"abc"}]}`))
		}
	})

	res, err := client.CreateQRResource(t.Context(), NewQRResourceRequest("ext-1", 50000, "IDR", gatewayNow))
	require.NoError(t, err)
	assert.Equal(t, SubmitAlreadyExists, res.Outcome)
	assert.Equal(t, "qr_existing", res.ResourceID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&gets))
}

func TestCreateVirtualAccount_Conflict409FetchesExisting(t *testing.T) {
	client := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{}`))
		case http.MethodGet:
			assert.Equal(t, "/virtual-accounts", r.URL.Path)
			assert.Equal(t, "ext-9", r.URL.Query().Get("externalId"))
			_, _ = w.Write([]byte(`{"data":[{"id":"va_1","externalId":"ext-9","bankCode":"BRI","accountNumber":"8808123","status":"PENDING"}]}`))
		}
	})

	res, err := client.CreateVirtualAccount(t.Context(), NewVirtualAccountRequest("ext-9", "BRI", "Joe", 20000, "IDR", gatewayNow))
	require.NoError(t, err)
	assert.Equal(t, SubmitAlreadyExists, res.Outcome)
	assert.Equal(t, "va_1", res.ResourceID)
	assert.Equal(t, "8808123", res.AccountNumber)
}

func TestCreateVirtualAccount_DuplicateButNothingFound(t *testing.T) {
	client := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error_code":"DUPLICATE_CALLBACK_VIRTUAL_ACCOUNT_ERROR"}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	})

	_, err := client.CreateVirtualAccount(t.Context(), NewVirtualAccountRequest("ext-9", "BRI", "Joe", 20000, "IDR", gatewayNow))
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "get_va", gwErr.Op)
}

func TestCreateVirtualAccount_ServerError(t *testing.T) {
	client := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`upstream down`))
	})

	_, err := client.CreateVirtualAccount(t.Context(), NewVirtualAccountRequest("ext-9", "BRI", "Joe", 20000, "IDR", gatewayNow))
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, http.StatusInternalServerError, gwErr.StatusCode)
	assert.False(t, gwErr.Timeout)
	assert.Contains(t, gwErr.Error(), "status=500 body=upstream down")
}

func TestCreateQRResource_ValidationRejectNotDuplicate(t *testing.T) {
	client := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_code":"API_VALIDATION_ERROR"}`))
	})

	_, err := client.CreateQRResource(t.Context(), NewQRResourceRequest("ext-1", 50000, "IDR", gatewayNow))
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, http.StatusBadRequest, gwErr.StatusCode)
}

func TestCreateQRResource_Timeout(t *testing.T) {
	release := make(chan struct{})
	client := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	client.HTTPClient = &http.Client{Timeout: 50 * time.Millisecond}

	_, err := client.CreateQRResource(t.Context(), NewQRResourceRequest("ext-1", 50000, "IDR", gatewayNow))
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.True(t, gwErr.Timeout)
}

func TestCreateQRResource_RequiresReference(t *testing.T) {
	client := &GatewayClient{BaseURL: "http://127.0.0.1:1"}
	_, err := client.CreateQRResource(t.Context(), QRResourceRequest{})
	assert.True(t, IsValidation(err))
}

func TestIsDuplicateResponse(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   bool
	}{
		{status: 409, body: ``, want: true},
		{status: 400, body: `{"error_code":"DUPLICATE_REFERENCE_ID_ERROR"}`, want: true},
		{status: 400, body: `{"error_code":"duplicate_error"}`, want: true},
		{status: 400, body: `{"error_code":"INVALID_AMOUNT"}`, want: false},
		{status: 500, body: `{"error_code":"DUPLICATE_ERROR"}`, want: false},
		{status: 200, body: ``, want: false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isDuplicateResponse(tt.status, []byte(tt.body)), "status=%d body=%s", tt.status, tt.body)
	}
}
