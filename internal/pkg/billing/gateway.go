package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/FoxPay/app/models"
	"github.com/ManuelReschke/FoxPay/internal/pkg/env"
	"github.com/ManuelReschke/FoxPay/internal/pkg/metrics"
)

const (
	defaultGatewayBaseURL = "http://localhost:8090/v1"
	defaultGatewayTimeout = 30 * time.Second

	QRResourceTTL     = 15 * time.Minute
	VirtualAccountTTL = 24 * time.Hour

	qrResourceType = "DYNAMIC"
)

// Error codes the gateway uses to report an already existing resource for a
// reference id.
var duplicateErrorCodes = map[string]struct{}{
	"DUPLICATE_ERROR":                          {},
	"DUPLICATE_REFERENCE_ID_ERROR":             {},
	"DUPLICATE_CALLBACK_VIRTUAL_ACCOUNT_ERROR": {},
}

// Gateway is the subset of the payment gateway the orchestrator depends on.
type Gateway interface {
	CreateQRResource(ctx context.Context, req QRResourceRequest) (*GatewayResource, error)
	CreateVirtualAccount(ctx context.Context, req VirtualAccountRequest) (*GatewayResource, error)
}

type GatewayClient struct {
	BaseURL   string
	SecretKey string

	HTTPClient *http.Client
}

func NewGatewayClientFromEnv() *GatewayClient {
	return &GatewayClient{
		BaseURL:   strings.TrimRight(strings.TrimSpace(env.GetEnv("GATEWAY_BASE_URL", defaultGatewayBaseURL)), "/"),
		SecretKey: strings.TrimSpace(env.GetEnv("GATEWAY_SECRET_KEY", "")),
		HTTPClient: &http.Client{
			Timeout: env.GetEnvDuration("GATEWAY_TIMEOUT", defaultGatewayTimeout),
		},
	}
}

// NewQRResourceRequest builds a dynamic QR request that expires after QRResourceTTL.
func NewQRResourceRequest(referenceID string, amount int64, currency string, now time.Time) QRResourceRequest {
	return QRResourceRequest{
		ReferenceID: referenceID,
		Type:        qrResourceType,
		Currency:    currency,
		Amount:      amount,
		ExpiresAt:   now.UTC().Add(QRResourceTTL).Truncate(time.Second),
	}
}

// NewVirtualAccountRequest builds a closed, fixed-amount VA request that
// expires after VirtualAccountTTL.
func NewVirtualAccountRequest(externalID, bankCode, payerName string, amount int64, currency string, now time.Time) VirtualAccountRequest {
	return VirtualAccountRequest{
		ExternalID:     externalID,
		BankCode:       bankCode,
		Name:           payerName,
		Currency:       currency,
		Amount:         amount,
		IsClosed:       true,
		ExpirationDate: now.UTC().Add(VirtualAccountTTL).Truncate(time.Second),
	}
}

type qrResourceResponse struct {
	ID          string     `json:"id"`
	ReferenceID string     `json:"referenceId"`
	Status      string     `json:"status"`
	QRString    string     `json:"qrString"`
	ExpiresAt   *time.Time `json:"expiresAt"`
}

func (r qrResourceResponse) toResource(outcome SubmitOutcome) *GatewayResource {
	return &GatewayResource{
		Outcome:     outcome,
		ResourceID:  strings.TrimSpace(r.ID),
		ReferenceID: r.ReferenceID,
		Status:      r.Status,
		QRString:    r.QRString,
		ExpiresAt:   r.ExpiresAt,
	}
}

type virtualAccountResponse struct {
	ID             string     `json:"id"`
	ExternalID     string     `json:"externalId"`
	BankCode       string     `json:"bankCode"`
	AccountNumber  string     `json:"accountNumber"`
	Status         string     `json:"status"`
	ExpirationDate *time.Time `json:"expirationDate"`
}

func (r virtualAccountResponse) toResource(outcome SubmitOutcome) *GatewayResource {
	return &GatewayResource{
		Outcome:       outcome,
		ResourceID:    strings.TrimSpace(r.ID),
		ReferenceID:   r.ExternalID,
		Status:        r.Status,
		AccountNumber: r.AccountNumber,
		BankCode:      r.BankCode,
		ExpiresAt:     r.ExpirationDate,
	}
}

type gatewayErrorBody struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// submitResult is the tagged answer of a create call: either the new
// resource body or the fact that the reference already exists.
type submitResult struct {
	Outcome SubmitOutcome
	Body    []byte
}

func (c *GatewayClient) CreateQRResource(ctx context.Context, req QRResourceRequest) (*GatewayResource, error) {
	const op = "create_qr"
	if strings.TrimSpace(req.ReferenceID) == "" {
		return nil, &ValidationError{Field: "referenceId", Message: "is required"}
	}

	res, err := c.submit(ctx, op, "/qr-resources", req.ReferenceID, req)
	if err != nil {
		return nil, err
	}

	var out qrResourceResponse
	switch res.Outcome {
	case SubmitCreated:
		if err := json.Unmarshal(res.Body, &out); err != nil {
			return nil, &GatewayError{Op: op, Body: string(res.Body), Err: fmt.Errorf("malformed response: %w", err)}
		}
	case SubmitAlreadyExists:
		log.Infof("[Gateway] QR resource for reference %s already exists, fetching it", req.ReferenceID)
		var list struct {
			Data []qrResourceResponse `json:"data"`
		}
		if err := c.fetch(ctx, "get_qr", "/qr-resources", url.Values{"referenceId": {req.ReferenceID}}, &list); err != nil {
			return nil, err
		}
		found := false
		for _, item := range list.Data {
			if item.ReferenceID == req.ReferenceID {
				out, found = item, true
				break
			}
		}
		if !found {
			return nil, &GatewayError{Op: "get_qr", Err: fmt.Errorf("duplicate reported but no QR resource found for %s", req.ReferenceID)}
		}
	}

	resource := out.toResource(res.Outcome)
	if resource.ResourceID == "" {
		return nil, &GatewayError{Op: op, Body: string(res.Body), Err: errors.New("response missing resource id")}
	}
	return resource, nil
}

func (c *GatewayClient) CreateVirtualAccount(ctx context.Context, req VirtualAccountRequest) (*GatewayResource, error) {
	const op = "create_va"
	if strings.TrimSpace(req.ExternalID) == "" {
		return nil, &ValidationError{Field: "externalId", Message: "is required"}
	}

	res, err := c.submit(ctx, op, "/virtual-accounts", req.ExternalID, req)
	if err != nil {
		return nil, err
	}

	var out virtualAccountResponse
	switch res.Outcome {
	case SubmitCreated:
		if err := json.Unmarshal(res.Body, &out); err != nil {
			return nil, &GatewayError{Op: op, Body: string(res.Body), Err: fmt.Errorf("malformed response: %w", err)}
		}
	case SubmitAlreadyExists:
		log.Infof("[Gateway] Virtual account for external id %s already exists, fetching it", req.ExternalID)
		var list struct {
			Data []virtualAccountResponse `json:"data"`
		}
		if err := c.fetch(ctx, "get_va", "/virtual-accounts", url.Values{"externalId": {req.ExternalID}}, &list); err != nil {
			return nil, err
		}
		found := false
		for _, item := range list.Data {
			if item.ExternalID == req.ExternalID {
				out, found = item, true
				break
			}
		}
		if !found {
			return nil, &GatewayError{Op: "get_va", Err: fmt.Errorf("duplicate reported but no virtual account found for %s", req.ExternalID)}
		}
	}

	resource := out.toResource(res.Outcome)
	if resource.ResourceID == "" {
		return nil, &GatewayError{Op: op, Body: string(res.Body), Err: errors.New("response missing resource id")}
	}
	return resource, nil
}

func (c *GatewayClient) submit(ctx context.Context, op, path, referenceID string, payload interface{}) (*submitResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	status, respBody, err := c.do(ctx, op, http.MethodPost, c.BaseURL+path, referenceID, body)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	switch {
	case status >= 200 && status < 300:
		metrics.ObserveGatewayCall(op, string(SubmitCreated), elapsed)
		return &submitResult{Outcome: SubmitCreated, Body: respBody}, nil
	case isDuplicateResponse(status, respBody):
		metrics.ObserveGatewayCall(op, string(SubmitAlreadyExists), elapsed)
		return &submitResult{Outcome: SubmitAlreadyExists, Body: respBody}, nil
	default:
		metrics.ObserveGatewayCall(op, "rejected", elapsed)
		log.Errorf("[Gateway] %s rejected for %s: status=%d body=%s", op, referenceID, status, string(respBody))
		return nil, &GatewayError{Op: op, StatusCode: status, Body: string(respBody)}
	}
}

func (c *GatewayClient) fetch(ctx context.Context, op, path string, query url.Values, out interface{}) error {
	u, err := url.Parse(c.BaseURL + path)
	if err != nil {
		return err
	}
	u.RawQuery = query.Encode()

	start := time.Now()
	status, respBody, err := c.do(ctx, op, http.MethodGet, u.String(), "", nil)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		metrics.ObserveGatewayCall(op, "rejected", time.Since(start))
		return &GatewayError{Op: op, StatusCode: status, Body: string(respBody)}
	}
	metrics.ObserveGatewayCall(op, "ok", time.Since(start))
	if err := json.Unmarshal(respBody, out); err != nil {
		return &GatewayError{Op: op, Body: string(respBody), Err: fmt.Errorf("malformed response: %w", err)}
	}
	return nil
}

// do performs one exchange. Transport failures are recorded here; HTTP
// answers are classified and recorded by the caller.
func (c *GatewayClient) do(ctx context.Context, op, method, target, idempotencyKey string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.SecretKey != "" {
		req.SetBasicAuth(c.SecretKey, "")
	}

	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultGatewayTimeout}
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		timeout := isTimeout(err)
		outcome := "transport_error"
		if timeout {
			outcome = "timeout"
		}
		metrics.ObserveGatewayCall(op, outcome, time.Since(start))
		log.Errorf("[Gateway] %s %s failed: %v", method, target, err)
		return 0, nil, &GatewayError{Op: op, Timeout: timeout, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		timeout := isTimeout(err)
		metrics.ObserveGatewayCall(op, "transport_error", time.Since(start))
		return 0, nil, &GatewayError{Op: op, Timeout: timeout, Err: err}
	}
	return resp.StatusCode, respBody, nil
}

func isDuplicateResponse(status int, body []byte) bool {
	if status < 400 || status >= 500 {
		return false
	}
	var parsed gatewayErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		if _, ok := duplicateErrorCodes[strings.ToUpper(strings.TrimSpace(parsed.ErrorCode))]; ok {
			return true
		}
	}
	return status == http.StatusConflict
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// BuildGatewayRequest renders the outbound body for a validated intent.
func BuildGatewayRequest(method models.PaymentMethod, externalID, bank, payerName string, amount int64, currency string, now time.Time) *GatewayRequest {
	switch method {
	case models.PaymentMethodVA:
		va := NewVirtualAccountRequest(externalID, bank, payerName, amount, currency, now)
		return &GatewayRequest{Method: method, VirtualAccount: &va}
	default:
		qr := NewQRResourceRequest(externalID, amount, currency, now)
		return &GatewayRequest{Method: models.PaymentMethodQRIS, QR: &qr}
	}
}
