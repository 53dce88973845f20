package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/FoxPay/app/models"
	"github.com/ManuelReschke/FoxPay/internal/pkg/env"
	"github.com/ManuelReschke/FoxPay/internal/pkg/metrics"
)

const (
	defaultCurrency      = "IDR"
	defaultCreateLockTTL = 90 * time.Second
	createLockPrefix     = "billing:create:"
)

// Locker serializes create calls for one invoice across processes.
type Locker interface {
	// Acquire returns ok=false when the key is already held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// PaymentPaidEvent is published after a record settles.
type PaymentPaidEvent struct {
	InvoiceID     string    `json:"invoiceId"`
	ExternalID    string    `json:"externalId"`
	UserID        uint      `json:"userId"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	PaymentMethod string    `json:"paymentMethod"`
	ResourceID    string    `json:"resourceId"`
	PaidAt        time.Time `json:"paidAt"`
}

// EventPublisher delivers domain events. Failures never roll back a settlement.
type EventPublisher interface {
	PublishPaymentPaid(ctx context.Context, evt PaymentPaidEvent) error
}

// Service drives the top-up lifecycle: the three creation phases, webhook
// reconciliation, status queries and cancellation.
type Service struct {
	repo     Repository
	gateway  Gateway
	ids      *InvoiceGenerator
	validate *validator.Validate
	locker   Locker
	events   EventPublisher
	verifier *CallbackVerifier

	currency      string
	createLockTTL time.Duration
	now           func() time.Time
}

type Option func(*Service)

func WithLocker(l Locker) Option { return func(s *Service) { s.locker = l } }

func WithEventPublisher(p EventPublisher) Option { return func(s *Service) { s.events = p } }

func WithCallbackVerifier(v *CallbackVerifier) Option { return func(s *Service) { s.verifier = v } }

func WithCurrency(currency string) Option {
	return func(s *Service) {
		if c := strings.ToUpper(strings.TrimSpace(currency)); c != "" {
			s.currency = c
		}
	}
}

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithInvoiceGenerator(g *InvoiceGenerator) Option { return func(s *Service) { s.ids = g } }

func WithCreateLockTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.createLockTTL = ttl
		}
	}
}

// NewService creates a billing service from an injected repository and gateway.
func NewService(repo Repository, gateway Gateway, opts ...Option) *Service {
	s := &Service{
		repo:          repo,
		gateway:       gateway,
		ids:           defaultInvoiceGenerator,
		validate:      newInputValidator(),
		currency:      defaultCurrency,
		createLockTTL: defaultCreateLockTTL,
		now:           time.Now,
		verifier:      &CallbackVerifier{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewServiceFromDB creates a billing service from a GORM DB handle and the
// environment-configured gateway.
func NewServiceFromDB(db *gorm.DB, opts ...Option) *Service {
	base := []Option{
		WithCurrency(env.GetEnv("PAYMENT_CURRENCY", defaultCurrency)),
		WithCallbackVerifier(NewCallbackVerifierFromEnv()),
	}
	return NewService(NewRepository(db), NewGatewayClientFromEnv(), append(base, opts...)...)
}

// Validate runs every check of PreCreate and previews the gateway request
// without writing anything.
func (s *Service) Validate(ctx context.Context, in PaymentInput) (*Preview, error) {
	in = normalizeInput(in)
	user, err := s.checkInput(ctx, in)
	if err != nil {
		metrics.IncPaymentOperation("validate", in.PaymentMethod, "rejected")
		return nil, err
	}

	invoiceID := s.ids.Next()
	externalID := NewExternalID()
	req := BuildGatewayRequest(models.PaymentMethod(in.PaymentMethod), externalID, in.Bank, user.Name, in.Amount, s.currency, s.now())

	metrics.IncPaymentOperation("validate", in.PaymentMethod, "ok")
	return &Preview{
		InvoiceID:     invoiceID,
		ExternalID:    externalID,
		Amount:        in.Amount,
		Currency:      s.currency,
		PaymentMethod: in.PaymentMethod,
		Bank:          in.Bank,
		Request:       req,
	}, nil
}

// PreCreate persists the payment intent in waiting_payment together with the
// exact request body create will send.
func (s *Service) PreCreate(ctx context.Context, in PaymentInput) (*PreCreateResult, error) {
	in = normalizeInput(in)
	user, err := s.checkInput(ctx, in)
	if err != nil {
		metrics.IncPaymentOperation("pre_create", in.PaymentMethod, "rejected")
		return nil, err
	}

	method := models.PaymentMethod(in.PaymentMethod)
	externalID := NewExternalID()
	req := BuildGatewayRequest(method, externalID, in.Bank, user.Name, in.Amount, s.currency, s.now())
	snapshot, err := encodeSnapshot(req)
	if err != nil {
		return nil, err
	}

	record := &models.BillingRecord{
		InvoiceID:              s.ids.Next(),
		ExternalID:             externalID,
		UserID:                 in.UserID,
		Amount:                 in.Amount,
		Currency:               s.currency,
		PaymentMethod:          method,
		Status:                 models.BillingStatusWaitingPayment,
		GatewayRequestSnapshot: snapshot,
	}
	if in.Bank != "" {
		bank := in.Bank
		record.Bank = &bank
	}

	if err := s.repo.CreateRecord(ctx, record); err != nil {
		if errors.Is(err, ErrDuplicateInvoice) {
			log.Errorf("[Billing] Invoice id collision on pre-create: %v", err)
		}
		metrics.IncPaymentOperation("pre_create", in.PaymentMethod, "error")
		return nil, fmt.Errorf("persist billing record: %w", err)
	}

	log.Infof("[Billing] Pre-created %s for user %d: %s %d %s", record.InvoiceID, record.UserID, record.PaymentMethod, record.Amount, record.Currency)
	metrics.IncPaymentOperation("pre_create", in.PaymentMethod, "ok")
	return &PreCreateResult{Record: record, Request: req}, nil
}

// Create submits the stored request for a pre-created invoice and binds the
// resulting gateway resource. Repeated calls return the same resource.
func (s *Service) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	in.PaymentInput = normalizeInput(in.PaymentInput)
	in.InvoiceID = strings.TrimSpace(in.InvoiceID)
	in.ExternalID = strings.TrimSpace(in.ExternalID)
	method := in.PaymentMethod

	if err := s.checkFields(in); err != nil {
		metrics.IncPaymentOperation("create", method, "rejected")
		return nil, err
	}

	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx, createLockPrefix+in.InvoiceID, s.createLockTTL)
		switch {
		case err != nil:
			// Gateway duplicate resolution and the conditional attach still
			// keep one resource per invoice without the lock.
			log.Warnf("[Billing] Create lock unavailable for %s, continuing unlocked: %v", in.InvoiceID, err)
		case !ok:
			metrics.IncPaymentOperation("create", method, "in_progress")
			return nil, ErrCreateInProgress
		default:
			defer release()
		}
	}

	record, err := s.repo.FindByInvoiceID(ctx, in.InvoiceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "invoice", Key: in.InvoiceID}
		}
		return nil, err
	}
	if record.UserID != in.UserID {
		return nil, &NotFoundError{Resource: "invoice", Key: in.InvoiceID}
	}
	if err := matchRecord(record, in); err != nil {
		metrics.IncPaymentOperation("create", method, "rejected")
		return nil, err
	}

	if record.HasGatewayResource() {
		metrics.IncPaymentOperation("create", method, "reused")
		return &CreateResult{Record: record, Resource: resourceFromRecord(record), Reused: true}, nil
	}
	if record.Status != models.BillingStatusWaitingPayment {
		return nil, &InvalidStateTransitionError{InvoiceID: record.InvoiceID, Current: record.Status, Requested: models.BillingStatusWaitingPayment}
	}

	req, err := decodeSnapshot(record)
	if err != nil {
		return nil, err
	}
	if exp := req.ExpiresAt(); !exp.IsZero() && !s.now().Before(exp) {
		metrics.IncPaymentOperation("create", method, "expired")
		return nil, &ValidationError{Field: "invoiceId", Message: "payment window expired, pre-create a new invoice"}
	}

	var resource *GatewayResource
	switch record.PaymentMethod {
	case models.PaymentMethodVA:
		resource, err = s.gateway.CreateVirtualAccount(ctx, *req.VirtualAccount)
	default:
		resource, err = s.gateway.CreateQRResource(ctx, *req.QR)
	}
	if err != nil {
		log.Errorf("[Billing] Gateway create failed for %s: %v", record.InvoiceID, err)
		metrics.IncPaymentOperation("create", method, "gateway_error")
		return nil, err
	}
	if resource.Outcome == SubmitAlreadyExists {
		log.Infof("[Billing] Gateway already had resource %s for %s", resource.ResourceID, record.InvoiceID)
	}

	if err := s.repo.AttachGatewayResource(ctx, record.InvoiceID, resource); err != nil {
		metrics.IncPaymentOperation("create", method, "error")
		return nil, fmt.Errorf("attach gateway resource to %s: %w", record.InvoiceID, err)
	}

	updated, err := s.repo.FindByInvoiceID(ctx, record.InvoiceID)
	if err != nil {
		return nil, err
	}
	metrics.IncPaymentOperation("create", method, string(resource.Outcome))
	return &CreateResult{Record: updated, Resource: resource}, nil
}

// checkInput validates fields and resolves the funding user.
func (s *Service) checkInput(ctx context.Context, in PaymentInput) (*models.User, error) {
	if err := s.checkFields(in); err != nil {
		return nil, err
	}
	user, err := s.repo.GetUser(ctx, in.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "user", Key: strconv.FormatUint(uint64(in.UserID), 10)}
		}
		return nil, err
	}
	if !user.IsActive() {
		return nil, &ValidationError{Field: "userId", Message: "account is not active"}
	}
	return user, nil
}

// checkFields runs struct tag validation plus the bank rule. in must be a
// PaymentInput or CreateInput.
func (s *Service) checkFields(in interface{}) error {
	var out ValidationErrors
	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			out = append(out, &ValidationError{Field: fe.Field(), Message: describeTag(fe)})
		}
	}

	var base PaymentInput
	switch v := in.(type) {
	case PaymentInput:
		base = v
	case CreateInput:
		base = v.PaymentInput
	}
	switch {
	case base.PaymentMethod == string(models.PaymentMethodVA) && base.Bank == "":
		out = append(out, &ValidationError{Field: "bank", Message: "is required for virtual account payments"})
	case base.PaymentMethod == string(models.PaymentMethodQRIS) && base.Bank != "":
		out = append(out, &ValidationError{Field: "bank", Message: "must be empty for QRIS payments"})
	}

	if len(out) == 0 {
		return nil
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func newInputValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "failed " + fe.Tag() + " check"
	}
}

func normalizeInput(in PaymentInput) PaymentInput {
	in.PaymentMethod = strings.ToLower(strings.TrimSpace(in.PaymentMethod))
	in.Bank = strings.ToUpper(strings.TrimSpace(in.Bank))
	return in
}

// matchRecord rejects a create body that disagrees with the pre-created intent.
func matchRecord(record *models.BillingRecord, in CreateInput) error {
	var out ValidationErrors
	if record.Amount != in.Amount {
		out = append(out, &ValidationError{Field: "amount", Message: "does not match the pre-created invoice"})
	}
	if string(record.PaymentMethod) != in.PaymentMethod {
		out = append(out, &ValidationError{Field: "paymentMethod", Message: "does not match the pre-created invoice"})
	}
	if record.BankCode() != in.Bank {
		out = append(out, &ValidationError{Field: "bank", Message: "does not match the pre-created invoice"})
	}
	if in.ExternalID != "" && record.ExternalID != in.ExternalID {
		out = append(out, &ValidationError{Field: "externalId", Message: "does not match the pre-created invoice"})
	}
	if len(out) == 0 {
		return nil
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

// encodeSnapshot stores the bare outbound body, exactly as the gateway receives it.
func encodeSnapshot(req *GatewayRequest) (string, error) {
	var body interface{}
	switch {
	case req.QR != nil:
		body = req.QR
	case req.VirtualAccount != nil:
		body = req.VirtualAccount
	default:
		return "", errors.New("gateway request has no body")
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeSnapshot(record *models.BillingRecord) (*GatewayRequest, error) {
	req := &GatewayRequest{Method: record.PaymentMethod}
	var err error
	switch record.PaymentMethod {
	case models.PaymentMethodVA:
		req.VirtualAccount = &VirtualAccountRequest{}
		err = json.Unmarshal([]byte(record.GatewayRequestSnapshot), req.VirtualAccount)
	case models.PaymentMethodQRIS:
		req.QR = &QRResourceRequest{}
		err = json.Unmarshal([]byte(record.GatewayRequestSnapshot), req.QR)
	default:
		err = fmt.Errorf("unknown payment method %q", record.PaymentMethod)
	}
	if err != nil {
		return nil, fmt.Errorf("decode request snapshot of %s: %w", record.InvoiceID, err)
	}
	return req, nil
}

func resourceFromRecord(record *models.BillingRecord) *GatewayResource {
	return &GatewayResource{
		Outcome:       SubmitAlreadyExists,
		ResourceID:    record.ResourceID(),
		ReferenceID:   record.ExternalID,
		Status:        record.GatewayStatus,
		QRString:      record.QRString,
		AccountNumber: record.AccountNumber,
		BankCode:      record.BankCode(),
		ExpiresAt:     record.ExpiresAt,
	}
}
