package controllers

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/FoxPay/internal/pkg/billing"
	"github.com/ManuelReschke/FoxPay/internal/pkg/env"
	"github.com/ManuelReschke/FoxPay/internal/pkg/usercontext"
)

const requestTimeout = 45 * time.Second

// PaymentController exposes the top-up lifecycle over HTTP.
type PaymentController struct {
	svc *billing.Service
}

func NewPaymentController(svc *billing.Service) *PaymentController {
	return &PaymentController{svc: svc}
}

type paymentRequest struct {
	UserID        uint   `json:"userId"`
	Amount        int64  `json:"amount"`
	PaymentMethod string `json:"paymentMethod"`
	Bank          string `json:"bank"`
	InvoiceID     string `json:"invoiceId"`
	ExternalID    string `json:"externalId"`
}

// POST /payments/validate
func (pc *PaymentController) HandleValidate(c *fiber.Ctx) error {
	in, err := pc.bindPaymentInput(c)
	if err != nil {
		return writeError(c, err)
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	preview, err := pc.svc.Validate(ctx, in.PaymentInput)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"valid": true, "preview": preview})
}

// POST /payments/pre-create
func (pc *PaymentController) HandlePreCreate(c *fiber.Ctx) error {
	in, err := pc.bindPaymentInput(c)
	if err != nil {
		return writeError(c, err)
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	res, err := pc.svc.PreCreate(ctx, in.PaymentInput)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"invoiceId":  res.Record.InvoiceID,
		"externalId": res.Record.ExternalID,
		"status":     billing.PublicStatus(res.Record.Status),
		"record":     res.Record,
		"request":    res.Request,
	})
}

// POST /payments/create
func (pc *PaymentController) HandleCreate(c *fiber.Ctx) error {
	in, err := pc.bindPaymentInput(c)
	if err != nil {
		return writeError(c, err)
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	res, err := pc.svc.Create(ctx, in)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"invoiceId":     res.Record.InvoiceID,
		"externalId":    res.Record.ExternalID,
		"resourceId":    res.Record.ResourceID(),
		"status":        billing.PublicStatus(res.Record.Status),
		"paymentMethod": res.Record.PaymentMethod,
		"qrString":      res.Record.QRString,
		"accountNumber": res.Record.AccountNumber,
		"bank":          res.Record.BankCode(),
		"expiresAt":     res.Record.ExpiresAt,
		"outcome":       res.Resource.Outcome,
		"reused":        res.Reused,
	})
}

// GET /payments/status/:paymentId
func (pc *PaymentController) HandleStatus(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	view, err := pc.svc.Status(ctx, usercontext.GetUserID(c), c.Params("paymentId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(view)
}

// POST /payments/cancel/:paymentId
func (pc *PaymentController) HandleCancel(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	view, err := pc.svc.Cancel(ctx, usercontext.GetUserID(c), c.Params("paymentId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"ok": true, "payment": view})
}

// POST /payments/callback
func (pc *PaymentController) HandleCallback(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	res, err := pc.svc.HandleCallback(ctx, billing.CallbackDelivery{
		Payload:   append([]byte(nil), c.BodyRaw()...),
		Signature: strings.TrimSpace(c.Get("X-Callback-Signature")),
		Token:     strings.TrimSpace(c.Get("X-Callback-Token")),
		EventID:   firstHeaderValue(c, "Webhook-Id", "X-Callback-Id", "X-Event-Id"),
	})
	if err != nil {
		if errors.Is(err, billing.ErrInvalidSignature) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature", "message": err.Error()})
		}
		log.Errorf("[PaymentController] Callback processing failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "callback_failed", "message": "callback could not be processed"})
	}

	body := fiber.Map{"ok": true, "outcome": res.Outcome}
	if res.Record != nil {
		body["invoiceId"] = res.Record.InvoiceID
		body["status"] = billing.PublicStatus(res.Record.Status)
	}
	return c.Status(fiber.StatusOK).JSON(body)
}

// GET /payments/history
func (pc *PaymentController) HandleHistory(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	views, err := pc.svc.History(ctx, usercontext.GetUserID(c), c.QueryInt("limit", 0))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"data": views})
}

// GET /payments/notifications
func (pc *PaymentController) HandleNotifications(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	unreadOnly := c.QueryBool("unread", false)
	notes, err := pc.svc.Notifications(ctx, usercontext.GetUserID(c), unreadOnly, c.QueryInt("limit", 0))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"data": notes})
}

// POST /payments/notifications/:id/read
func (pc *PaymentController) HandleMarkNotificationRead(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return writeError(c, &billing.ValidationError{Field: "id", Message: "must be a positive integer"})
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	if err := pc.svc.MarkNotificationRead(ctx, usercontext.GetUserID(c), uint(id)); err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"ok": true})
}

// bindPaymentInput parses the body and reconciles the body userId with the
// caller resolved from the X-User-ID header.
func (pc *PaymentController) bindPaymentInput(c *fiber.Ctx) (billing.CreateInput, error) {
	var req paymentRequest
	if err := c.BodyParser(&req); err != nil {
		return billing.CreateInput{}, &billing.ValidationError{Message: "invalid request body: " + err.Error()}
	}

	headerUser := usercontext.GetUserID(c)
	switch {
	case headerUser != 0 && req.UserID != 0 && headerUser != req.UserID:
		return billing.CreateInput{}, errUserMismatch
	case headerUser != 0:
		req.UserID = headerUser
	}

	return billing.CreateInput{
		PaymentInput: billing.PaymentInput{
			UserID:        req.UserID,
			Amount:        req.Amount,
			PaymentMethod: req.PaymentMethod,
			Bank:          req.Bank,
		},
		InvoiceID:  req.InvoiceID,
		ExternalID: req.ExternalID,
	}, nil
}

var errUserMismatch = errors.New("userId does not match the authenticated user")

// writeError maps service errors to the JSON error contract.
func writeError(c *fiber.Ctx, err error) error {
	var (
		validationErr  *billing.ValidationError
		validationErrs billing.ValidationErrors
		notFoundErr    *billing.NotFoundError
		gatewayErr     *billing.GatewayError
		stateErr       *billing.InvalidStateTransitionError
	)

	switch {
	case errors.Is(err, errUserMismatch):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden", "message": err.Error()})
	case errors.As(err, &validationErrs):
		fields := make(fiber.Map, len(validationErrs))
		for _, v := range validationErrs {
			fields[v.Field] = v.Message
		}
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "validation_error", "message": err.Error(), "fields": fields})
	case errors.As(err, &validationErr):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "validation_error", "message": err.Error(), "field": validationErr.Field})
	case errors.As(err, &notFoundErr):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": err.Error()})
	case errors.As(err, &stateErr):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "invalid_state_transition", "message": err.Error(), "status": billing.PublicStatus(stateErr.Current)})
	case errors.Is(err, billing.ErrCreateInProgress):
		c.Set(fiber.HeaderRetryAfter, "2")
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "create_in_progress", "message": err.Error()})
	case errors.As(err, &gatewayErr):
		status := fiber.StatusBadGateway
		if gatewayErr.Timeout {
			status = fiber.StatusGatewayTimeout
		}
		return c.Status(status).JSON(fiber.Map{"error": "gateway_error", "message": err.Error()})
	case errors.Is(err, billing.ErrDuplicateInvoice):
		log.Errorf("[PaymentController] %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "duplicate_invoice", "message": "invoice id collision, retry the request"})
	default:
		log.Errorf("[PaymentController] Unhandled error: %v", err)
		message := "internal error"
		if env.IsDev() {
			message = err.Error()
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": message})
	}
}

func requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), requestTimeout)
}

func firstHeaderValue(c *fiber.Ctx, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(c.Get(key)); v != "" {
			return v
		}
	}
	return ""
}
