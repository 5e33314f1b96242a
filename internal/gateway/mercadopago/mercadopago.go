// Package mercadopago implements the redirect gateway flow on the official
// SDK: a Checkout Pro preference is created up front, the payer approves at
// the init-point URL, and capture is reconciled by re-fetching the payment.
package mercadopago

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mercadopago/sdk-go/pkg/config"
	"github.com/mercadopago/sdk-go/pkg/payment"
	"github.com/mercadopago/sdk-go/pkg/preference"
	"github.com/shopspring/decimal"

	"github.com/yourorg/checkout-payments/internal/gateway"
)

// paymentAPI is the slice of the SDK payment client this adapter uses.
type paymentAPI interface {
	Get(ctx context.Context, id int) (*payment.Response, error)
}

// Adapter implements gateway.Adapter plus the order and webhook
// capabilities. Credentials used: SecretKey as the access token,
// WebhookSecret for notification signatures. Refunds are routed through
// the merchant dashboard on this network, so the refund capability is not
// declared and ProcessRefund fails fast.
type Adapter struct {
	creds    gateway.Credentials
	cfg      *config.Config
	payments paymentAPI
}

// New creates a Mercado Pago adapter bound to one credential set.
func New(creds gateway.Credentials) (*Adapter, error) {
	cfg, err := config.New(creds.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("mercadopago: config: %w", err)
	}
	return &Adapter{creds: creds, cfg: cfg, payments: payment.NewClient(cfg)}, nil
}

func (a *Adapter) Name() gateway.Type               { return gateway.TypeMercadoPago }
func (a *Adapter) Environment() gateway.Environment { return a.creds.Environment }

func (a *Adapter) Capabilities() gateway.Capabilities {
	return gateway.Capabilities{
		Orders:   true,
		Webhooks: true,
	}
}

// ClientConfig exposes the public key for the checkout bricks widget.
func (a *Adapter) ClientConfig() map[string]string {
	return map[string]string{
		"publicKey":   a.creds.PublishableKey,
		"environment": string(a.creds.Environment),
	}
}

// mapPaymentStatus is the total mapping from the network's payment states.
func mapPaymentStatus(s string) gateway.Status {
	switch s {
	case "approved":
		return gateway.StatusSucceeded
	case "pending", "in_process", "authorized":
		return gateway.StatusProcessing
	case "rejected":
		return gateway.StatusFailed
	case "cancelled":
		return gateway.StatusCancelled
	case "refunded", "charged_back":
		return gateway.StatusRefunded
	default:
		return gateway.StatusFailed
	}
}

// CreateOrder creates a Checkout Pro preference and returns its init-point
// URL as the redirect target, verbatim.
func (a *Adapter) CreateOrder(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentResult, error) {
	if req.ReturnURL == "" || req.CancelURL == "" {
		return gateway.PaymentResult{}, fmt.Errorf("mercadopago: return and cancel URLs are required")
	}

	client := preference.NewClient(a.cfg)
	title := req.Description
	if title == "" {
		title = "Checkout session " + req.SessionID
	}
	prefReq := preference.Request{
		Items: []preference.ItemRequest{{
			Title:      title,
			Quantity:   1,
			UnitPrice:  req.Amount.InexactFloat64(),
			CurrencyID: req.Currency,
		}},
		ExternalReference: req.SessionID,
		AutoReturn:        "approved",
		BackURLs: &preference.BackURLsRequest{
			Success: req.ReturnURL,
			Pending: req.ReturnURL,
			Failure: req.CancelURL,
		},
	}
	if req.CustomerEmail != "" {
		prefReq.Payer = &preference.PayerRequest{Email: req.CustomerEmail}
	}

	result, err := client.Create(ctx, prefReq)
	if err != nil {
		return gateway.PaymentResult{
			TransactionID: req.TransactionID,
			Status:        gateway.StatusFailed,
			Message:       "payment could not be processed",
			ErrorCode:     "network_error",
			Raw:           []byte(err.Error()),
		}, nil
	}

	redirectURL := result.InitPoint
	if a.creds.Environment != gateway.EnvProduction && result.SandboxInitPoint != "" {
		redirectURL = result.SandboxInitPoint
	}
	return gateway.PaymentResult{
		TransactionID:        req.TransactionID,
		GatewayTransactionID: result.ID,
		Status:               gateway.StatusRequiresAction,
		Message:              "payer approval required",
		RequiresAction:       &gateway.RequiredAction{Kind: gateway.ActionRedirect, RedirectURL: redirectURL},
	}, nil
}

// CaptureOrder reconciles by re-fetching the payment the network created
// after approval; its numeric id arrives via webhook, where HandleWebhook
// resolves it onto the session. Checkout Pro settles on approval, so an
// approved payment is the captured state.
func (a *Adapter) CaptureOrder(ctx context.Context, orderID string) (gateway.PaymentResult, error) {
	id, err := strconv.Atoi(orderID)
	if err != nil {
		return gateway.PaymentResult{}, fmt.Errorf("mercadopago: invalid payment id %q", orderID)
	}

	result, err := a.payments.Get(ctx, id)
	if err != nil {
		return gateway.PaymentResult{
			GatewayTransactionID: orderID,
			Status:               gateway.StatusFailed,
			Message:              "payment could not be verified",
			ErrorCode:            "network_error",
			Raw:                  []byte(err.Error()),
		}, nil
	}

	res := gateway.PaymentResult{
		GatewayTransactionID: orderID,
		Status:               mapPaymentStatus(result.Status),
	}
	if res.Status == gateway.StatusSucceeded {
		res.Success = true
	} else {
		res.ErrorCode = result.StatusDetail
		res.Message = "payment is " + result.Status
	}
	return res, nil
}

// ProcessPayment on a redirect network starts the approval flow.
func (a *Adapter) ProcessPayment(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentResult, error) {
	if req.Method.Card != nil {
		return gateway.PaymentResult{}, gateway.NewUnsupportedOperation(gateway.TypeMercadoPago, "raw card processing")
	}
	return a.CreateOrder(ctx, req)
}

// ProcessRefund is not offered on this network integration.
func (a *Adapter) ProcessRefund(ctx context.Context, req gateway.RefundRequest) (gateway.RefundResult, error) {
	return gateway.RefundResult{}, gateway.NewUnsupportedOperation(gateway.TypeMercadoPago, "refunds")
}

// ValidateCredentials checks the token shape; the network validates
// lazily on first API use, so this is a best-effort onboarding probe.
func (a *Adapter) ValidateCredentials(ctx context.Context) error {
	if a.creds.SecretKey == "" {
		return fmt.Errorf("mercadopago: access token is required")
	}
	if !strings.HasPrefix(a.creds.SecretKey, "APP_USR-") && !strings.HasPrefix(a.creds.SecretKey, "TEST-") {
		return fmt.Errorf("mercadopago: access token has an unexpected prefix")
	}
	return nil
}

// HandleWebhook verifies the x-signature header (ts=...,v1=... over the
// manifest "id:<dataID>;ts:<ts>;") and normalizes the notification. The
// notification only names a payment id, so the payment is re-fetched to
// learn its state and the external reference linking it back to the
// session; a fetch failure is an error so the network redelivers.
func (a *Adapter) HandleWebhook(ctx context.Context, payload []byte, signature string) (gateway.WebhookEvent, error) {
	if a.creds.WebhookSecret == "" {
		return gateway.WebhookEvent{}, fmt.Errorf("mercadopago: webhook secret not configured")
	}

	var note struct {
		ID     int64  `json:"id"`
		Type   string `json:"type"`
		Action string `json:"action"`
		Data   struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &note); err != nil {
		return gateway.WebhookEvent{}, fmt.Errorf("mercadopago: malformed webhook payload: %w", err)
	}

	ts, sig := parseSignatureHeader(signature)
	if ts == "" || sig == "" {
		return gateway.WebhookEvent{}, fmt.Errorf("mercadopago: missing webhook signature elements")
	}
	manifest := "id:" + note.Data.ID + ";ts:" + ts + ";"
	mac := hmac.New(sha256.New, []byte(a.creds.WebhookSecret))
	mac.Write([]byte(manifest))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return gateway.WebhookEvent{}, fmt.Errorf("mercadopago: webhook signature mismatch")
	}

	evt := gateway.WebhookEvent{
		ID:                   strconv.FormatInt(note.ID, 10),
		GatewayTransactionID: note.Data.ID,
		Verified:             true,
		Raw:                  payload,
		Amount:               decimal.Zero,
	}
	if note.Type != "payment" {
		evt.Type = gateway.EventUnknown
		return evt, nil
	}

	paymentID, err := strconv.Atoi(note.Data.ID)
	if err != nil {
		return gateway.WebhookEvent{}, fmt.Errorf("mercadopago: webhook carried non-numeric payment id %q", note.Data.ID)
	}
	info, err := a.payments.Get(ctx, paymentID)
	if err != nil {
		return gateway.WebhookEvent{}, fmt.Errorf("mercadopago: fetch payment %d: %w", paymentID, err)
	}

	evt.SessionRef = info.ExternalReference
	if info.TransactionAmount > 0 {
		evt.Amount = decimal.NewFromFloat(info.TransactionAmount)
	}
	switch mapPaymentStatus(info.Status) {
	case gateway.StatusSucceeded:
		evt.Type = gateway.EventPaymentSucceeded
	case gateway.StatusFailed, gateway.StatusCancelled:
		evt.Type = gateway.EventPaymentFailed
	case gateway.StatusRefunded:
		evt.Type = gateway.EventRefundSucceeded
	default:
		evt.Type = gateway.EventPaymentPending
	}
	return evt, nil
}

// parseSignatureHeader extracts ts and v1 from "ts=<t>,v1=<sig>".
func parseSignatureHeader(header string) (ts, sig string) {
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "ts":
			ts = kv[1]
		case "v1":
			sig = kv[1]
		}
	}
	return ts, sig
}
