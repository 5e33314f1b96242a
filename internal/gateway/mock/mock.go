// Package mock provides a configurable in-memory gateway adapter for
// orchestrator and API tests. Behavior is overridden per test through
// function fields; unset fields return benign defaults.
package mock

import (
	"context"

	"github.com/google/uuid"

	"github.com/yourorg/checkout-payments/internal/gateway"
)

// Adapter implements gateway.Adapter plus every optional interface.
type Adapter struct {
	TypeName gateway.Type
	Env      gateway.Environment
	Caps     gateway.Capabilities

	ProcessPaymentFunc func(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentResult, error)
	ProcessRefundFunc  func(ctx context.Context, req gateway.RefundRequest) (gateway.RefundResult, error)
	CreateIntentFunc   func(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentResult, error)
	ConfirmIntentFunc  func(ctx context.Context, intentID string) (gateway.PaymentResult, error)
	CreateOrderFunc    func(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentResult, error)
	CaptureOrderFunc   func(ctx context.Context, orderID string) (gateway.PaymentResult, error)
	HandleWebhookFunc  func(ctx context.Context, payload []byte, signature string) (gateway.WebhookEvent, error)
	ValidateFunc       func(ctx context.Context) error
	ClientConfigFunc   func() map[string]string

	// Calls counts invocations per operation name.
	Calls map[string]int
}

// New creates a mock with every capability enabled.
func New(t gateway.Type) *Adapter {
	return &Adapter{
		TypeName: t,
		Env:      gateway.EnvSandbox,
		Caps: gateway.Capabilities{
			Tokenization:   true,
			Refunds:        true,
			PartialRefunds: true,
			Void:           true,
			Intents:        true,
			Orders:         true,
			Webhooks:       true,
		},
		Calls: make(map[string]int),
	}
}

func (m *Adapter) count(op string) {
	if m.Calls != nil {
		m.Calls[op]++
	}
}

func (m *Adapter) Name() gateway.Type                 { return m.TypeName }
func (m *Adapter) Environment() gateway.Environment   { return m.Env }
func (m *Adapter) Capabilities() gateway.Capabilities { return m.Caps }

func (m *Adapter) ValidateCredentials(ctx context.Context) error {
	m.count("validate_credentials")
	if m.ValidateFunc != nil {
		return m.ValidateFunc(ctx)
	}
	return nil
}

func (m *Adapter) ProcessPayment(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentResult, error) {
	m.count("process_payment")
	if m.ProcessPaymentFunc != nil {
		return m.ProcessPaymentFunc(ctx, req)
	}
	return succeeded(req.TransactionID), nil
}

func (m *Adapter) ProcessRefund(ctx context.Context, req gateway.RefundRequest) (gateway.RefundResult, error) {
	m.count("process_refund")
	if m.ProcessRefundFunc != nil {
		return m.ProcessRefundFunc(ctx, req)
	}
	return gateway.RefundResult{
		Success:              true,
		GatewayRefundID:      "re_" + uuid.NewString(),
		GatewayTransactionID: req.GatewayTransactionID,
		Status:               gateway.RefundSucceeded,
	}, nil
}

func (m *Adapter) CreatePaymentIntent(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentResult, error) {
	m.count("create_intent")
	if m.CreateIntentFunc != nil {
		return m.CreateIntentFunc(ctx, req)
	}
	return gateway.PaymentResult{
		TransactionID:        req.TransactionID,
		GatewayTransactionID: "in_" + uuid.NewString(),
		Status:               gateway.StatusPending,
		ClientSecret:         "cs_" + uuid.NewString(),
	}, nil
}

func (m *Adapter) ConfirmPaymentIntent(ctx context.Context, intentID string) (gateway.PaymentResult, error) {
	m.count("confirm_intent")
	if m.ConfirmIntentFunc != nil {
		return m.ConfirmIntentFunc(ctx, intentID)
	}
	r := succeeded("")
	r.GatewayTransactionID = intentID
	return r, nil
}

func (m *Adapter) CreateOrder(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentResult, error) {
	m.count("create_order")
	if m.CreateOrderFunc != nil {
		return m.CreateOrderFunc(ctx, req)
	}
	return gateway.PaymentResult{
		TransactionID:        req.TransactionID,
		GatewayTransactionID: "ord_" + uuid.NewString(),
		Status:               gateway.StatusRequiresAction,
		RequiresAction: &gateway.RequiredAction{
			Kind:        gateway.ActionRedirect,
			RedirectURL: "https://approval.example/" + req.SessionID,
		},
	}, nil
}

func (m *Adapter) CaptureOrder(ctx context.Context, orderID string) (gateway.PaymentResult, error) {
	m.count("capture_order")
	if m.CaptureOrderFunc != nil {
		return m.CaptureOrderFunc(ctx, orderID)
	}
	r := succeeded("")
	r.GatewayTransactionID = orderID
	return r, nil
}

func (m *Adapter) HandleWebhook(ctx context.Context, payload []byte, signature string) (gateway.WebhookEvent, error) {
	m.count("webhook")
	if m.HandleWebhookFunc != nil {
		return m.HandleWebhookFunc(ctx, payload, signature)
	}
	return gateway.WebhookEvent{ID: uuid.NewString(), Type: gateway.EventUnknown, Raw: payload}, nil
}

func (m *Adapter) ClientConfig() map[string]string {
	m.count("client_config")
	if m.ClientConfigFunc != nil {
		return m.ClientConfigFunc()
	}
	return map[string]string{"gateway": string(m.TypeName), "environment": string(m.Env)}
}

func succeeded(txnID string) gateway.PaymentResult {
	if txnID == "" {
		txnID = uuid.NewString()
	}
	return gateway.PaymentResult{
		Success:              true,
		TransactionID:        txnID,
		GatewayTransactionID: "gw_" + uuid.NewString(),
		Status:               gateway.StatusSucceeded,
	}
}
