// Package gateway defines the capability contract every payment network
// adapter implements, the shared data model adapters normalize into, and
// the cached factory that constructs them.
//
// Adapters own all provider-specific wire handling: serialization,
// authentication, idempotency and error mapping. Transport-level failures
// never escape an adapter as errors; they come back as failed results so
// the orchestrator can distinguish "the request was invalid" from "the
// payment did not go through".
package gateway

import "context"

// Capabilities is the static, per-adapter-type declaration of what a
// network supports. Callers must consult it before invoking an optional
// interface; invoking an undeclared capability fails before any network
// call.
type Capabilities struct {
	Tokenization        bool     `json:"tokenization"`
	Recurring           bool     `json:"recurring"`
	Refunds             bool     `json:"refunds"`
	PartialRefunds      bool     `json:"partialRefunds"`
	Void                bool     `json:"void"`
	ThreeDSecure        bool     `json:"threeDSecure"`
	ACH                 bool     `json:"ach"`
	AcceptsRawCard      bool     `json:"acceptsRawCard"` // server-side direct post only
	RequiresCardPresent bool     `json:"requiresCardPresent"`
	Intents             bool     `json:"intents"`
	Orders              bool     `json:"orders"`
	Webhooks            bool     `json:"webhooks"`
	Currencies          []string `json:"currencies,omitempty"` // empty means unrestricted
	CardBrands          []string `json:"cardBrands,omitempty"`
}

// SupportsCurrency reports whether the given ISO code is accepted.
func (c Capabilities) SupportsCurrency(code string) bool {
	if len(c.Currencies) == 0 {
		return true
	}
	for _, ccy := range c.Currencies {
		if ccy == code {
			return true
		}
	}
	return false
}

// Adapter is the mandatory contract every gateway implements.
type Adapter interface {
	// Name returns the gateway type, e.g. "stripe".
	Name() Type

	// Environment returns the credential environment this instance is
	// bound to. Instances never switch environments in place.
	Environment() Environment

	// Capabilities returns the static capability declaration.
	Capabilities() Capabilities

	// ValidateCredentials performs a lightweight network probe used for
	// onboarding checks only, never on the payment hot path.
	ValidateCredentials(ctx context.Context) error

	// ProcessPayment executes a charge and normalizes the outcome.
	ProcessPayment(ctx context.Context, req PaymentRequest) (PaymentResult, error)

	// ProcessRefund returns funds against a prior gateway transaction.
	ProcessRefund(ctx context.Context, req RefundRequest) (RefundResult, error)

	// ClientConfig returns only the public-safe credential subset a
	// browser-side widget needs. Secret keys are never included.
	ClientConfig() map[string]string
}

// IntentGateway is implemented by networks with a server-side intent /
// out-of-process confirmation flow. The client secret is machine-opaque
// and must be round-tripped to the browser verbatim.
type IntentGateway interface {
	CreatePaymentIntent(ctx context.Context, req PaymentRequest) (PaymentResult, error)
	ConfirmPaymentIntent(ctx context.Context, intentID string) (PaymentResult, error)
}

// OrderGateway is implemented by redirect/approval networks. The approval
// URL returned by CreateOrder must not be rewritten. A created-but-
// uncaptured order is never success.
type OrderGateway interface {
	CreateOrder(ctx context.Context, req PaymentRequest) (PaymentResult, error)
	CaptureOrder(ctx context.Context, orderID string) (PaymentResult, error)
}

// Voider cancels an authorized-but-not-captured transaction. Void takes
// only the gateway transaction id, no amount.
type Voider interface {
	VoidTransaction(ctx context.Context, gatewayTransactionID string) (PaymentResult, error)
}

// WebhookGateway parses and, where the network supports it, verifies an
// inbound notification. Unverifiable payloads are rejected on networks
// that sign them.
type WebhookGateway interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookEvent, error)
}

// Tokenizer exchanges raw card data for an opaque reusable reference.
type Tokenizer interface {
	TokenizePaymentMethod(ctx context.Context, card CardDetails) (string, error)
}

// CustomerGateway creates a gateway-side customer record for recurring use.
type CustomerGateway interface {
	CreateCustomer(ctx context.Context, email, description string) (string, error)
}
