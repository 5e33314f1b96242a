package gateway

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/shopspring/decimal"
)

// Type identifies a supported payment network. The set is closed: the
// factory refuses to construct adapters for anything else.
type Type string

const (
	TypeStripe      Type = "stripe"
	TypePayPal      Type = "paypal"
	TypeNMI         Type = "nmi"
	TypeSquare      Type = "square"
	TypeMercadoPago Type = "mercadopago"
)

// Types lists every supported gateway type.
func Types() []Type {
	return []Type{TypeStripe, TypePayPal, TypeNMI, TypeSquare, TypeMercadoPago}
}

// Environment tags a credential set as sandbox or production.
type Environment string

const (
	EnvSandbox    Environment = "sandbox"
	EnvProduction Environment = "production"
)

// Credentials is the network-specific secret bag resolved per request.
// Which fields a gateway reads is documented on its adapter. Credentials
// are never persisted in plaintext and never logged verbatim.
type Credentials struct {
	Environment     Environment       `json:"environment" yaml:"environment"`
	APIKey          string            `json:"apiKey,omitempty" yaml:"api_key"`
	SecretKey       string            `json:"secretKey,omitempty" yaml:"secret_key"`
	PublishableKey  string            `json:"publishableKey,omitempty" yaml:"publishable_key"`
	MerchantID      string            `json:"merchantId,omitempty" yaml:"merchant_id"`
	ClientID        string            `json:"clientId,omitempty" yaml:"client_id"`
	ClientSecret    string            `json:"clientSecret,omitempty" yaml:"client_secret"`
	Username        string            `json:"username,omitempty" yaml:"username"`
	Password        string            `json:"password,omitempty" yaml:"password"`
	TokenizationKey string            `json:"tokenizationKey,omitempty" yaml:"tokenization_key"`
	WebhookSecret   string            `json:"webhookSecret,omitempty" yaml:"webhook_secret"`
	Extra           map[string]string `json:"extra,omitempty" yaml:"extra"`
}

// primarySecret returns the credential the network authenticates with.
// Used only for cache fingerprinting, never exposed.
func (c Credentials) primarySecret() string {
	for _, s := range []string{c.SecretKey, c.ClientSecret, c.APIKey, c.Password} {
		if s != "" {
			return s
		}
	}
	return ""
}

// Fingerprint returns a non-reversible digest of the primary secret,
// suitable for cache keys and diagnostics.
func (c Credentials) Fingerprint() string {
	sum := sha256.Sum256([]byte(c.primarySecret()))
	return hex.EncodeToString(sum[:])
}

// Redacted returns a loggable view of the credentials with every secret
// replaced by its last four characters.
func (c Credentials) Redacted() map[string]string {
	out := map[string]string{"environment": string(c.Environment)}
	redact := func(k, v string) {
		if v == "" {
			return
		}
		if len(v) <= 4 {
			out[k] = "****"
			return
		}
		out[k] = "****" + v[len(v)-4:]
	}
	redact("apiKey", c.APIKey)
	redact("secretKey", c.SecretKey)
	redact("clientId", c.ClientID)
	redact("clientSecret", c.ClientSecret)
	redact("username", c.Username)
	redact("password", c.Password)
	redact("merchantId", c.MerchantID)
	return out
}

// Status is the closed payment status enumeration shared by results and
// sessions.
type Status string

const (
	StatusPending           Status = "pending"
	StatusProcessing        Status = "processing"
	StatusRequiresAction    Status = "requires_action"
	StatusSucceeded         Status = "succeeded"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
	StatusRefunded          Status = "refunded"
	StatusPartiallyRefunded Status = "partially_refunded"
)

// Terminal reports whether s is a terminal payment status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// MethodKind discriminates the payment method carried by a request.
type MethodKind string

const (
	MethodCard        MethodKind = "card"
	MethodBankAccount MethodKind = "bank_account"
	MethodPayPal      MethodKind = "paypal"
	MethodACH         MethodKind = "ach"
)

// CardDetails carries raw card fields. Only adapters declaring
// AcceptsRawCard may receive these; everyone else gets a token.
type CardDetails struct {
	Number      string `json:"number"`
	ExpiryMonth string `json:"expiryMonth"`
	ExpiryYear  string `json:"expiryYear"`
	CVV         string `json:"cvv"`
	HolderName  string `json:"holderName,omitempty"`
}

// BankAccountDetails carries ACH / bank debit fields.
type BankAccountDetails struct {
	RoutingNumber string `json:"routingNumber"`
	AccountNumber string `json:"accountNumber"`
	AccountType   string `json:"accountType,omitempty"`
	HolderName    string `json:"holderName,omitempty"`
}

// PaymentMethod is discriminated by Kind and carries either an opaque
// token or, for direct-post networks only, raw instrument fields.
type PaymentMethod struct {
	Kind        MethodKind          `json:"kind"`
	Token       string              `json:"token,omitempty"`
	Card        *CardDetails        `json:"card,omitempty"`
	BankAccount *BankAccountDetails `json:"bankAccount,omitempty"`
}

// Address is a billing or shipping address.
type Address struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

// PaymentRequest is the uniform charge request handed to adapters.
// Amount is in decimal major units; each adapter formats it for its wire.
type PaymentRequest struct {
	SessionID     string            `json:"sessionId"`
	TransactionID string            `json:"transactionId"` // caller-supplied idempotent correlation key
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency"`
	CustomerID    string            `json:"customerId,omitempty"`
	CustomerEmail string            `json:"customerEmail,omitempty"`
	Description   string            `json:"description,omitempty"`
	Billing       *Address          `json:"billing,omitempty"`
	Shipping      *Address          `json:"shipping,omitempty"`
	Method        PaymentMethod     `json:"paymentMethod"`
	ReturnURL     string            `json:"returnUrl,omitempty"`
	CancelURL     string            `json:"cancelUrl,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ActionKind classifies the follow-up a non-terminal result demands.
type ActionKind string

const (
	ActionRedirect ActionKind = "redirect"
	Action3DS      ActionKind = "3ds"
	ActionCapture  ActionKind = "capture"
)

// RequiredAction carries what the caller must do next: visit a redirect
// URL, complete a 3-D Secure challenge, or capture an approved charge.
type RequiredAction struct {
	Kind         ActionKind `json:"kind"`
	RedirectURL  string     `json:"redirectUrl,omitempty"`
	ClientSecret string     `json:"clientSecret,omitempty"`
}

// PaymentResult is the normalized outcome of any payment operation.
// Success=true implies Status=succeeded; every other outcome carries a
// message or error code. Raw holds the provider payload for audit only.
type PaymentResult struct {
	Success              bool            `json:"success"`
	TransactionID        string          `json:"transactionId,omitempty"`
	GatewayTransactionID string          `json:"gatewayTransactionId,omitempty"`
	Status               Status          `json:"status"`
	Message              string          `json:"message,omitempty"`
	ErrorCode            string          `json:"errorCode,omitempty"`
	ClientSecret         string          `json:"clientSecret,omitempty"`
	RequiresAction       *RequiredAction `json:"requiresAction,omitempty"`
	Raw                  []byte          `json:"-"`
}

// RefundStatus is the narrower status set refund results use.
type RefundStatus string

const (
	RefundPending    RefundStatus = "pending"
	RefundProcessing RefundStatus = "processing"
	RefundSucceeded  RefundStatus = "succeeded"
	RefundFailed     RefundStatus = "failed"
)

// RefundRequest asks a gateway to return funds for a prior transaction.
// GatewayTransactionID is mandatory for every network.
type RefundRequest struct {
	TransactionID        string          `json:"transactionId"`
	GatewayTransactionID string          `json:"gatewayTransactionId"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	Reason               string          `json:"reason,omitempty"`
}

// RefundResult mirrors PaymentResult for refunds.
type RefundResult struct {
	Success              bool         `json:"success"`
	GatewayRefundID      string       `json:"gatewayRefundId,omitempty"`
	GatewayTransactionID string       `json:"gatewayTransactionId,omitempty"`
	Status               RefundStatus `json:"status"`
	Message              string       `json:"message,omitempty"`
	ErrorCode            string       `json:"errorCode,omitempty"`
	Raw                  []byte       `json:"-"`
}

// WebhookEvent is the normalized form of a gateway notification.
type WebhookEvent struct {
	ID                   string          `json:"id"`
	Type                 string          `json:"type"` // payment.succeeded | payment.failed | refund.succeeded | ...
	GatewayTransactionID string          `json:"gatewayTransactionId,omitempty"`
	SessionRef           string          `json:"sessionRef,omitempty"` // external reference the gateway echoes back
	Amount               decimal.Decimal `json:"amount,omitempty"`
	Currency             string          `json:"currency,omitempty"`
	Verified             bool            `json:"verified"`
	Raw                  []byte          `json:"-"`
}

// Normalized webhook event types.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
	EventPaymentPending   = "payment.pending"
	EventRefundSucceeded  = "refund.succeeded"
	EventRefundFailed     = "refund.failed"
	EventUnknown          = "unknown"
)
