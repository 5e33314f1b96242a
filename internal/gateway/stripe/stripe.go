// Package stripe implements the intent-confirmation gateway flow.
// Requests are form-url-encoded, responses are JSON, and every mutating
// call carries an Idempotency-Key derived from the caller's correlation id.
package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/yourorg/checkout-payments/internal/gateway"
)

const (
	defaultBaseURL       = "https://api.stripe.com/v1"
	defaultRetryAttempts = 2
	defaultRetryDelay    = 500 * time.Millisecond

	// webhookTolerance bounds how stale a signed webhook timestamp may be.
	webhookTolerance = 5 * time.Minute
)

// Adapter implements gateway.Adapter plus the intent, void, webhook and
// customer capabilities. Credentials used: SecretKey (Bearer auth),
// PublishableKey (client config), WebhookSecret (signature verification).
type Adapter struct {
	creds      gateway.Credentials
	httpClient *http.Client
	baseURL    string
}

// New creates a Stripe adapter bound to one credential set.
func New(creds gateway.Credentials, client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{creds: creds, httpClient: client, baseURL: defaultBaseURL}
}

func (a *Adapter) Name() gateway.Type               { return gateway.TypeStripe }
func (a *Adapter) Environment() gateway.Environment { return a.creds.Environment }

func (a *Adapter) Capabilities() gateway.Capabilities {
	return gateway.Capabilities{
		Tokenization:   true,
		Recurring:      true,
		Refunds:        true,
		PartialRefunds: true,
		Void:           true,
		ThreeDSecure:   true,
		ACH:            true,
		Intents:        true,
		Webhooks:       true,
		CardBrands:     []string{"visa", "mastercard", "amex", "discover", "jcb"},
	}
}

// ClientConfig exposes the publishable key only.
func (a *Adapter) ClientConfig() map[string]string {
	return map[string]string{
		"publishableKey": a.creds.PublishableKey,
		"environment":    string(a.creds.Environment),
	}
}

// paymentIntent is the subset of the PaymentIntent object this core reads.
type paymentIntent struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

type errorResponse struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		Message     string `json:"message"`
		DeclineCode string `json:"decline_code"`
	} `json:"error"`
}

// mapIntentStatus is the total mapping from the network's intent states to
// the core status vocabulary. Unknown states map to failed so a new remote
// state can never masquerade as success.
func mapIntentStatus(s string) gateway.Status {
	switch s {
	case "succeeded":
		return gateway.StatusSucceeded
	case "processing":
		return gateway.StatusProcessing
	case "requires_action", "requires_confirmation":
		return gateway.StatusRequiresAction
	case "requires_capture":
		return gateway.StatusRequiresAction
	case "requires_payment_method":
		return gateway.StatusPending
	case "canceled":
		return gateway.StatusCancelled
	default:
		return gateway.StatusFailed
	}
}

// do posts a form-encoded request with Bearer auth and retries 429/5xx
// responses a bounded number of times.
func (a *Adapter) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string) (int, []byte, error) {
	var body io.Reader
	encoded := ""
	if form != nil {
		encoded = form.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= defaultRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(defaultRetryDelay):
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			}
		}

		if encoded != "" {
			body = strings.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
		if err != nil {
			return 0, nil, fmt.Errorf("stripe: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+a.creds.SecretKey)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}

		resp, err := a.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			lastErr = fmt.Errorf("stripe: HTTP %d: %s", resp.StatusCode, respBody)
			if attempt < defaultRetryAttempts {
				continue
			}
			return resp.StatusCode, respBody, nil
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, fmt.Errorf("stripe: request failed after retries: %w", lastErr)
}

// failedResult converts a transport-level failure into a result; raw error
// text is preserved for audit only, the caller-facing message stays generic.
func failedResult(txnID string, err error) gateway.PaymentResult {
	return gateway.PaymentResult{
		TransactionID: txnID,
		Status:        gateway.StatusFailed,
		Message:       "payment could not be processed",
		ErrorCode:     "network_error",
		Raw:           []byte(err.Error()),
	}
}

func intentResult(txnID string, status int, body []byte) gateway.PaymentResult {
	if status >= 200 && status < 300 {
		var pi paymentIntent
		if err := json.Unmarshal(body, &pi); err != nil {
			return gateway.PaymentResult{
				TransactionID: txnID,
				Status:        gateway.StatusFailed,
				Message:       "payment could not be processed",
				ErrorCode:     "malformed_response",
				Raw:           body,
			}
		}
		res := gateway.PaymentResult{
			TransactionID:        txnID,
			GatewayTransactionID: pi.ID,
			Status:               mapIntentStatus(pi.Status),
			ClientSecret:         pi.ClientSecret,
			Raw:                  body,
		}
		switch res.Status {
		case gateway.StatusSucceeded:
			res.Success = true
		case gateway.StatusRequiresAction:
			kind := gateway.Action3DS
			if pi.Status == "requires_capture" {
				kind = gateway.ActionCapture
			}
			res.RequiresAction = &gateway.RequiredAction{Kind: kind, ClientSecret: pi.ClientSecret}
			res.Message = "additional customer action required"
		default:
			res.Message = "payment intent is " + pi.Status
		}
		return res
	}

	var er errorResponse
	res := gateway.PaymentResult{TransactionID: txnID, Status: gateway.StatusFailed, Raw: body}
	if err := json.Unmarshal(body, &er); err == nil && er.Error.Message != "" {
		res.Message = er.Error.Message
		res.ErrorCode = er.Error.Code
		if er.Error.DeclineCode != "" {
			res.ErrorCode = er.Error.DeclineCode
		}
	} else {
		res.Message = "payment could not be processed"
		res.ErrorCode = fmt.Sprintf("http_%d", status)
	}
	return res
}

// ProcessPayment creates and confirms a payment intent in one call. Only
// tokenized methods are accepted; this network never sees raw card data.
func (a *Adapter) ProcessPayment(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentResult, error) {
	if req.Method.Card != nil && req.Method.Token == "" {
		return gateway.PaymentResult{}, gateway.NewUnsupportedOperation(gateway.TypeStripe, "raw card processing")
	}
	if req.Method.Token == "" {
		return gateway.PaymentResult{}, fmt.Errorf("stripe: payment method token is required")
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(gateway.FormatAmount(req.Amount, req.Currency), 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("payment_method", req.Method.Token)
	form.Set("confirm", "true")
	form.Set("metadata[session_id]", req.SessionID)
	if req.Description != "" {
		form.Set("description", req.Description)
	}
	if req.CustomerEmail != "" {
		form.Set("receipt_email", req.CustomerEmail)
	}
	if req.ReturnURL != "" {
		form.Set("return_url", req.ReturnURL)
	}

	status, body, err := a.do(ctx, http.MethodPost, "/payment_intents", form, req.TransactionID)
	if err != nil {
		return failedResult(req.TransactionID, err), nil
	}
	res := intentResult(req.TransactionID, status, body)
	// A confirmed intent that fell back to requires_payment_method means
	// the method was rejected, not that the intent is still being set up.
	if res.Status == gateway.StatusPending {
		res.Status = gateway.StatusFailed
		res.Success = false
		if res.ErrorCode == "" {
			res.ErrorCode = "payment_method_rejected"
		}
		res.Message = "payment method was rejected"
	}
	return res, nil
}

// CreatePaymentIntent creates an unconfirmed intent and returns its client
// secret for out-of-process confirmation by the browser.
func (a *Adapter) CreatePaymentIntent(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentResult, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(gateway.FormatAmount(req.Amount, req.Currency), 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("metadata[session_id]", req.SessionID)
	if req.Description != "" {
		form.Set("description", req.Description)
	}

	status, body, err := a.do(ctx, http.MethodPost, "/payment_intents", form, req.TransactionID)
	if err != nil {
		return failedResult(req.TransactionID, err), nil
	}
	res := intentResult(req.TransactionID, status, body)
	if res.Status == gateway.StatusPending {
		res.Message = "payment intent created"
	}
	return res, nil
}

// ConfirmPaymentIntent re-fetches the intent and maps its current state.
func (a *Adapter) ConfirmPaymentIntent(ctx context.Context, intentID string) (gateway.PaymentResult, error) {
	if intentID == "" {
		return gateway.PaymentResult{}, fmt.Errorf("stripe: intent id is required")
	}
	status, body, err := a.do(ctx, http.MethodGet, "/payment_intents/"+url.PathEscape(intentID), nil, "")
	if err != nil {
		return failedResult("", err), nil
	}
	return intentResult("", status, body), nil
}

// ProcessRefund refunds an intent or charge. Amount zero means full refund.
func (a *Adapter) ProcessRefund(ctx context.Context, req gateway.RefundRequest) (gateway.RefundResult, error) {
	if req.GatewayTransactionID == "" {
		return gateway.RefundResult{}, fmt.Errorf("stripe: gateway transaction id is required for refunds")
	}

	form := url.Values{}
	if strings.HasPrefix(req.GatewayTransactionID, "pi_") {
		form.Set("payment_intent", req.GatewayTransactionID)
	} else {
		form.Set("charge", req.GatewayTransactionID)
	}
	if !req.Amount.IsZero() {
		form.Set("amount", strconv.FormatInt(gateway.FormatAmount(req.Amount, req.Currency), 10))
	}
	if req.Reason != "" {
		form.Set("metadata[reason]", req.Reason)
	}

	status, body, err := a.do(ctx, http.MethodPost, "/refunds", form, req.TransactionID)
	if err != nil {
		return gateway.RefundResult{
			GatewayTransactionID: req.GatewayTransactionID,
			Status:               gateway.RefundFailed,
			Message:              "refund could not be processed",
			ErrorCode:            "network_error",
			Raw:                  []byte(err.Error()),
		}, nil
	}

	res := gateway.RefundResult{GatewayTransactionID: req.GatewayTransactionID, Raw: body}
	if status >= 200 && status < 300 {
		var refund struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		if jsonErr := json.Unmarshal(body, &refund); jsonErr != nil {
			res.Status = gateway.RefundFailed
			res.Message = "refund could not be processed"
			res.ErrorCode = "malformed_response"
			return res, nil
		}
		res.GatewayRefundID = refund.ID
		switch refund.Status {
		case "succeeded":
			res.Success = true
			res.Status = gateway.RefundSucceeded
		case "pending":
			res.Status = gateway.RefundPending
			res.Message = "refund is pending"
		default:
			res.Status = gateway.RefundFailed
			res.Message = "refund is " + refund.Status
		}
		return res, nil
	}

	var er errorResponse
	res.Status = gateway.RefundFailed
	if jsonErr := json.Unmarshal(body, &er); jsonErr == nil && er.Error.Message != "" {
		res.Message = er.Error.Message
		res.ErrorCode = er.Error.Code
	} else {
		res.Message = "refund could not be processed"
		res.ErrorCode = fmt.Sprintf("http_%d", status)
	}
	return res, nil
}

// VoidTransaction cancels an uncaptured payment intent.
func (a *Adapter) VoidTransaction(ctx context.Context, gatewayTransactionID string) (gateway.PaymentResult, error) {
	if gatewayTransactionID == "" {
		return gateway.PaymentResult{}, fmt.Errorf("stripe: gateway transaction id is required for void")
	}
	status, body, err := a.do(ctx, http.MethodPost, "/payment_intents/"+url.PathEscape(gatewayTransactionID)+"/cancel", url.Values{}, "")
	if err != nil {
		return failedResult("", err), nil
	}
	res := intentResult("", status, body)
	if res.Status == gateway.StatusCancelled && res.Message == "" {
		res.Message = "payment intent cancelled"
	}
	return res, nil
}

// CreateCustomer creates a gateway-side customer for recurring billing.
func (a *Adapter) CreateCustomer(ctx context.Context, email, description string) (string, error) {
	form := url.Values{}
	form.Set("email", email)
	if description != "" {
		form.Set("description", description)
	}
	status, body, err := a.do(ctx, http.MethodPost, "/customers", form, "")
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("stripe: create customer failed with HTTP %d", status)
	}
	var cust struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &cust); err != nil || cust.ID == "" {
		return "", fmt.Errorf("stripe: malformed create customer response")
	}
	return cust.ID, nil
}

// ValidateCredentials probes the account endpoint. Onboarding checks only.
func (a *Adapter) ValidateCredentials(ctx context.Context) error {
	status, body, err := a.do(ctx, http.MethodGet, "/account", nil, "")
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		var er errorResponse
		if jsonErr := json.Unmarshal(body, &er); jsonErr == nil && er.Error.Message != "" {
			return fmt.Errorf("stripe: credential validation failed: %s", er.Error.Message)
		}
		return fmt.Errorf("stripe: credential validation failed with HTTP %d", status)
	}
	return nil
}

// HandleWebhook verifies the signature header (t=...,v1=... scheme, HMAC
// SHA-256 over "<t>.<payload>") and normalizes the event. Unverifiable
// payloads are rejected.
func (a *Adapter) HandleWebhook(ctx context.Context, payload []byte, signature string) (gateway.WebhookEvent, error) {
	if a.creds.WebhookSecret == "" {
		return gateway.WebhookEvent{}, fmt.Errorf("stripe: webhook secret not configured")
	}
	ts, sig, err := parseSignatureHeader(signature)
	if err != nil {
		return gateway.WebhookEvent{}, err
	}
	if skew := time.Since(time.Unix(ts, 0)); skew > webhookTolerance || skew < -webhookTolerance {
		return gateway.WebhookEvent{}, fmt.Errorf("stripe: webhook timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, []byte(a.creds.WebhookSecret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return gateway.WebhookEvent{}, fmt.Errorf("stripe: webhook signature mismatch")
	}

	var event struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID       string            `json:"id"`
				Amount   int64             `json:"amount"`
				Currency string            `json:"currency"`
				Metadata map[string]string `json:"metadata"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return gateway.WebhookEvent{}, fmt.Errorf("stripe: malformed webhook payload: %w", err)
	}

	evt := gateway.WebhookEvent{
		ID:                   event.ID,
		GatewayTransactionID: event.Data.Object.ID,
		SessionRef:           event.Data.Object.Metadata["session_id"],
		Currency:             strings.ToUpper(event.Data.Object.Currency),
		Verified:             true,
		Raw:                  payload,
	}
	if event.Data.Object.Amount > 0 && evt.Currency != "" {
		evt.Amount = gateway.ParseAmount(event.Data.Object.Amount, evt.Currency)
	}
	switch event.Type {
	case "payment_intent.succeeded":
		evt.Type = gateway.EventPaymentSucceeded
	case "payment_intent.payment_failed":
		evt.Type = gateway.EventPaymentFailed
	case "payment_intent.processing":
		evt.Type = gateway.EventPaymentPending
	case "charge.refunded", "refund.created":
		evt.Type = gateway.EventRefundSucceeded
	case "refund.failed":
		evt.Type = gateway.EventRefundFailed
	default:
		evt.Type = gateway.EventUnknown
	}
	return evt, nil
}

// parseSignatureHeader splits "t=<unix>,v1=<hex>" defensively.
func parseSignatureHeader(header string) (int64, string, error) {
	var ts int64
	var sig string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			parsed, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("stripe: bad webhook timestamp")
			}
			ts = parsed
		case "v1":
			sig = kv[1]
		}
	}
	if ts == 0 || sig == "" {
		return 0, "", fmt.Errorf("stripe: missing webhook signature elements")
	}
	return ts, sig, nil
}
