// Package square implements the hybrid tokenized/direct gateway flow:
// the same settlement rails as a direct-post network, but driven by an
// opaque token from the client-side tokenization widget and structured
// JSON request/response instead of form encoding.
package square

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/yourorg/checkout-payments/internal/gateway"
)

const (
	sandboxBaseURL    = "https://connect.squareupsandbox.com"
	productionBaseURL = "https://connect.squareup.com"
	apiVersion        = "2024-01-18"
)

// Adapter implements gateway.Adapter plus void and webhook capabilities.
// Credentials used: SecretKey as the access token, MerchantID as the
// location id, PublishableKey as the application id for the web widget,
// WebhookSecret as the signature key; Extra["notificationUrl"] is the
// registered webhook URL the signature covers.
type Adapter struct {
	creds      gateway.Credentials
	httpClient *http.Client
	baseURL    string
}

// New creates a Square adapter bound to one credential set.
func New(creds gateway.Credentials, client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	base := productionBaseURL
	if creds.Environment != gateway.EnvProduction {
		base = sandboxBaseURL
	}
	return &Adapter{creds: creds, httpClient: client, baseURL: base}
}

func (a *Adapter) Name() gateway.Type               { return gateway.TypeSquare }
func (a *Adapter) Environment() gateway.Environment { return a.creds.Environment }

func (a *Adapter) Capabilities() gateway.Capabilities {
	return gateway.Capabilities{
		Tokenization:   true,
		Recurring:      true,
		Refunds:        true,
		PartialRefunds: true,
		Void:           true,
		ACH:            true,
		Webhooks:       true,
		CardBrands:     []string{"visa", "mastercard", "amex", "discover"},
	}
}

// ClientConfig exposes what the web payments widget needs.
func (a *Adapter) ClientConfig() map[string]string {
	return map[string]string{
		"applicationId": a.creds.PublishableKey,
		"locationId":    a.creds.MerchantID,
		"environment":   string(a.creds.Environment),
	}
}

type moneyJSON struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type paymentJSON struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type errorsJSON struct {
	Errors []struct {
		Category string `json:"category"`
		Code     string `json:"code"`
		Detail   string `json:"detail"`
	} `json:"errors"`
}

func (a *Adapter) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return 0, nil, fmt.Errorf("square: encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, &body)
	if err != nil {
		return 0, nil, fmt.Errorf("square: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.creds.SecretKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Square-Version", apiVersion)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, buf.Bytes(), nil
}

// mapPaymentStatus is the total mapping from the network's payment states.
func mapPaymentStatus(s string) gateway.Status {
	switch s {
	case "COMPLETED":
		return gateway.StatusSucceeded
	case "APPROVED":
		return gateway.StatusRequiresAction
	case "PENDING":
		return gateway.StatusProcessing
	case "CANCELED":
		return gateway.StatusCancelled
	default:
		return gateway.StatusFailed
	}
}

func firstError(body []byte) (code, detail string) {
	var ej errorsJSON
	if err := json.Unmarshal(body, &ej); err == nil && len(ej.Errors) > 0 {
		return ej.Errors[0].Code, ej.Errors[0].Detail
	}
	return "", ""
}

func networkFailure(txnID string, err error) gateway.PaymentResult {
	return gateway.PaymentResult{
		TransactionID: txnID,
		Status:        gateway.StatusFailed,
		Message:       "payment could not be processed",
		ErrorCode:     "network_error",
		Raw:           []byte(err.Error()),
	}
}

// ProcessPayment charges an opaque source token. The caller's correlation
// id doubles as the idempotency key.
func (a *Adapter) ProcessPayment(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentResult, error) {
	if req.Method.Card != nil && req.Method.Token == "" {
		return gateway.PaymentResult{}, gateway.NewUnsupportedOperation(gateway.TypeSquare, "raw card processing")
	}
	if req.Method.Token == "" {
		return gateway.PaymentResult{}, fmt.Errorf("square: payment source token is required")
	}

	payload := map[string]any{
		"source_id":       req.Method.Token,
		"idempotency_key": req.TransactionID,
		"amount_money": moneyJSON{
			Amount:   gateway.FormatAmount(req.Amount, req.Currency),
			Currency: req.Currency,
		},
		"reference_id": req.SessionID,
		"autocomplete": true,
	}
	if a.creds.MerchantID != "" {
		payload["location_id"] = a.creds.MerchantID
	}
	if req.Description != "" {
		payload["note"] = req.Description
	}
	if req.CustomerEmail != "" {
		payload["buyer_email_address"] = req.CustomerEmail
	}

	status, body, err := a.do(ctx, http.MethodPost, "/v2/payments", payload)
	if err != nil {
		return networkFailure(req.TransactionID, err), nil
	}

	if status < 200 || status >= 300 {
		res := gateway.PaymentResult{TransactionID: req.TransactionID, Status: gateway.StatusFailed, Raw: body}
		code, detail := firstError(body)
		if code != "" {
			res.ErrorCode = code
			res.Message = detail
		} else {
			res.ErrorCode = fmt.Sprintf("http_%d", status)
			res.Message = "payment could not be processed"
		}
		return res, nil
	}

	var envelope struct {
		Payment paymentJSON `json:"payment"`
	}
	if jsonErr := json.Unmarshal(body, &envelope); jsonErr != nil {
		res := networkFailure(req.TransactionID, fmt.Errorf("malformed payment response"))
		res.ErrorCode = "malformed_response"
		res.Raw = body
		return res, nil
	}

	res := gateway.PaymentResult{
		TransactionID:        req.TransactionID,
		GatewayTransactionID: envelope.Payment.ID,
		Status:               mapPaymentStatus(envelope.Payment.Status),
		Raw:                  body,
	}
	switch res.Status {
	case gateway.StatusSucceeded:
		res.Success = true
	case gateway.StatusRequiresAction:
		res.RequiresAction = &gateway.RequiredAction{Kind: gateway.ActionCapture}
		res.Message = "payment approved, capture pending"
	default:
		res.Message = "payment is " + envelope.Payment.Status
	}
	return res, nil
}

// ProcessRefund refunds a payment by id.
func (a *Adapter) ProcessRefund(ctx context.Context, req gateway.RefundRequest) (gateway.RefundResult, error) {
	if req.GatewayTransactionID == "" {
		return gateway.RefundResult{}, fmt.Errorf("square: gateway transaction id is required for refunds")
	}

	payload := map[string]any{
		"idempotency_key": req.TransactionID,
		"payment_id":      req.GatewayTransactionID,
		"amount_money": moneyJSON{
			Amount:   gateway.FormatAmount(req.Amount, req.Currency),
			Currency: req.Currency,
		},
	}
	if req.Reason != "" {
		payload["reason"] = req.Reason
	}

	status, body, err := a.do(ctx, http.MethodPost, "/v2/refunds", payload)
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
		var envelope struct {
			Refund struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"refund"`
		}
		if jsonErr := json.Unmarshal(body, &envelope); jsonErr != nil {
			res.Status = gateway.RefundFailed
			res.ErrorCode = "malformed_response"
			res.Message = "refund could not be processed"
			return res, nil
		}
		res.GatewayRefundID = envelope.Refund.ID
		switch envelope.Refund.Status {
		case "COMPLETED":
			res.Success = true
			res.Status = gateway.RefundSucceeded
		case "PENDING":
			res.Status = gateway.RefundPending
			res.Message = "refund is pending"
		default:
			res.Status = gateway.RefundFailed
			res.Message = "refund is " + envelope.Refund.Status
		}
		return res, nil
	}

	res.Status = gateway.RefundFailed
	code, detail := firstError(body)
	if code != "" {
		res.ErrorCode = code
		res.Message = detail
	} else {
		res.ErrorCode = fmt.Sprintf("http_%d", status)
		res.Message = "refund could not be processed"
	}
	return res, nil
}

// VoidTransaction cancels an approved-but-uncompleted payment.
func (a *Adapter) VoidTransaction(ctx context.Context, gatewayTransactionID string) (gateway.PaymentResult, error) {
	if gatewayTransactionID == "" {
		return gateway.PaymentResult{}, fmt.Errorf("square: gateway transaction id is required for void")
	}
	status, body, err := a.do(ctx, http.MethodPost, "/v2/payments/"+url.PathEscape(gatewayTransactionID)+"/cancel", struct{}{})
	if err != nil {
		return networkFailure("", err), nil
	}
	if status >= 200 && status < 300 {
		return gateway.PaymentResult{
			GatewayTransactionID: gatewayTransactionID,
			Status:               gateway.StatusCancelled,
			Message:              "payment cancelled",
			Raw:                  body,
		}, nil
	}
	res := gateway.PaymentResult{Status: gateway.StatusFailed, Raw: body}
	code, detail := firstError(body)
	res.ErrorCode = code
	res.Message = detail
	if res.ErrorCode == "" {
		res.ErrorCode = fmt.Sprintf("http_%d", status)
		res.Message = "void could not be processed"
	}
	return res, nil
}

// ValidateCredentials lists locations, which requires a valid access
// token. Onboarding checks only.
func (a *Adapter) ValidateCredentials(ctx context.Context) error {
	status, body, err := a.do(ctx, http.MethodGet, "/v2/locations", nil)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		if _, detail := firstError(body); detail != "" {
			return fmt.Errorf("square: credential validation failed: %s", detail)
		}
		return fmt.Errorf("square: credential validation failed with HTTP %d", status)
	}
	return nil
}

// HandleWebhook verifies the base64 HMAC-SHA256 signature computed over
// the notification URL concatenated with the body, then normalizes the
// event. Unverifiable payloads are rejected.
func (a *Adapter) HandleWebhook(ctx context.Context, payload []byte, signature string) (gateway.WebhookEvent, error) {
	if a.creds.WebhookSecret == "" {
		return gateway.WebhookEvent{}, fmt.Errorf("square: webhook signature key not configured")
	}
	mac := hmac.New(sha256.New, []byte(a.creds.WebhookSecret))
	mac.Write([]byte(a.creds.Extra["notificationUrl"]))
	mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return gateway.WebhookEvent{}, fmt.Errorf("square: webhook signature mismatch")
	}

	var event struct {
		EventID string `json:"event_id"`
		Type    string `json:"type"`
		Data    struct {
			Object struct {
				Payment struct {
					ID          string    `json:"id"`
					Status      string    `json:"status"`
					ReferenceID string    `json:"reference_id"`
					AmountMoney moneyJSON `json:"amount_money"`
				} `json:"payment"`
				Refund struct {
					ID        string `json:"id"`
					Status    string `json:"status"`
					PaymentID string `json:"payment_id"`
				} `json:"refund"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return gateway.WebhookEvent{}, fmt.Errorf("square: malformed webhook payload: %w", err)
	}

	evt := gateway.WebhookEvent{
		ID:                   event.EventID,
		GatewayTransactionID: event.Data.Object.Payment.ID,
		SessionRef:           event.Data.Object.Payment.ReferenceID,
		Currency:             event.Data.Object.Payment.AmountMoney.Currency,
		Verified:             true,
		Raw:                  payload,
	}
	if event.Data.Object.Payment.AmountMoney.Amount > 0 && evt.Currency != "" {
		evt.Amount = gateway.ParseAmount(event.Data.Object.Payment.AmountMoney.Amount, evt.Currency)
	}
	switch event.Type {
	case "payment.updated":
		switch event.Data.Object.Payment.Status {
		case "COMPLETED":
			evt.Type = gateway.EventPaymentSucceeded
		case "FAILED", "CANCELED":
			evt.Type = gateway.EventPaymentFailed
		default:
			evt.Type = gateway.EventPaymentPending
		}
	case "refund.updated":
		evt.GatewayTransactionID = event.Data.Object.Refund.PaymentID
		if event.Data.Object.Refund.Status == "COMPLETED" {
			evt.Type = gateway.EventRefundSucceeded
		} else if event.Data.Object.Refund.Status == "REJECTED" || event.Data.Object.Refund.Status == "FAILED" {
			evt.Type = gateway.EventRefundFailed
		} else {
			evt.Type = gateway.EventUnknown
		}
	default:
		evt.Type = gateway.EventUnknown
	}
	return evt, nil
}
