// Package paypal implements the redirect/order-approval gateway flow:
// create an order, send the payer to the approval URL, capture after
// approval. Only a captured order in state COMPLETED is success.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/yourorg/checkout-payments/internal/gateway"
)

const (
	sandboxBaseURL    = "https://api-m.sandbox.paypal.com"
	productionBaseURL = "https://api-m.paypal.com"

	// tokenSlack renews the cached OAuth token before it actually expires.
	tokenSlack = 60 * time.Second
)

// Adapter implements gateway.Adapter plus the order, void and webhook
// capabilities. Credentials used: ClientID/ClientSecret (OAuth grant).
type Adapter struct {
	creds      gateway.Credentials
	httpClient *http.Client
	baseURL    string

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// New creates a PayPal adapter bound to one credential set.
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

func (a *Adapter) Name() gateway.Type               { return gateway.TypePayPal }
func (a *Adapter) Environment() gateway.Environment { return a.creds.Environment }

func (a *Adapter) Capabilities() gateway.Capabilities {
	return gateway.Capabilities{
		Refunds:        true,
		PartialRefunds: true,
		Void:           true,
		Orders:         true,
		Webhooks:       true,
	}
}

// ClientConfig exposes the OAuth client id the PayPal JS SDK needs.
func (a *Adapter) ClientConfig() map[string]string {
	return map[string]string{
		"clientId":    a.creds.ClientID,
		"environment": string(a.creds.Environment),
	}
}

// token returns a cached OAuth access token, renewing it via the
// client-credentials grant when missing or near expiry.
func (a *Adapter) token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.accessToken != "" && time.Now().Before(a.tokenExpiry.Add(-tokenSlack)) {
		return a.accessToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("paypal: build token request: %w", err)
	}
	req.SetBasicAuth(a.creds.ClientID, a.creds.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("paypal: token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("paypal: token grant failed with HTTP %d", resp.StatusCode)
	}
	var grant struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil || grant.AccessToken == "" {
		return "", fmt.Errorf("paypal: malformed token response")
	}
	a.accessToken = grant.AccessToken
	a.tokenExpiry = time.Now().Add(time.Duration(grant.ExpiresIn) * time.Second)
	return a.accessToken, nil
}

// do issues an authenticated JSON request against the REST API.
func (a *Adapter) do(ctx context.Context, method, path string, payload any, requestID string) (int, []byte, error) {
	tok, err := a.token(ctx)
	if err != nil {
		return 0, nil, err
	}

	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return 0, nil, fmt.Errorf("paypal: encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, &body)
	if err != nil {
		return 0, nil, fmt.Errorf("paypal: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}

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

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

type apiError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
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

func errorFailure(txnID string, status int, body []byte) gateway.PaymentResult {
	res := gateway.PaymentResult{TransactionID: txnID, Status: gateway.StatusFailed, Raw: body}
	var ae apiError
	if err := json.Unmarshal(body, &ae); err == nil && ae.Name != "" {
		res.ErrorCode = ae.Name
		res.Message = ae.Message
		if len(ae.Details) > 0 {
			res.ErrorCode = ae.Details[0].Issue
			if ae.Details[0].Description != "" {
				res.Message = ae.Details[0].Description
			}
		}
		return res
	}
	res.ErrorCode = fmt.Sprintf("http_%d", status)
	res.Message = "payment could not be processed"
	return res
}

// CreateOrder creates a CAPTURE-intent order and returns the approval URL
// untouched. The order is requires_action until captured; never success.
func (a *Adapter) CreateOrder(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentResult, error) {
	if req.ReturnURL == "" || req.CancelURL == "" {
		return gateway.PaymentResult{}, fmt.Errorf("paypal: return and cancel URLs are required")
	}

	payload := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": req.SessionID,
			"amount": map[string]string{
				"currency_code": req.Currency,
				"value":         gateway.MajorUnitString(req.Amount, req.Currency),
			},
		}},
		"application_context": map[string]string{
			"return_url": req.ReturnURL,
			"cancel_url": req.CancelURL,
		},
	}

	status, body, err := a.do(ctx, http.MethodPost, "/v2/checkout/orders", payload, req.TransactionID)
	if err != nil {
		return networkFailure(req.TransactionID, err), nil
	}
	if status < 200 || status >= 300 {
		return errorFailure(req.TransactionID, status, body), nil
	}

	var order orderResponse
	if err := json.Unmarshal(body, &order); err != nil {
		res := networkFailure(req.TransactionID, fmt.Errorf("malformed order response"))
		res.ErrorCode = "malformed_response"
		res.Raw = body
		return res, nil
	}

	res := gateway.PaymentResult{
		TransactionID:        req.TransactionID,
		GatewayTransactionID: order.ID,
		Status:               gateway.StatusRequiresAction,
		Message:              "payer approval required",
		Raw:                  body,
	}
	for _, link := range order.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			res.RequiresAction = &gateway.RequiredAction{Kind: gateway.ActionRedirect, RedirectURL: link.Href}
			break
		}
	}
	if res.RequiresAction == nil {
		res.Status = gateway.StatusFailed
		res.Message = "order response carried no approval link"
		res.ErrorCode = "missing_approval_link"
	}
	return res, nil
}

// CaptureOrder finalizes an approved order. Anything but COMPLETED is a
// failure; capturing before approval yields the network's
// ORDER_NOT_APPROVED error, surfaced as a failed result.
func (a *Adapter) CaptureOrder(ctx context.Context, orderID string) (gateway.PaymentResult, error) {
	if orderID == "" {
		return gateway.PaymentResult{}, fmt.Errorf("paypal: order id is required")
	}
	status, body, err := a.do(ctx, http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(orderID)+"/capture", struct{}{}, "")
	if err != nil {
		return networkFailure("", err), nil
	}
	if status < 200 || status >= 300 {
		return errorFailure("", status, body), nil
	}

	var order orderResponse
	if err := json.Unmarshal(body, &order); err != nil {
		res := networkFailure("", fmt.Errorf("malformed capture response"))
		res.ErrorCode = "malformed_response"
		res.Raw = body
		return res, nil
	}

	res := gateway.PaymentResult{GatewayTransactionID: order.ID, Raw: body}
	if order.Status == "COMPLETED" {
		res.Success = true
		res.Status = gateway.StatusSucceeded
		// Refunds need the capture id, not the order id.
		for _, pu := range order.PurchaseUnits {
			if len(pu.Payments.Captures) > 0 {
				res.GatewayTransactionID = pu.Payments.Captures[0].ID
				break
			}
		}
		return res, nil
	}
	res.Status = gateway.StatusFailed
	res.ErrorCode = "order_not_completed"
	res.Message = "order is " + order.Status
	return res, nil
}

// ProcessPayment on a redirect network starts the approval flow; the
// terminal outcome arrives via CaptureOrder.
func (a *Adapter) ProcessPayment(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentResult, error) {
	if req.Method.Card != nil {
		return gateway.PaymentResult{}, gateway.NewUnsupportedOperation(gateway.TypePayPal, "raw card processing")
	}
	return a.CreateOrder(ctx, req)
}

// ProcessRefund refunds a captured payment by capture id.
func (a *Adapter) ProcessRefund(ctx context.Context, req gateway.RefundRequest) (gateway.RefundResult, error) {
	if req.GatewayTransactionID == "" {
		return gateway.RefundResult{}, fmt.Errorf("paypal: gateway transaction id is required for refunds")
	}

	var payload any
	if !req.Amount.IsZero() {
		payload = map[string]any{
			"amount": map[string]string{
				"currency_code": req.Currency,
				"value":         gateway.MajorUnitString(req.Amount, req.Currency),
			},
			"note_to_payer": req.Reason,
		}
	}

	status, body, err := a.do(ctx, http.MethodPost, "/v2/payments/captures/"+url.PathEscape(req.GatewayTransactionID)+"/refund", payload, req.TransactionID)
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
			res.ErrorCode = "malformed_response"
			res.Message = "refund could not be processed"
			return res, nil
		}
		res.GatewayRefundID = refund.ID
		switch refund.Status {
		case "COMPLETED":
			res.Success = true
			res.Status = gateway.RefundSucceeded
		case "PENDING":
			res.Status = gateway.RefundPending
			res.Message = "refund is pending"
		default:
			res.Status = gateway.RefundFailed
			res.Message = "refund is " + refund.Status
		}
		return res, nil
	}

	var ae apiError
	res.Status = gateway.RefundFailed
	if jsonErr := json.Unmarshal(body, &ae); jsonErr == nil && ae.Name != "" {
		res.ErrorCode = ae.Name
		res.Message = ae.Message
	} else {
		res.ErrorCode = fmt.Sprintf("http_%d", status)
		res.Message = "refund could not be processed"
	}
	return res, nil
}

// VoidTransaction voids an authorization that was never captured.
func (a *Adapter) VoidTransaction(ctx context.Context, gatewayTransactionID string) (gateway.PaymentResult, error) {
	if gatewayTransactionID == "" {
		return gateway.PaymentResult{}, fmt.Errorf("paypal: gateway transaction id is required for void")
	}
	status, body, err := a.do(ctx, http.MethodPost, "/v2/payments/authorizations/"+url.PathEscape(gatewayTransactionID)+"/void", nil, "")
	if err != nil {
		return networkFailure("", err), nil
	}
	if status == http.StatusNoContent || (status >= 200 && status < 300) {
		return gateway.PaymentResult{
			GatewayTransactionID: gatewayTransactionID,
			Status:               gateway.StatusCancelled,
			Message:              "authorization voided",
			Raw:                  body,
		}, nil
	}
	return errorFailure("", status, body), nil
}

// ValidateCredentials exercises the OAuth grant, which fails fast on bad
// client credentials. Onboarding checks only.
func (a *Adapter) ValidateCredentials(ctx context.Context) error {
	a.mu.Lock()
	a.accessToken = ""
	a.mu.Unlock()
	_, err := a.token(ctx)
	return err
}

// HandleWebhook parses a notification. PayPal signature verification needs
// a server-side verify call with a configured webhook id; without one the
// event is accepted best-effort and flagged unverified.
func (a *Adapter) HandleWebhook(ctx context.Context, payload []byte, signature string) (gateway.WebhookEvent, error) {
	var event struct {
		ID        string `json:"id"`
		EventType string `json:"event_type"`
		Resource  struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Amount struct {
				CurrencyCode string `json:"currency_code"`
				Value        string `json:"value"`
			} `json:"amount"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return gateway.WebhookEvent{}, fmt.Errorf("paypal: malformed webhook payload: %w", err)
	}

	evt := gateway.WebhookEvent{
		ID:                   event.ID,
		GatewayTransactionID: event.Resource.ID,
		Currency:             event.Resource.Amount.CurrencyCode,
		Verified:             false,
		Raw:                  payload,
	}
	switch event.EventType {
	case "PAYMENT.CAPTURE.COMPLETED", "CHECKOUT.ORDER.COMPLETED":
		evt.Type = gateway.EventPaymentSucceeded
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		evt.Type = gateway.EventPaymentFailed
	case "PAYMENT.CAPTURE.PENDING":
		evt.Type = gateway.EventPaymentPending
	case "PAYMENT.CAPTURE.REFUNDED":
		evt.Type = gateway.EventRefundSucceeded
	default:
		evt.Type = gateway.EventUnknown
	}
	return evt, nil
}
