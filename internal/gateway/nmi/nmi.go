// Package nmi implements the server-side direct-post/vault gateway flow.
// Requests go form-url-encoded to a single transact endpoint and responses
// come back as flat key=value text, parsed defensively: a missing key is
// absent, never a parse failure. This is the only adapter that accepts raw
// card fields; it retains nothing beyond the single call.
package nmi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yourorg/checkout-payments/internal/gateway"
)

const defaultEndpoint = "https://secure.nmi.com/api/transact.php"

// Response codes in the flat wire format.
const (
	responseApproved = "1"
	responseDeclined = "2"
	responseError    = "3"
)

// Adapter implements gateway.Adapter plus void and tokenization (customer
// vault). Credentials used: SecretKey as the security key, or
// Username/Password for legacy accounts; TokenizationKey for the
// browser-side Collect.js widget.
type Adapter struct {
	creds      gateway.Credentials
	httpClient *http.Client
	endpoint   string
}

// New creates an NMI adapter bound to one credential set.
func New(creds gateway.Credentials, client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{creds: creds, httpClient: client, endpoint: defaultEndpoint}
}

func (a *Adapter) Name() gateway.Type               { return gateway.TypeNMI }
func (a *Adapter) Environment() gateway.Environment { return a.creds.Environment }

func (a *Adapter) Capabilities() gateway.Capabilities {
	return gateway.Capabilities{
		Tokenization:   true,
		Recurring:      true,
		Refunds:        true,
		PartialRefunds: true,
		Void:           true,
		ACH:            true,
		AcceptsRawCard: true,
		Webhooks:       false,
		CardBrands:     []string{"visa", "mastercard", "amex", "discover"},
	}
}

// ClientConfig exposes the Collect.js tokenization key only.
func (a *Adapter) ClientConfig() map[string]string {
	return map[string]string{
		"tokenizationKey": a.creds.TokenizationKey,
		"environment":     string(a.creds.Environment),
	}
}

// auth stamps the credential fields onto an outgoing form.
func (a *Adapter) auth(form url.Values) {
	if a.creds.SecretKey != "" {
		form.Set("security_key", a.creds.SecretKey)
		return
	}
	form.Set("username", a.creds.Username)
	form.Set("password", a.creds.Password)
}

// post submits the form and parses the flat key=value response.
func (a *Adapter) post(ctx context.Context, form url.Values) (url.Values, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, fmt.Errorf("nmi: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}

	// The flat response is itself query-encoded text. ParseQuery tolerates
	// unknown keys; keys it cannot decode are dropped rather than fatal.
	parsed, parseErr := url.ParseQuery(strings.TrimSpace(string(body)))
	if parseErr != nil && len(parsed) == 0 {
		return nil, body, fmt.Errorf("nmi: unparseable response")
	}
	return parsed, body, nil
}

func paymentFailure(txnID, code, msg string, raw []byte) gateway.PaymentResult {
	return gateway.PaymentResult{
		TransactionID: txnID,
		Status:        gateway.StatusFailed,
		Message:       msg,
		ErrorCode:     code,
		Raw:           raw,
	}
}

// transactionResult maps the flat response vocabulary onto the core model.
func transactionResult(txnID string, parsed url.Values, raw []byte) gateway.PaymentResult {
	res := gateway.PaymentResult{
		TransactionID:        txnID,
		GatewayTransactionID: parsed.Get("transactionid"),
		Raw:                  raw,
	}
	switch parsed.Get("response") {
	case responseApproved:
		res.Success = true
		res.Status = gateway.StatusSucceeded
	case responseDeclined:
		res.Status = gateway.StatusFailed
		res.ErrorCode = parsed.Get("response_code")
		res.Message = parsed.Get("responsetext")
		if res.Message == "" {
			res.Message = "payment was declined"
		}
	default:
		res.Status = gateway.StatusFailed
		res.ErrorCode = parsed.Get("response_code")
		if res.ErrorCode == "" {
			res.ErrorCode = "gateway_error"
		}
		res.Message = parsed.Get("responsetext")
		if res.Message == "" {
			res.Message = "payment could not be processed"
		}
	}
	return res
}

// ProcessPayment submits a sale with either a vault token or raw card
// fields. Amounts go over the wire in major units.
func (a *Adapter) ProcessPayment(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentResult, error) {
	form := url.Values{}
	a.auth(form)
	form.Set("type", "sale")
	form.Set("amount", gateway.MajorUnitString(req.Amount, req.Currency))
	form.Set("currency", req.Currency)
	form.Set("orderid", req.SessionID)
	if req.Description != "" {
		form.Set("order_description", req.Description)
	}

	switch {
	case req.Method.Token != "":
		// Collect.js one-time token or a stored vault id.
		if strings.HasPrefix(req.Method.Token, "vault:") {
			form.Set("customer_vault_id", strings.TrimPrefix(req.Method.Token, "vault:"))
		} else {
			form.Set("payment_token", req.Method.Token)
		}
	case req.Method.Card != nil:
		card := req.Method.Card
		form.Set("ccnumber", card.Number)
		form.Set("ccexp", card.ExpiryMonth+card.ExpiryYear)
		if card.CVV != "" {
			form.Set("cvv", card.CVV)
		}
	case req.Method.BankAccount != nil:
		form.Set("payment", "check")
		form.Set("checkaba", req.Method.BankAccount.RoutingNumber)
		form.Set("checkaccount", req.Method.BankAccount.AccountNumber)
		form.Set("checkname", req.Method.BankAccount.HolderName)
	default:
		return gateway.PaymentResult{}, fmt.Errorf("nmi: a token, card or bank account is required")
	}

	if req.Billing != nil {
		form.Set("address1", req.Billing.Line1)
		form.Set("city", req.Billing.City)
		form.Set("state", req.Billing.State)
		form.Set("zip", req.Billing.PostalCode)
		form.Set("country", req.Billing.Country)
	}

	parsed, raw, err := a.post(ctx, form)
	if err != nil {
		return paymentFailure(req.TransactionID, "network_error", "payment could not be processed", []byte(err.Error())), nil
	}
	return transactionResult(req.TransactionID, parsed, raw), nil
}

// ProcessRefund refunds a settled transaction by id.
func (a *Adapter) ProcessRefund(ctx context.Context, req gateway.RefundRequest) (gateway.RefundResult, error) {
	if req.GatewayTransactionID == "" {
		return gateway.RefundResult{}, fmt.Errorf("nmi: gateway transaction id is required for refunds")
	}

	form := url.Values{}
	a.auth(form)
	form.Set("type", "refund")
	form.Set("transactionid", req.GatewayTransactionID)
	if !req.Amount.IsZero() {
		form.Set("amount", gateway.MajorUnitString(req.Amount, req.Currency))
	}

	parsed, raw, err := a.post(ctx, form)
	if err != nil {
		return gateway.RefundResult{
			GatewayTransactionID: req.GatewayTransactionID,
			Status:               gateway.RefundFailed,
			Message:              "refund could not be processed",
			ErrorCode:            "network_error",
			Raw:                  []byte(err.Error()),
		}, nil
	}

	res := gateway.RefundResult{
		GatewayTransactionID: req.GatewayTransactionID,
		GatewayRefundID:      parsed.Get("transactionid"),
		Raw:                  raw,
	}
	if parsed.Get("response") == responseApproved {
		res.Success = true
		res.Status = gateway.RefundSucceeded
		return res, nil
	}
	res.Status = gateway.RefundFailed
	res.ErrorCode = parsed.Get("response_code")
	res.Message = parsed.Get("responsetext")
	if res.Message == "" {
		res.Message = "refund could not be processed"
	}
	return res, nil
}

// VoidTransaction cancels an authorized-but-unsettled transaction.
func (a *Adapter) VoidTransaction(ctx context.Context, gatewayTransactionID string) (gateway.PaymentResult, error) {
	if gatewayTransactionID == "" {
		return gateway.PaymentResult{}, fmt.Errorf("nmi: gateway transaction id is required for void")
	}

	form := url.Values{}
	a.auth(form)
	form.Set("type", "void")
	form.Set("transactionid", gatewayTransactionID)

	parsed, raw, err := a.post(ctx, form)
	if err != nil {
		return paymentFailure("", "network_error", "void could not be processed", []byte(err.Error())), nil
	}
	if parsed.Get("response") == responseApproved {
		return gateway.PaymentResult{
			GatewayTransactionID: gatewayTransactionID,
			Status:               gateway.StatusCancelled,
			Message:              "transaction voided",
			Raw:                  raw,
		}, nil
	}
	return transactionResult("", parsed, raw), nil
}

// TokenizePaymentMethod stores the card in the customer vault and returns
// the vault id as an opaque reusable token.
func (a *Adapter) TokenizePaymentMethod(ctx context.Context, card gateway.CardDetails) (string, error) {
	form := url.Values{}
	a.auth(form)
	form.Set("customer_vault", "add_customer")
	form.Set("ccnumber", card.Number)
	form.Set("ccexp", card.ExpiryMonth+card.ExpiryYear)

	parsed, _, err := a.post(ctx, form)
	if err != nil {
		return "", fmt.Errorf("nmi: vault request: %w", err)
	}
	if parsed.Get("response") != responseApproved {
		msg := parsed.Get("responsetext")
		if msg == "" {
			msg = "vault add was rejected"
		}
		return "", fmt.Errorf("nmi: tokenization failed: %s", msg)
	}
	vaultID := parsed.Get("customer_vault_id")
	if vaultID == "" {
		return "", fmt.Errorf("nmi: vault response carried no customer_vault_id")
	}
	return "vault:" + vaultID, nil
}

// ValidateCredentials submits a validate-type transaction, which performs
// an auth check without moving money. Onboarding checks only.
func (a *Adapter) ValidateCredentials(ctx context.Context) error {
	form := url.Values{}
	a.auth(form)
	form.Set("type", "validate")
	form.Set("ccnumber", "4111111111111111")
	form.Set("ccexp", "1039")

	parsed, _, err := a.post(ctx, form)
	if err != nil {
		return err
	}
	if parsed.Get("response") == responseError {
		text := strings.ToLower(parsed.Get("responsetext"))
		if strings.Contains(text, "authentication") || strings.Contains(text, "invalid") {
			return fmt.Errorf("nmi: credential validation failed: %s", parsed.Get("responsetext"))
		}
	}
	return nil
}
