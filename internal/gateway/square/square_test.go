package square

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/checkout-payments/internal/gateway"
)

const notificationURL = "https://api.shop.example/webhooks/square"

func testAdapter(serverURL string) *Adapter {
	a := New(gateway.Credentials{
		Environment:    gateway.EnvSandbox,
		SecretKey:      "sq_access_token",
		PublishableKey: "sq_app_id",
		MerchantID:     "LOC_1",
		WebhookSecret:  "sig_key",
		Extra:          map[string]string{"notificationUrl": notificationURL},
	}, nil)
	a.baseURL = serverURL
	return a
}

func tokenRequest() gateway.PaymentRequest {
	return gateway.PaymentRequest{
		SessionID:     "sess_1",
		TransactionID: "txn_1",
		Amount:        decimal.RequireFromString("49.99"),
		Currency:      "USD",
		Method:        gateway.PaymentMethod{Kind: gateway.MethodCard, Token: "cnon_tok_1"},
	}
}

func TestProcessPayment_Completed(t *testing.T) {
	var gotBody map[string]any
	var gotAuth, gotVersion string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/payments", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.Header.Get("Square-Version")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"payment":{"id":"pay_1","status":"COMPLETED"}}`)
	}))
	defer server.Close()

	result, err := testAdapter(server.URL).ProcessPayment(context.Background(), tokenRequest())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, gateway.StatusSucceeded, result.Status)
	assert.Equal(t, "pay_1", result.GatewayTransactionID)
	assert.Equal(t, "Bearer sq_access_token", gotAuth)
	assert.NotEmpty(t, gotVersion)

	assert.Equal(t, "cnon_tok_1", gotBody["source_id"])
	assert.Equal(t, "txn_1", gotBody["idempotency_key"])
	assert.Equal(t, "LOC_1", gotBody["location_id"])
	assert.Equal(t, "sess_1", gotBody["reference_id"])
	money := gotBody["amount_money"].(map[string]any)
	assert.Equal(t, float64(4999), money["amount"], "amounts travel in minor units")
	assert.Equal(t, "USD", money["currency"])
}

func TestProcessPayment_ApprovedNeedsCapture(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"payment":{"id":"pay_2","status":"APPROVED"}}`)
	}))
	defer server.Close()

	result, err := testAdapter(server.URL).ProcessPayment(context.Background(), tokenRequest())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, gateway.StatusRequiresAction, result.Status)
	require.NotNil(t, result.RequiresAction)
	assert.Equal(t, gateway.ActionCapture, result.RequiresAction.Kind)
}

func TestProcessPayment_DeclineFromErrorsEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `{"errors":[{"category":"PAYMENT_METHOD_ERROR","code":"CARD_DECLINED","detail":"Card declined."}]}`)
	}))
	defer server.Close()

	result, err := testAdapter(server.URL).ProcessPayment(context.Background(), tokenRequest())
	require.NoError(t, err, "declines are results, not errors")
	assert.False(t, result.Success)
	assert.Equal(t, "CARD_DECLINED", result.ErrorCode)
	assert.Equal(t, "Card declined.", result.Message)
}

func TestProcessPayment_RawCardRefused(t *testing.T) {
	req := tokenRequest()
	req.Method.Token = ""
	req.Method.Card = &gateway.CardDetails{Number: "4111111111111111"}

	_, err := testAdapter("http://unused").ProcessPayment(context.Background(), req)
	require.Error(t, err)
	assert.True(t, gateway.IsUnsupportedOperation(err))
}

func TestProcessPayment_NetworkErrorIsFailedResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	result, err := testAdapter(server.URL).ProcessPayment(context.Background(), tokenRequest())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "network_error", result.ErrorCode)
}

func TestProcessRefund_Completed(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/refunds", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"refund":{"id":"ref_1","status":"COMPLETED"}}`)
	}))
	defer server.Close()

	result, err := testAdapter(server.URL).ProcessRefund(context.Background(), gateway.RefundRequest{
		TransactionID:        "txn_r",
		GatewayTransactionID: "pay_1",
		Amount:               decimal.RequireFromString("10.00"),
		Currency:             "USD",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, gateway.RefundSucceeded, result.Status)
	assert.Equal(t, "ref_1", result.GatewayRefundID)
	assert.Equal(t, "pay_1", gotBody["payment_id"])
	money := gotBody["amount_money"].(map[string]any)
	assert.Equal(t, float64(1000), money["amount"])
}

func TestVoidTransaction_Cancels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/payments/pay_2/cancel", r.URL.Path)
		fmt.Fprint(w, `{"payment":{"id":"pay_2","status":"CANCELED"}}`)
	}))
	defer server.Close()

	result, err := testAdapter(server.URL).VoidTransaction(context.Background(), "pay_2")
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusCancelled, result.Status)
}

func webhookSignature(payload []byte) string {
	mac := hmac.New(sha256.New, []byte("sig_key"))
	mac.Write([]byte(notificationURL))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestHandleWebhook_VerifiesBase64Signature(t *testing.T) {
	a := testAdapter("http://unused")
	payload := []byte(`{"event_id":"evt_1","type":"payment.updated","data":{"object":{"payment":{"id":"pay_1","status":"COMPLETED","reference_id":"sess_1","amount_money":{"amount":4999,"currency":"USD"}}}}}`)

	event, err := a.HandleWebhook(context.Background(), payload, webhookSignature(payload))
	require.NoError(t, err)
	assert.True(t, event.Verified)
	assert.Equal(t, gateway.EventPaymentSucceeded, event.Type)
	assert.Equal(t, "pay_1", event.GatewayTransactionID)
	assert.Equal(t, "sess_1", event.SessionRef)
	assert.True(t, event.Amount.Equal(decimal.RequireFromString("49.99")))

	_, err = a.HandleWebhook(context.Background(), payload, "bm90IHRoZSBzaWduYXR1cmU=")
	assert.Error(t, err, "signature is computed over notification URL plus body")
}

func TestHandleWebhook_RefundUpdatedCarriesPaymentID(t *testing.T) {
	a := testAdapter("http://unused")
	payload := []byte(`{"event_id":"evt_2","type":"refund.updated","data":{"object":{"refund":{"id":"ref_1","status":"COMPLETED","payment_id":"pay_1"}}}}`)

	event, err := a.HandleWebhook(context.Background(), payload, webhookSignature(payload))
	require.NoError(t, err)
	assert.Equal(t, gateway.EventRefundSucceeded, event.Type)
	assert.Equal(t, "pay_1", event.GatewayTransactionID, "refund events match sessions by payment id")
}

func TestClientConfig_NoAccessToken(t *testing.T) {
	cfg := testAdapter("http://unused").ClientConfig()
	assert.Equal(t, "sq_app_id", cfg["applicationId"])
	assert.Equal(t, "LOC_1", cfg["locationId"])
	for _, v := range cfg {
		assert.NotEqual(t, "sq_access_token", v)
	}
}
