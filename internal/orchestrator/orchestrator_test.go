package orchestrator_test

import (
	"bytes"
	"context"
	"log"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/checkout-payments/internal/gateway"
	"github.com/yourorg/checkout-payments/internal/gateway/factory"
	"github.com/yourorg/checkout-payments/internal/gateway/mock"
	"github.com/yourorg/checkout-payments/internal/orchestrator"
	"github.com/yourorg/checkout-payments/internal/policy"
	"github.com/yourorg/checkout-payments/internal/reporting"
	"github.com/yourorg/checkout-payments/internal/session"
)

type fakeSource struct {
	adapters map[gateway.Type]gateway.Adapter
}

func (f *fakeSource) Adapter(cfg factory.Config) (gateway.Adapter, error) {
	a, ok := f.adapters[cfg.Type]
	if !ok {
		return nil, gateway.ErrUnknownGateway
	}
	return a, nil
}

type fakeResolver struct {
	creds map[gateway.Type]gateway.Credentials
}

func (f *fakeResolver) Resolve(ctx context.Context, companyID string, gw gateway.Type) (gateway.Credentials, error) {
	c, ok := f.creds[gw]
	if !ok {
		return gateway.Credentials{}, &gateway.CredentialError{CompanyID: companyID, Gateway: gw}
	}
	return c, nil
}

type fixture struct {
	orch     *orchestrator.Orchestrator
	store    *session.MemoryStore
	adapters map[gateway.Type]gateway.Adapter
	recorder *reporting.Recorder
}

func newFixture(t *testing.T, deps orchestrator.Deps, adapters map[gateway.Type]gateway.Adapter) *fixture {
	t.Helper()
	store := session.NewMemoryStore()
	creds := make(map[gateway.Type]gateway.Credentials, len(adapters))
	for gw := range adapters {
		creds[gw] = gateway.Credentials{Environment: gateway.EnvSandbox, SecretKey: "sk_test_" + string(gw)}
	}
	recorder := reporting.NewRecorder(0)

	deps.Adapters = &fakeSource{adapters: adapters}
	deps.Credentials = &fakeResolver{creds: creds}
	deps.Sessions = store
	deps.Recorder = recorder

	orch, err := orchestrator.New(deps)
	require.NoError(t, err)
	return &fixture{orch: orch, store: store, adapters: adapters, recorder: recorder}
}

func seedSession(t *testing.T, store *session.MemoryStore, amount, currency string) *session.Session {
	t.Helper()
	sess := &session.Session{
		ID:        "sess_" + currency + "_" + amount,
		CompanyID: "comp_1",
		Amount:    decimal.RequireFromString(amount),
		Currency:  currency,
		Status:    gateway.StatusPending,
	}
	require.NoError(t, store.Create(context.Background(), sess))
	return sess
}

func TestProcessPayment_Success(t *testing.T) {
	stripeMock := mock.New(gateway.TypeStripe)
	f := newFixture(t, orchestrator.Deps{}, map[gateway.Type]gateway.Adapter{gateway.TypeStripe: stripeMock})
	sess := seedSession(t, f.store, "49.99", "USD")

	result, err := f.orch.ProcessPayment(context.Background(), sess.ID, "comp_1", gateway.TypeStripe,
		gateway.PaymentMethod{Kind: gateway.MethodCard, Token: "tok_visa"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, gateway.StatusSucceeded, result.Status)

	stored, err := f.store.FindByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusSucceeded, stored.Status)
	assert.Equal(t, gateway.TypeStripe, stored.SelectedGateway)
	assert.NotEmpty(t, stored.GatewaySessionID)
	assert.NotNil(t, stored.CompletedAt)
}

func TestProcessPayment_DeclineMarksFailedAndAllowsRetry(t *testing.T) {
	declining := mock.New(gateway.TypeStripe)
	declining.ProcessPaymentFunc = func(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentResult, error) {
		return gateway.PaymentResult{
			Success: false, Status: gateway.StatusFailed,
			ErrorCode: "card_declined", Message: "Your card was declined.",
		}, nil
	}
	f := newFixture(t, orchestrator.Deps{}, map[gateway.Type]gateway.Adapter{gateway.TypeStripe: declining})
	sess := seedSession(t, f.store, "49.99", "USD")

	result, err := f.orch.ProcessPayment(context.Background(), sess.ID, "comp_1", gateway.TypeStripe,
		gateway.PaymentMethod{Kind: gateway.MethodCard, Token: "tok_declined"})
	require.NoError(t, err, "a decline is a result, not an error")
	assert.False(t, result.Success)
	assert.Equal(t, "card_declined", result.ErrorCode)

	stored, _ := f.store.FindByID(context.Background(), sess.ID)
	assert.Equal(t, gateway.StatusFailed, stored.Status)
	assert.Equal(t, "Your card was declined.", stored.FailureReason)
	assert.NotNil(t, stored.FailedAt)

	// A failed session may be retried.
	declining.ProcessPaymentFunc = nil
	result, err = f.orch.ProcessPayment(context.Background(), sess.ID, "comp_1", gateway.TypeStripe,
		gateway.PaymentMethod{Kind: gateway.MethodCard, Token: "tok_visa"})
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestProcessPayment_SucceededSessionRejected(t *testing.T) {
	f := newFixture(t, orchestrator.Deps{}, map[gateway.Type]gateway.Adapter{gateway.TypeStripe: mock.New(gateway.TypeStripe)})
	sess := seedSession(t, f.store, "49.99", "USD")
	require.NoError(t, f.store.Update(context.Background(), sess.ID,
		session.Update{Status: session.StatusPtr(gateway.StatusSucceeded)}))

	_, err := f.orch.ProcessPayment(context.Background(), sess.ID, "comp_1", gateway.TypeStripe,
		gateway.PaymentMethod{Kind: gateway.MethodCard, Token: "tok_visa"})
	require.Error(t, err)
	assert.True(t, gateway.IsSessionStateError(err))
}

func TestProcessPayment_ZeroDecimalAmountReachesAdapterUnscaled(t *testing.T) {
	var seen gateway.PaymentRequest
	stripeMock := mock.New(gateway.TypeStripe)
	stripeMock.ProcessPaymentFunc = func(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentResult, error) {
		seen = req
		return gateway.PaymentResult{Success: true, Status: gateway.StatusSucceeded, TransactionID: req.TransactionID, GatewayTransactionID: "gw_jpy"}, nil
	}
	f := newFixture(t, orchestrator.Deps{}, map[gateway.Type]gateway.Adapter{gateway.TypeStripe: stripeMock})
	sess := seedSession(t, f.store, "50", "JPY")

	_, err := f.orch.ProcessPayment(context.Background(), sess.ID, "comp_1", gateway.TypeStripe,
		gateway.PaymentMethod{Kind: gateway.MethodCard, Token: "tok_visa"})
	require.NoError(t, err)
	assert.True(t, seen.Amount.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, "JPY", seen.Currency)
}

func TestProcessPayment_UnknownSession(t *testing.T) {
	f := newFixture(t, orchestrator.Deps{}, map[gateway.Type]gateway.Adapter{gateway.TypeStripe: mock.New(gateway.TypeStripe)})
	_, err := f.orch.ProcessPayment(context.Background(), "nope", "comp_1", gateway.TypeStripe, gateway.PaymentMethod{})
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestOrderFlow_CreateThenCapture(t *testing.T) {
	paypalMock := mock.New(gateway.TypePayPal)
	f := newFixture(t, orchestrator.Deps{}, map[gateway.Type]gateway.Adapter{gateway.TypePayPal: paypalMock})
	sess := seedSession(t, f.store, "49.99", "USD")

	created, err := f.orch.CreateOrder(context.Background(), sess.ID, "comp_1", gateway.TypePayPal,
		"https://shop.example/return", "https://shop.example/cancel")
	require.NoError(t, err)
	require.NotNil(t, created.RequiresAction)
	assert.Equal(t, gateway.ActionRedirect, created.RequiresAction.Kind)
	assert.NotEmpty(t, created.RequiresAction.RedirectURL)

	stored, _ := f.store.FindByID(context.Background(), sess.ID)
	assert.Equal(t, gateway.StatusRequiresAction, stored.Status)
	assert.Equal(t, created.GatewayTransactionID, stored.GatewaySessionID)

	captured, err := f.orch.CaptureOrder(context.Background(), sess.ID, "comp_1")
	require.NoError(t, err)
	assert.True(t, captured.Success)

	stored, _ = f.store.FindByID(context.Background(), sess.ID)
	assert.Equal(t, gateway.StatusSucceeded, stored.Status)
}

func TestCaptureOrder_BeforeApprovalIsFailedResult(t *testing.T) {
	paypalMock := mock.New(gateway.TypePayPal)
	paypalMock.CaptureOrderFunc = func(ctx context.Context, orderID string) (gateway.PaymentResult, error) {
		return gateway.PaymentResult{
			Success: false, Status: gateway.StatusFailed,
			GatewayTransactionID: orderID,
			ErrorCode:            "order_not_completed", Message: "order is CREATED, not COMPLETED",
		}, nil
	}
	f := newFixture(t, orchestrator.Deps{}, map[gateway.Type]gateway.Adapter{gateway.TypePayPal: paypalMock})
	sess := seedSession(t, f.store, "49.99", "USD")

	_, err := f.orch.CreateOrder(context.Background(), sess.ID, "comp_1", gateway.TypePayPal, "", "")
	require.NoError(t, err)

	captured, err := f.orch.CaptureOrder(context.Background(), sess.ID, "comp_1")
	require.NoError(t, err)
	assert.False(t, captured.Success, "an uncaptured order is never success")

	stored, _ := f.store.FindByID(context.Background(), sess.ID)
	assert.Equal(t, gateway.StatusFailed, stored.Status)
}

func TestIntentFlow_CreateThenConfirm(t *testing.T) {
	stripeMock := mock.New(gateway.TypeStripe)
	f := newFixture(t, orchestrator.Deps{}, map[gateway.Type]gateway.Adapter{gateway.TypeStripe: stripeMock})
	sess := seedSession(t, f.store, "49.99", "USD")

	created, err := f.orch.CreateIntent(context.Background(), sess.ID, "comp_1", gateway.TypeStripe, gateway.PaymentMethod{})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ClientSecret, "client secret travels to the browser")
	assert.NotEmpty(t, created.GatewayTransactionID)

	stored, _ := f.store.FindByID(context.Background(), sess.ID)
	assert.Equal(t, gateway.StatusProcessing, stored.Status)
	assert.Equal(t, created.GatewayTransactionID, stored.GatewaySessionID)

	confirmed, err := f.orch.ConfirmIntent(context.Background(), sess.ID, "comp_1")
	require.NoError(t, err)
	assert.True(t, confirmed.Success)

	stored, _ = f.store.FindByID(context.Background(), sess.ID)
	assert.Equal(t, gateway.StatusSucceeded, stored.Status)
}

func TestConfirmIntent_WithoutIntentIsStateError(t *testing.T) {
	f := newFixture(t, orchestrator.Deps{}, map[gateway.Type]gateway.Adapter{gateway.TypeStripe: mock.New(gateway.TypeStripe)})
	sess := seedSession(t, f.store, "49.99", "USD")

	_, err := f.orch.ConfirmIntent(context.Background(), sess.ID, "comp_1")
	require.Error(t, err)
	assert.True(t, gateway.IsSessionStateError(err))
}

func TestCreateIntent_CapabilityGateBeforeNetwork(t *testing.T) {
	noIntents := mock.New(gateway.TypeNMI)
	noIntents.Caps.Intents = false
	f := newFixture(t, orchestrator.Deps{}, map[gateway.Type]gateway.Adapter{gateway.TypeNMI: noIntents})
	sess := seedSession(t, f.store, "49.99", "USD")

	_, err := f.orch.CreateIntent(context.Background(), sess.ID, "comp_1", gateway.TypeNMI, gateway.PaymentMethod{})
	require.Error(t, err)
	assert.True(t, gateway.IsUnsupportedOperation(err))
	assert.Zero(t, noIntents.Calls["create_intent"], "capability errors precede any adapter call")

	stored, _ := f.store.FindByID(context.Background(), sess.ID)
	assert.Equal(t, gateway.StatusPending, stored.Status, "session untouched by a capability rejection")
}

func TestProcessRefund_AnnotatesWithoutRegressingStatus(t *testing.T) {
	stripeMock := mock.New(gateway.TypeStripe)
	f := newFixture(t, orchestrator.Deps{}, map[gateway.Type]gateway.Adapter{gateway.TypeStripe: stripeMock})
	sess := seedSession(t, f.store, "49.99", "USD")

	_, err := f.orch.ProcessPayment(context.Background(), sess.ID, "comp_1", gateway.TypeStripe,
		gateway.PaymentMethod{Kind: gateway.MethodCard, Token: "tok_visa"})
	require.NoError(t, err)

	result, err := f.orch.ProcessRefund(context.Background(), sess.ID, "comp_1", decimal.NewFromInt(10), "requested_by_customer")
	require.NoError(t, err)
	assert.True(t, result.Success)

	stored, _ := f.store.FindByID(context.Background(), sess.ID)
	assert.Equal(t, gateway.StatusSucceeded, stored.Status, "partial refund keeps the session succeeded")
	assert.Equal(t, "true", stored.Metadata["refunded"])
	assert.Equal(t, "10", stored.Metadata["refundAmount"])
}

func TestProcessRefund_CumulativeCap(t *testing.T) {
	stripeMock := mock.New(gateway.TypeStripe)
	f := newFixture(t, orchestrator.Deps{}, map[gateway.Type]gateway.Adapter{gateway.TypeStripe: stripeMock})
	sess := seedSession(t, f.store, "50", "USD")

	_, err := f.orch.ProcessPayment(context.Background(), sess.ID, "comp_1", gateway.TypeStripe,
		gateway.PaymentMethod{Kind: gateway.MethodCard, Token: "tok_visa"})
	require.NoError(t, err)

	_, err = f.orch.ProcessRefund(context.Background(), sess.ID, "comp_1", decimal.NewFromInt(30), "")
	require.NoError(t, err)

	_, err = f.orch.ProcessRefund(context.Background(), sess.ID, "comp_1", decimal.NewFromInt(30), "")
	assert.ErrorIs(t, err, orchestrator.ErrRefundExceedsAmount, "30 + 30 exceeds the 50 charged")

	_, err = f.orch.ProcessRefund(context.Background(), sess.ID, "comp_1", decimal.NewFromInt(20), "")
	require.NoError(t, err)

	stored, _ := f.store.FindByID(context.Background(), sess.ID)
	assert.Equal(t, "50", stored.Metadata["refundAmount"])
}

func TestProcessRefund_RequiresSucceededSession(t *testing.T) {
	f := newFixture(t, orchestrator.Deps{}, map[gateway.Type]gateway.Adapter{gateway.TypeStripe: mock.New(gateway.TypeStripe)})
	sess := seedSession(t, f.store, "49.99", "USD")

	_, err := f.orch.ProcessRefund(context.Background(), sess.ID, "comp_1", decimal.NewFromInt(10), "")
	require.Error(t, err)
	assert.True(t, gateway.IsSessionStateError(err))
}

func TestProcessRefund_PartialNeedsCapability(t *testing.T) {
	noPartial := mock.New(gateway.TypeMercadoPago)
	noPartial.Caps.PartialRefunds = false
	f := newFixture(t, orchestrator.Deps{}, map[gateway.Type]gateway.Adapter{gateway.TypeMercadoPago: noPartial})
	sess := seedSession(t, f.store, "100", "BRL")

	_, err := f.orch.ProcessPayment(context.Background(), sess.ID, "comp_1", gateway.TypeMercadoPago,
		gateway.PaymentMethod{Kind: gateway.MethodCard, Token: "tok_mp"})
	require.NoError(t, err)

	_, err = f.orch.ProcessRefund(context.Background(), sess.ID, "comp_1", decimal.NewFromInt(40), "")
	require.Error(t, err)
	assert.True(t, gateway.IsUnsupportedOperation(err))
	assert.Zero(t, noPartial.Calls["process_refund"])

	// Full refunds remain available.
	_, err = f.orch.ProcessRefund(context.Background(), sess.ID, "comp_1", decimal.NewFromInt(100), "")
	require.NoError(t, err)
}

func TestHandleWebhook_TransitionAndDedup(t *testing.T) {
	stripeMock := mock.New(gateway.TypeStripe)
	stripeMock.HandleWebhookFunc = func(ctx context.Context, payload []byte, signature string) (gateway.WebhookEvent, error) {
		return gateway.WebhookEvent{
			ID: "evt_1", Type: gateway.EventPaymentSucceeded,
			GatewayTransactionID: "pi_123", Verified: true,
		}, nil
	}
	f := newFixture(t, orchestrator.Deps{}, map[gateway.Type]gateway.Adapter{gateway.TypeStripe: stripeMock})
	sess := seedSession(t, f.store, "49.99", "USD")
	require.NoError(t, f.store.Update(context.Background(), sess.ID, session.Update{
		Status:           session.StatusPtr(gateway.StatusProcessing),
		GatewaySessionID: session.StringPtr("pi_123"),
	}))

	event, err := f.orch.HandleWebhook(context.Background(), gateway.TypeStripe, "comp_1", []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.True(t, event.Verified)

	stored, _ := f.store.FindByID(context.Background(), sess.ID)
	assert.Equal(t, gateway.StatusSucceeded, stored.Status)
	completedAt := stored.CompletedAt

	// Redelivery is acknowledged without reapplying.
	_, err = f.orch.HandleWebhook(context.Background(), gateway.TypeStripe, "comp_1", []byte(`{}`), "sig")
	require.NoError(t, err)
	stored, _ = f.store.FindByID(context.Background(), sess.ID)
	assert.Equal(t, completedAt, stored.CompletedAt)
}

func TestHandleWebhook_LateFailureNeverRegressesTerminal(t *testing.T) {
	stripeMock := mock.New(gateway.TypeStripe)
	stripeMock.HandleWebhookFunc = func(ctx context.Context, payload []byte, signature string) (gateway.WebhookEvent, error) {
		return gateway.WebhookEvent{
			ID: "evt_late", Type: gateway.EventPaymentFailed,
			GatewayTransactionID: "pi_123", Verified: true,
		}, nil
	}
	f := newFixture(t, orchestrator.Deps{}, map[gateway.Type]gateway.Adapter{gateway.TypeStripe: stripeMock})
	sess := seedSession(t, f.store, "49.99", "USD")
	require.NoError(t, f.store.Update(context.Background(), sess.ID, session.Update{
		Status:           session.StatusPtr(gateway.StatusSucceeded),
		GatewaySessionID: session.StringPtr("pi_123"),
	}))

	_, err := f.orch.HandleWebhook(context.Background(), gateway.TypeStripe, "comp_1", []byte(`{}`), "sig")
	require.NoError(t, err)

	stored, _ := f.store.FindByID(context.Background(), sess.ID)
	assert.Equal(t, gateway.StatusSucceeded, stored.Status, "late failure events lose to terminal state")
}

func TestHandleWebhook_UnknownSessionAcknowledged(t *testing.T) {
	stripeMock := mock.New(gateway.TypeStripe)
	stripeMock.HandleWebhookFunc = func(ctx context.Context, payload []byte, signature string) (gateway.WebhookEvent, error) {
		return gateway.WebhookEvent{ID: "evt_orphan", Type: gateway.EventPaymentSucceeded, GatewayTransactionID: "pi_unknown"}, nil
	}
	f := newFixture(t, orchestrator.Deps{}, map[gateway.Type]gateway.Adapter{gateway.TypeStripe: stripeMock})

	_, err := f.orch.HandleWebhook(context.Background(), gateway.TypeStripe, "comp_1", []byte(`{}`), "sig")
	assert.NoError(t, err, "orphan events are acked so the gateway stops retrying")
}

func TestHandleWebhook_SignatureFailurePropagates(t *testing.T) {
	stripeMock := mock.New(gateway.TypeStripe)
	stripeMock.HandleWebhookFunc = func(ctx context.Context, payload []byte, signature string) (gateway.WebhookEvent, error) {
		return gateway.WebhookEvent{}, assert.AnError
	}
	f := newFixture(t, orchestrator.Deps{}, map[gateway.Type]gateway.Adapter{gateway.TypeStripe: stripeMock})

	_, err := f.orch.HandleWebhook(context.Background(), gateway.TypeStripe, "comp_1", []byte(`{}`), "bad")
	assert.Error(t, err, "signature failures must make the gateway retry")
}

func TestProcessPayment_FallbackOnNetworkErrorWhenPolicyAllows(t *testing.T) {
	down := mock.New(gateway.TypeStripe)
	down.ProcessPaymentFunc = func(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentResult, error) {
		return gateway.PaymentResult{Success: false, Status: gateway.StatusFailed, ErrorCode: "network_error", Message: "timeout"}, nil
	}
	up := mock.New(gateway.TypePayPal)

	enforcer, err := policy.NewEnforcer([]policy.RuleConfig{
		{Name: "fallback-on-outage", Effect: policy.EffectAllowFallback, Expression: "networkError == true"},
	})
	require.NoError(t, err)

	f := newFixture(t, orchestrator.Deps{Enforcer: enforcer, FallbackEnabled: true},
		map[gateway.Type]gateway.Adapter{gateway.TypeStripe: down, gateway.TypePayPal: up})
	sess := seedSession(t, f.store, "49.99", "USD")

	result, err := f.orch.ProcessPayment(context.Background(), sess.ID, "comp_1", gateway.TypeStripe,
		gateway.PaymentMethod{Kind: gateway.MethodCard, Token: "tok_visa"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, up.Calls["process_payment"])

	stored, _ := f.store.FindByID(context.Background(), sess.ID)
	assert.Equal(t, gateway.StatusSucceeded, stored.Status)
	assert.Equal(t, gateway.TypePayPal, stored.SelectedGateway)
}

func TestProcessPayment_NoFallbackOnDecline(t *testing.T) {
	declining := mock.New(gateway.TypeStripe)
	declining.ProcessPaymentFunc = func(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentResult, error) {
		return gateway.PaymentResult{Success: false, Status: gateway.StatusFailed, ErrorCode: "card_declined"}, nil
	}
	other := mock.New(gateway.TypePayPal)

	enforcer, err := policy.NewEnforcer([]policy.RuleConfig{
		{Name: "fallback-on-outage", Effect: policy.EffectAllowFallback, Expression: "networkError == true"},
	})
	require.NoError(t, err)

	f := newFixture(t, orchestrator.Deps{Enforcer: enforcer, FallbackEnabled: true},
		map[gateway.Type]gateway.Adapter{gateway.TypeStripe: declining, gateway.TypePayPal: other})
	sess := seedSession(t, f.store, "49.99", "USD")

	result, err := f.orch.ProcessPayment(context.Background(), sess.ID, "comp_1", gateway.TypeStripe,
		gateway.PaymentMethod{Kind: gateway.MethodCard, Token: "tok_declined"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Zero(t, other.Calls["process_payment"], "declines never fall back")
}

func TestProcessPayment_FallbackOffByDefault(t *testing.T) {
	down := mock.New(gateway.TypeStripe)
	down.ProcessPaymentFunc = func(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentResult, error) {
		return gateway.PaymentResult{Success: false, Status: gateway.StatusFailed, ErrorCode: "network_error"}, nil
	}
	other := mock.New(gateway.TypePayPal)

	f := newFixture(t, orchestrator.Deps{},
		map[gateway.Type]gateway.Adapter{gateway.TypeStripe: down, gateway.TypePayPal: other})
	sess := seedSession(t, f.store, "49.99", "USD")

	result, err := f.orch.ProcessPayment(context.Background(), sess.ID, "comp_1", gateway.TypeStripe,
		gateway.PaymentMethod{Kind: gateway.MethodCard, Token: "tok_visa"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Zero(t, other.Calls["process_payment"])
}

func TestGetClientConfig_NoSecrets(t *testing.T) {
	stripeMock := mock.New(gateway.TypeStripe)
	stripeMock.ClientConfigFunc = func() map[string]string {
		return map[string]string{"publishableKey": "pk_test_abc", "environment": "sandbox"}
	}
	f := newFixture(t, orchestrator.Deps{}, map[gateway.Type]gateway.Adapter{gateway.TypeStripe: stripeMock})

	cfg, err := f.orch.GetClientConfig(context.Background(), "comp_1", gateway.TypeStripe)
	require.NoError(t, err)
	assert.Equal(t, "pk_test_abc", cfg["publishableKey"])
	for k := range cfg {
		assert.NotContains(t, k, "secret")
	}
}

func TestGetAvailableGateways_OnlyResolvable(t *testing.T) {
	f := newFixture(t, orchestrator.Deps{}, map[gateway.Type]gateway.Adapter{
		gateway.TypeStripe: mock.New(gateway.TypeStripe),
		gateway.TypeSquare: mock.New(gateway.TypeSquare),
	})

	infos := f.orch.GetAvailableGateways(context.Background(), "comp_1")
	types := make([]gateway.Type, 0, len(infos))
	for _, info := range infos {
		types = append(types, info.Type)
	}
	assert.ElementsMatch(t, []gateway.Type{gateway.TypeStripe, gateway.TypeSquare}, types)
}

func TestRecorder_SeesPaymentAttempts(t *testing.T) {
	f := newFixture(t, orchestrator.Deps{}, map[gateway.Type]gateway.Adapter{gateway.TypeStripe: mock.New(gateway.TypeStripe)})
	sess := seedSession(t, f.store, "49.99", "USD")

	_, err := f.orch.ProcessPayment(context.Background(), sess.ID, "comp_1", gateway.TypeStripe,
		gateway.PaymentMethod{Kind: gateway.MethodCard, Token: "tok_visa"})
	require.NoError(t, err)

	report := f.recorder.GenerateRetrospective()
	assert.Equal(t, 1, report.SuccessfulPayments)
	assert.True(t, report.TotalAmountProcessed.Equal(decimal.RequireFromString("49.99")))
}

// flakyStore fails selected writes to exercise recovery paths.
type flakyStore struct {
	session.Store
	failStatusWrites int
	failUpdates      bool
}

func (s *flakyStore) UpdateStatusIf(ctx context.Context, id string, from []gateway.Status, upd session.Update) error {
	if s.failStatusWrites > 0 {
		s.failStatusWrites--
		return assert.AnError
	}
	return s.Store.UpdateStatusIf(ctx, id, from, upd)
}

func (s *flakyStore) Update(ctx context.Context, id string, upd session.Update) error {
	if s.failUpdates {
		return assert.AnError
	}
	return s.Store.Update(ctx, id, upd)
}

func TestOrderFlow_WebhookResolvesPaymentIDBeforeCapture(t *testing.T) {
	mpMock := mock.New(gateway.TypeMercadoPago)
	mpMock.CreateOrderFunc = func(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentResult, error) {
		return gateway.PaymentResult{
			Status:               gateway.StatusRequiresAction,
			GatewayTransactionID: "1234-pref-abcd",
			RequiresAction:       &gateway.RequiredAction{Kind: gateway.ActionRedirect, RedirectURL: "https://pay.example/approve"},
		}, nil
	}
	var capturedID string
	mpMock.CaptureOrderFunc = func(ctx context.Context, orderID string) (gateway.PaymentResult, error) {
		capturedID = orderID
		return gateway.PaymentResult{Success: true, Status: gateway.StatusSucceeded, GatewayTransactionID: orderID}, nil
	}
	f := newFixture(t, orchestrator.Deps{}, map[gateway.Type]gateway.Adapter{gateway.TypeMercadoPago: mpMock})
	sess := seedSession(t, f.store, "49.99", "USD")
	// The network reports the settling payment id only via webhook; the
	// session still holds the preference id from order creation.
	mpMock.HandleWebhookFunc = func(ctx context.Context, payload []byte, signature string) (gateway.WebhookEvent, error) {
		return gateway.WebhookEvent{
			ID: "evt_mp_1", Type: gateway.EventPaymentPending,
			GatewayTransactionID: "555", SessionRef: sess.ID, Verified: true,
		}, nil
	}

	_, err := f.orch.CreateOrder(context.Background(), sess.ID, "comp_1", gateway.TypeMercadoPago,
		"https://shop.example/return", "https://shop.example/cancel")
	require.NoError(t, err)
	stored, _ := f.store.FindByID(context.Background(), sess.ID)
	assert.Equal(t, "1234-pref-abcd", stored.GatewaySessionID)

	_, err = f.orch.HandleWebhook(context.Background(), gateway.TypeMercadoPago, "comp_1", []byte(`{}`), "sig")
	require.NoError(t, err)
	stored, _ = f.store.FindByID(context.Background(), sess.ID)
	assert.Equal(t, "555", stored.GatewaySessionID, "the pending event re-keys the session to the payment id")
	assert.Equal(t, gateway.StatusRequiresAction, stored.Status, "a pending event never transitions the session")

	captured, err := f.orch.CaptureOrder(context.Background(), sess.ID, "comp_1")
	require.NoError(t, err)
	assert.True(t, captured.Success)
	assert.Equal(t, "555", capturedID, "capture reconciles against the payment id, not the preference id")

	stored, _ = f.store.FindByID(context.Background(), sess.ID)
	assert.Equal(t, gateway.StatusSucceeded, stored.Status)
}

func TestHandleWebhook_StoreFailureDoesNotConsumeClaim(t *testing.T) {
	stripeMock := mock.New(gateway.TypeStripe)
	stripeMock.HandleWebhookFunc = func(ctx context.Context, payload []byte, signature string) (gateway.WebhookEvent, error) {
		return gateway.WebhookEvent{
			ID: "evt_retry", Type: gateway.EventPaymentSucceeded,
			GatewayTransactionID: "pi_123", Verified: true,
		}, nil
	}
	store := session.NewMemoryStore()
	flaky := &flakyStore{Store: store, failStatusWrites: 1}
	orch, err := orchestrator.New(orchestrator.Deps{
		Adapters:    &fakeSource{adapters: map[gateway.Type]gateway.Adapter{gateway.TypeStripe: stripeMock}},
		Credentials: &fakeResolver{creds: map[gateway.Type]gateway.Credentials{gateway.TypeStripe: {Environment: gateway.EnvSandbox, SecretKey: "sk_test"}}},
		Sessions:    flaky,
	})
	require.NoError(t, err)
	sess := seedSession(t, store, "49.99", "USD")
	require.NoError(t, store.Update(context.Background(), sess.ID, session.Update{
		Status:           session.StatusPtr(gateway.StatusProcessing),
		GatewaySessionID: session.StringPtr("pi_123"),
	}))

	_, err = orch.HandleWebhook(context.Background(), gateway.TypeStripe, "comp_1", []byte(`{}`), "sig")
	require.Error(t, err, "a failed write must surface so the gateway redelivers")

	// The redelivery is not a duplicate: the claim was released.
	_, err = orch.HandleWebhook(context.Background(), gateway.TypeStripe, "comp_1", []byte(`{}`), "sig")
	require.NoError(t, err)
	stored, _ := store.FindByID(context.Background(), sess.ID)
	assert.Equal(t, gateway.StatusSucceeded, stored.Status)
}

func TestProcessPayment_FallbackPersistFailureIsLogged(t *testing.T) {
	down := mock.New(gateway.TypeStripe)
	down.ProcessPaymentFunc = func(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentResult, error) {
		return gateway.PaymentResult{Success: false, Status: gateway.StatusFailed, ErrorCode: "network_error"}, nil
	}
	up := mock.New(gateway.TypePayPal)
	enforcer, err := policy.NewEnforcer([]policy.RuleConfig{
		{Name: "fallback-on-outage", Effect: policy.EffectAllowFallback, Expression: "networkError == true"},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	store := session.NewMemoryStore()
	creds := map[gateway.Type]gateway.Credentials{
		gateway.TypeStripe: {Environment: gateway.EnvSandbox, SecretKey: "sk_a"},
		gateway.TypePayPal: {Environment: gateway.EnvSandbox, SecretKey: "sk_b"},
	}
	orch, err := orchestrator.New(orchestrator.Deps{
		Adapters:        &fakeSource{adapters: map[gateway.Type]gateway.Adapter{gateway.TypeStripe: down, gateway.TypePayPal: up}},
		Credentials:     &fakeResolver{creds: creds},
		Sessions:        &flakyStore{Store: store, failUpdates: true},
		Enforcer:        enforcer,
		FallbackEnabled: true,
		Logger:          log.New(&buf, "", 0),
	})
	require.NoError(t, err)
	sess := seedSession(t, store, "49.99", "USD")

	result, err := orch.ProcessPayment(context.Background(), sess.ID, "comp_1", gateway.TypeStripe,
		gateway.PaymentMethod{Kind: gateway.MethodCard, Token: "tok_visa"})
	require.NoError(t, err)
	assert.True(t, result.Success, "the charge stands even when the bookkeeping write fails")
	assert.Contains(t, buf.String(), "persisting fallback gateway")
}
