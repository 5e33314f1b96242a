// Package orchestrator coordinates payment operations end to end:
// credential resolution, adapter dispatch, capability and circuit
// breaker gating, status-conditioned session writes, and webhook-driven
// transitions. It is the only package that mutates sessions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/checkout-payments/internal/circuitbreaker"
	"github.com/yourorg/checkout-payments/internal/gateway"
	"github.com/yourorg/checkout-payments/internal/gateway/factory"
	"github.com/yourorg/checkout-payments/internal/metrics"
	"github.com/yourorg/checkout-payments/internal/policy"
	"github.com/yourorg/checkout-payments/internal/reporting"
	"github.com/yourorg/checkout-payments/internal/session"
	"github.com/yourorg/checkout-payments/internal/webhook"
)

// ErrRefundExceedsAmount rejects refunds larger than what the session
// has left to refund.
var ErrRefundExceedsAmount = errors.New("refund amount exceeds refundable session amount")

// AdapterSource hands out adapter instances per credential set. The
// factory implements it; tests substitute fakes.
type AdapterSource interface {
	Adapter(cfg factory.Config) (gateway.Adapter, error)
}

// CredentialResolver materializes gateway credentials for a company.
type CredentialResolver interface {
	Resolve(ctx context.Context, companyID string, gw gateway.Type) (gateway.Credentials, error)
}

// Deps carries the orchestrator's collaborators. Breaker, enforcer,
// dedup and recorder may be nil; nil disables the concern.
type Deps struct {
	Adapters        AdapterSource
	Credentials     CredentialResolver
	Sessions        session.Store
	Breaker         *circuitbreaker.CircuitBreaker
	Enforcer        *policy.Enforcer
	Dedup           webhook.DedupStore
	Recorder        *reporting.Recorder
	FallbackEnabled bool
	Logger          *log.Logger
}

// Orchestrator executes payment operations against resolved adapters.
type Orchestrator struct {
	adapters        AdapterSource
	creds           CredentialResolver
	sessions        session.Store
	breaker         *circuitbreaker.CircuitBreaker
	enforcer        *policy.Enforcer
	dedup           webhook.DedupStore
	recorder        *reporting.Recorder
	fallbackEnabled bool
	logger          *log.Logger
	tracer          trace.Tracer
}

// New creates an orchestrator. Adapters, Credentials and Sessions are
// mandatory.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Adapters == nil || deps.Credentials == nil || deps.Sessions == nil {
		return nil, errors.New("orchestrator requires adapters, credentials and sessions")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	dedup := deps.Dedup
	if dedup == nil {
		dedup = webhook.NewMemoryDedup()
	}
	return &Orchestrator{
		adapters:        deps.Adapters,
		creds:           deps.Credentials,
		sessions:        deps.Sessions,
		breaker:         deps.Breaker,
		enforcer:        deps.Enforcer,
		dedup:           dedup,
		recorder:        deps.Recorder,
		fallbackEnabled: deps.FallbackEnabled,
		logger:          logger,
		tracer:          otel.Tracer("orchestrator"),
	}, nil
}

// GatewayInfo describes one gateway available to a company.
type GatewayInfo struct {
	Type         gateway.Type         `json:"type"`
	Environment  gateway.Environment  `json:"environment"`
	Capabilities gateway.Capabilities `json:"capabilities"`
}

func (o *Orchestrator) adapterFor(ctx context.Context, companyID string, gw gateway.Type) (gateway.Adapter, error) {
	creds, err := o.creds.Resolve(ctx, companyID, gw)
	if err != nil {
		return nil, err
	}
	return o.adapters.Adapter(factory.Config{Type: gw, Credentials: creds})
}

func (o *Orchestrator) allowed(gw gateway.Type) bool {
	return o.breaker == nil || o.breaker.Allow(gw)
}

// isNetworkFailure classifies failed results whose cause is transport or
// protocol trouble rather than a gateway decision.
func isNetworkFailure(r gateway.PaymentResult) bool {
	if r.Success {
		return false
	}
	return r.ErrorCode == "network_error" || r.ErrorCode == "malformed_response" || r.ErrorCode == "gateway_unavailable"
}

func (o *Orchestrator) recordOutcome(gw gateway.Type, operation string, sess *session.Session, result gateway.PaymentResult, started time.Time) {
	status := "failure"
	if result.Success {
		status = "success"
	}
	metrics.PaymentOperations.WithLabelValues(string(gw), operation, status).Inc()
	metrics.OperationDuration.WithLabelValues(string(gw), operation).Observe(time.Since(started).Seconds())

	if o.breaker != nil {
		if isNetworkFailure(result) {
			o.breaker.RecordFailure(gw)
		} else {
			o.breaker.RecordSuccess(gw)
		}
	}

	if o.recorder != nil && sess != nil {
		o.recorder.Record(reporting.Entry{
			SessionID:     sess.ID,
			CompanyID:     sess.CompanyID,
			Gateway:       gw,
			Operation:     operation,
			Status:        result.Status,
			Amount:        sess.Amount,
			Currency:      sess.Currency,
			ErrorCode:     result.ErrorCode,
			ErrorMessage:  result.Message,
			DurationMilli: time.Since(started).Milliseconds(),
		})
	}
}

// applyOutcome writes a result's status to the session, conditioned on
// the statuses the session may legitimately be in. A conflict means a
// concurrent writer (usually a webhook) got there first; the fresher
// state wins and the conflict is only logged.
func (o *Orchestrator) applyOutcome(ctx context.Context, sessionID string, result gateway.PaymentResult, from []gateway.Status) {
	upd := session.Update{Status: session.StatusPtr(result.Status)}
	if result.GatewayTransactionID != "" {
		upd.GatewaySessionID = session.StringPtr(result.GatewayTransactionID)
	}
	switch result.Status {
	case gateway.StatusSucceeded:
		upd.CompletedAt = session.TimePtr(time.Now().UTC())
	case gateway.StatusFailed, gateway.StatusCancelled:
		upd.FailedAt = session.TimePtr(time.Now().UTC())
		reason := result.Message
		if reason == "" {
			reason = result.ErrorCode
		}
		upd.FailureReason = session.StringPtr(reason)
	}

	err := o.sessions.UpdateStatusIf(ctx, sessionID, from, upd)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrStatusConflict):
		o.logger.Printf("orchestrator: session %s already moved past %v, keeping newer state", sessionID, from)
	default:
		o.logger.Printf("orchestrator: session %s update failed: %v", sessionID, err)
	}
}

// buildRequest assembles the adapter request from the session record,
// which is authoritative for amount and currency.
func buildRequest(sess *session.Session, method gateway.PaymentMethod, returnURL, cancelURL string) gateway.PaymentRequest {
	return gateway.PaymentRequest{
		SessionID:     sess.ID,
		TransactionID: uuid.NewString(),
		Amount:        sess.Amount,
		Currency:      sess.Currency,
		Method:        method,
		ReturnURL:     returnURL,
		CancelURL:     cancelURL,
		Metadata:      map[string]string{"sessionId": sess.ID},
	}
}

// CreateIntent starts the intent flow on an intent-capable gateway. The
// session moves to processing and records the intent id; the returned
// client secret travels to the browser verbatim.
func (o *Orchestrator) CreateIntent(ctx context.Context, sessionID, companyID string, gw gateway.Type, method gateway.PaymentMethod) (gateway.PaymentResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.CreateIntent",
		trace.WithAttributes(attribute.String("gateway", string(gw))))
	defer span.End()
	started := time.Now()

	sess, err := o.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return gateway.PaymentResult{}, err
	}

	adapter, err := o.adapterFor(ctx, companyID, gw)
	if err != nil {
		return gateway.PaymentResult{}, err
	}
	intents, ok := adapter.(gateway.IntentGateway)
	if !ok || !adapter.Capabilities().Intents {
		return gateway.PaymentResult{}, gateway.NewUnsupportedOperation(gw, "create_intent")
	}
	if !o.allowed(gw) {
		return unavailableResult(gw), nil
	}

	if err := o.sessions.UpdateStatusIf(ctx, sessionID,
		[]gateway.Status{gateway.StatusPending, gateway.StatusRequiresAction, gateway.StatusFailed},
		session.Update{Status: session.StatusPtr(gateway.StatusProcessing), SelectedGateway: session.TypePtr(gw)},
	); err != nil {
		if errors.Is(err, session.ErrStatusConflict) {
			return gateway.PaymentResult{}, &gateway.SessionStateError{SessionID: sessionID, Current: sess.Status, Operation: "create_intent"}
		}
		return gateway.PaymentResult{}, err
	}

	result, err := intents.CreatePaymentIntent(ctx, buildRequest(sess, method, "", ""))
	if err != nil {
		o.applyOutcome(ctx, sessionID, failureFor(err), []gateway.Status{gateway.StatusProcessing})
		return gateway.PaymentResult{}, err
	}

	if result.Status == gateway.StatusFailed {
		o.applyOutcome(ctx, sessionID, result, []gateway.Status{gateway.StatusProcessing})
	} else if result.GatewayTransactionID != "" {
		// Intent created; the session stays processing until confirmation.
		if err := o.sessions.Update(ctx, sessionID, session.Update{
			GatewaySessionID: session.StringPtr(result.GatewayTransactionID),
		}); err != nil {
			o.logger.Printf("orchestrator: persisting intent id for session %s: %v", sessionID, err)
		}
	}

	o.recordOutcome(gw, "create_intent", sess, result, started)
	return result, nil
}

// ConfirmIntent confirms the session's pending intent and applies the
// terminal outcome.
func (o *Orchestrator) ConfirmIntent(ctx context.Context, sessionID, companyID string) (gateway.PaymentResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.ConfirmIntent")
	defer span.End()
	started := time.Now()

	sess, err := o.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return gateway.PaymentResult{}, err
	}
	if sess.SelectedGateway == "" || sess.GatewaySessionID == "" {
		return gateway.PaymentResult{}, &gateway.SessionStateError{SessionID: sessionID, Current: sess.Status, Operation: "confirm_intent"}
	}
	gw := sess.SelectedGateway

	adapter, err := o.adapterFor(ctx, companyID, gw)
	if err != nil {
		return gateway.PaymentResult{}, err
	}
	intents, ok := adapter.(gateway.IntentGateway)
	if !ok || !adapter.Capabilities().Intents {
		return gateway.PaymentResult{}, gateway.NewUnsupportedOperation(gw, "confirm_intent")
	}
	if !o.allowed(gw) {
		return unavailableResult(gw), nil
	}

	result, err := intents.ConfirmPaymentIntent(ctx, sess.GatewaySessionID)
	if err != nil {
		return gateway.PaymentResult{}, err
	}

	o.applyOutcome(ctx, sessionID, result,
		[]gateway.Status{gateway.StatusPending, gateway.StatusProcessing, gateway.StatusRequiresAction})
	o.recordOutcome(gw, "confirm_intent", sess, result, started)
	return result, nil
}

// CreateOrder starts the redirect flow. On success the session moves to
// requires_action and holds the order id; the approval URL in the result
// is the gateway's, unmodified.
func (o *Orchestrator) CreateOrder(ctx context.Context, sessionID, companyID string, gw gateway.Type, returnURL, cancelURL string) (gateway.PaymentResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.CreateOrder",
		trace.WithAttributes(attribute.String("gateway", string(gw))))
	defer span.End()
	started := time.Now()

	sess, err := o.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return gateway.PaymentResult{}, err
	}

	adapter, err := o.adapterFor(ctx, companyID, gw)
	if err != nil {
		return gateway.PaymentResult{}, err
	}
	orders, ok := adapter.(gateway.OrderGateway)
	if !ok || !adapter.Capabilities().Orders {
		return gateway.PaymentResult{}, gateway.NewUnsupportedOperation(gw, "create_order")
	}
	if !o.allowed(gw) {
		return unavailableResult(gw), nil
	}

	if err := o.sessions.UpdateStatusIf(ctx, sessionID,
		[]gateway.Status{gateway.StatusPending, gateway.StatusFailed},
		session.Update{Status: session.StatusPtr(gateway.StatusProcessing), SelectedGateway: session.TypePtr(gw)},
	); err != nil {
		if errors.Is(err, session.ErrStatusConflict) {
			return gateway.PaymentResult{}, &gateway.SessionStateError{SessionID: sessionID, Current: sess.Status, Operation: "create_order"}
		}
		return gateway.PaymentResult{}, err
	}

	result, err := orders.CreateOrder(ctx, buildRequest(sess, gateway.PaymentMethod{}, returnURL, cancelURL))
	if err != nil {
		o.applyOutcome(ctx, sessionID, failureFor(err), []gateway.Status{gateway.StatusProcessing})
		return gateway.PaymentResult{}, err
	}

	o.applyOutcome(ctx, sessionID, result, []gateway.Status{gateway.StatusProcessing})
	o.recordOutcome(gw, "create_order", sess, result, started)
	return result, nil
}

// CaptureOrder captures the session's approved order. A created-but-
// unapproved order captures to a failed result, never to success.
func (o *Orchestrator) CaptureOrder(ctx context.Context, sessionID, companyID string) (gateway.PaymentResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.CaptureOrder")
	defer span.End()
	started := time.Now()

	sess, err := o.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return gateway.PaymentResult{}, err
	}
	if sess.SelectedGateway == "" || sess.GatewaySessionID == "" {
		return gateway.PaymentResult{}, &gateway.SessionStateError{SessionID: sessionID, Current: sess.Status, Operation: "capture_order"}
	}
	gw := sess.SelectedGateway

	adapter, err := o.adapterFor(ctx, companyID, gw)
	if err != nil {
		return gateway.PaymentResult{}, err
	}
	orders, ok := adapter.(gateway.OrderGateway)
	if !ok || !adapter.Capabilities().Orders {
		return gateway.PaymentResult{}, gateway.NewUnsupportedOperation(gw, "capture_order")
	}
	if !o.allowed(gw) {
		return unavailableResult(gw), nil
	}

	result, err := orders.CaptureOrder(ctx, sess.GatewaySessionID)
	if err != nil {
		return gateway.PaymentResult{}, err
	}

	o.applyOutcome(ctx, sessionID, result,
		[]gateway.Status{gateway.StatusProcessing, gateway.StatusRequiresAction})
	o.recordOutcome(gw, "capture_order", sess, result, started)
	return result, nil
}

// ProcessPayment runs the single-call charge flow. The session is moved
// to processing with a conditioned write before any network call; losing
// that race fails the request instead of double-charging.
func (o *Orchestrator) ProcessPayment(ctx context.Context, sessionID, companyID string, gw gateway.Type, method gateway.PaymentMethod) (gateway.PaymentResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.ProcessPayment",
		trace.WithAttributes(attribute.String("gateway", string(gw))))
	defer span.End()
	started := time.Now()

	sess, err := o.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return gateway.PaymentResult{}, err
	}

	if err := o.sessions.UpdateStatusIf(ctx, sessionID,
		[]gateway.Status{gateway.StatusPending, gateway.StatusRequiresAction, gateway.StatusFailed},
		session.Update{Status: session.StatusPtr(gateway.StatusProcessing), SelectedGateway: session.TypePtr(gw)},
	); err != nil {
		if errors.Is(err, session.ErrStatusConflict) {
			return gateway.PaymentResult{}, &gateway.SessionStateError{SessionID: sessionID, Current: sess.Status, Operation: "process_payment"}
		}
		return gateway.PaymentResult{}, err
	}

	result, err := o.attemptPayment(ctx, companyID, gw, buildRequest(sess, method, "", ""))
	if err != nil {
		o.applyOutcome(ctx, sessionID, failureFor(err), []gateway.Status{gateway.StatusProcessing})
		return gateway.PaymentResult{}, err
	}
	o.recordOutcome(gw, "process_payment", sess, result, started)

	if isNetworkFailure(result) {
		if fb, fbGw, ok := o.tryFallback(ctx, companyID, gw, sess, method); ok {
			result = fb
			o.recordOutcome(fbGw, "process_payment", sess, result, started)
			if result.Success {
				if updErr := o.sessions.Update(ctx, sessionID, session.Update{SelectedGateway: session.TypePtr(fbGw)}); updErr != nil {
					o.logger.Printf("orchestrator: persisting fallback gateway %s for session %s: %v", fbGw, sessionID, updErr)
				}
			}
		}
	}

	o.applyOutcome(ctx, sessionID, result, []gateway.Status{gateway.StatusProcessing})
	return result, nil
}

func (o *Orchestrator) attemptPayment(ctx context.Context, companyID string, gw gateway.Type, req gateway.PaymentRequest) (gateway.PaymentResult, error) {
	if !o.allowed(gw) {
		return unavailableResult(gw), nil
	}
	adapter, err := o.adapterFor(ctx, companyID, gw)
	if err != nil {
		return gateway.PaymentResult{}, err
	}
	return adapter.ProcessPayment(ctx, req)
}

// tryFallback asks the policy engine whether a network-level failure may
// move to another gateway, and runs at most one alternate attempt.
// Declines never fall back; a second charge after a decline is a
// double-charge risk, not resilience.
func (o *Orchestrator) tryFallback(ctx context.Context, companyID string, failed gateway.Type, sess *session.Session, method gateway.PaymentMethod) (gateway.PaymentResult, gateway.Type, bool) {
	if !o.fallbackEnabled || o.enforcer == nil {
		return gateway.PaymentResult{}, "", false
	}
	amount, _ := sess.Amount.Float64()
	decision := o.enforcer.Evaluate(policy.Attributes{
		Gateway:      failed,
		Operation:    "process_payment",
		Amount:       amount,
		Currency:     sess.Currency,
		NetworkError: true,
		Attempt:      1,
	})
	if !decision.AllowFallback {
		return gateway.PaymentResult{}, "", false
	}

	for _, candidate := range gateway.Types() {
		if candidate == failed || !o.allowed(candidate) {
			continue
		}
		if _, err := o.creds.Resolve(ctx, companyID, candidate); err != nil {
			continue
		}
		o.logger.Printf("orchestrator: session %s falling back from %s to %s", sess.ID, failed, candidate)
		result, err := o.attemptPayment(ctx, companyID, candidate, buildRequest(sess, method, "", ""))
		if err != nil {
			continue
		}
		return result, candidate, true
	}
	return gateway.PaymentResult{}, "", false
}

// ProcessRefund returns funds on a succeeded session. The session's
// primary status is never regressed: refunds are annotated in metadata.
func (o *Orchestrator) ProcessRefund(ctx context.Context, sessionID, companyID string, amount decimal.Decimal, reason string) (gateway.RefundResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.ProcessRefund")
	defer span.End()
	started := time.Now()

	sess, err := o.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return gateway.RefundResult{}, err
	}
	if sess.Status != gateway.StatusSucceeded {
		return gateway.RefundResult{}, &gateway.SessionStateError{SessionID: sessionID, Current: sess.Status, Operation: "process_refund"}
	}
	if sess.SelectedGateway == "" || sess.GatewaySessionID == "" {
		return gateway.RefundResult{}, &gateway.SessionStateError{SessionID: sessionID, Current: sess.Status, Operation: "process_refund"}
	}
	gw := sess.SelectedGateway

	priorRefunded := decimal.Zero
	if prev, ok := sess.Metadata["refundAmount"]; ok {
		if parsed, parseErr := decimal.NewFromString(prev); parseErr == nil {
			priorRefunded = parsed
		}
	}
	if !amount.IsPositive() || amount.Add(priorRefunded).GreaterThan(sess.Amount) {
		return gateway.RefundResult{}, ErrRefundExceedsAmount
	}

	adapter, err := o.adapterFor(ctx, companyID, gw)
	if err != nil {
		return gateway.RefundResult{}, err
	}
	caps := adapter.Capabilities()
	if !caps.Refunds {
		return gateway.RefundResult{}, gateway.NewUnsupportedOperation(gw, "process_refund")
	}
	if amount.LessThan(sess.Amount) && !caps.PartialRefunds {
		return gateway.RefundResult{}, gateway.NewUnsupportedOperation(gw, "partial_refund")
	}
	if !o.allowed(gw) {
		return gateway.RefundResult{
			Status: gateway.RefundFailed, ErrorCode: "gateway_unavailable",
			Message: fmt.Sprintf("%s is temporarily unavailable", gw),
		}, nil
	}

	result, err := adapter.ProcessRefund(ctx, gateway.RefundRequest{
		TransactionID:        uuid.NewString(),
		GatewayTransactionID: sess.GatewaySessionID,
		Amount:               amount,
		Currency:             sess.Currency,
		Reason:               reason,
	})
	if err != nil {
		return gateway.RefundResult{}, err
	}

	if result.Success {
		total := priorRefunded.Add(amount)
		if updErr := o.sessions.UpdateStatusIf(ctx, sessionID,
			[]gateway.Status{gateway.StatusSucceeded},
			session.Update{Metadata: map[string]string{
				"refunded":     "true",
				"refundAmount": total.String(),
			}},
		); updErr != nil {
			o.logger.Printf("orchestrator: annotating refund on session %s: %v", sessionID, updErr)
		}
	}

	o.recordRefund(gw, sess, result, amount, started)
	return result, nil
}

func (o *Orchestrator) recordRefund(gw gateway.Type, sess *session.Session, result gateway.RefundResult, amount decimal.Decimal, started time.Time) {
	status := "failure"
	resultStatus := gateway.StatusFailed
	if result.Success {
		status = "success"
		resultStatus = gateway.StatusSucceeded
	}
	metrics.PaymentOperations.WithLabelValues(string(gw), "process_refund", status).Inc()
	metrics.OperationDuration.WithLabelValues(string(gw), "process_refund").Observe(time.Since(started).Seconds())
	if o.breaker != nil {
		if result.ErrorCode == "network_error" || result.ErrorCode == "gateway_unavailable" {
			o.breaker.RecordFailure(gw)
		} else {
			o.breaker.RecordSuccess(gw)
		}
	}
	if o.recorder != nil {
		o.recorder.Record(reporting.Entry{
			SessionID:     sess.ID,
			CompanyID:     sess.CompanyID,
			Gateway:       gw,
			Operation:     "process_refund",
			Status:        resultStatus,
			Amount:        amount,
			Currency:      sess.Currency,
			ErrorCode:     result.ErrorCode,
			ErrorMessage:  result.Message,
			DurationMilli: time.Since(started).Milliseconds(),
		})
	}
}

// GetClientConfig returns the public-safe credential subset for a
// browser-side widget. Secret keys never appear here.
func (o *Orchestrator) GetClientConfig(ctx context.Context, companyID string, gw gateway.Type) (map[string]string, error) {
	adapter, err := o.adapterFor(ctx, companyID, gw)
	if err != nil {
		return nil, err
	}
	return adapter.ClientConfig(), nil
}

// GetAvailableGateways lists every gateway the company has resolvable
// credentials for, with each adapter's capability declaration.
func (o *Orchestrator) GetAvailableGateways(ctx context.Context, companyID string) []GatewayInfo {
	var out []GatewayInfo
	for _, gw := range gateway.Types() {
		adapter, err := o.adapterFor(ctx, companyID, gw)
		if err != nil {
			continue
		}
		out = append(out, GatewayInfo{
			Type:         gw,
			Environment:  adapter.Environment(),
			Capabilities: adapter.Capabilities(),
		})
	}
	return out
}

// HandleWebhook verifies, de-duplicates and applies a gateway
// notification. Unknown sessions are acknowledged and dropped so the
// gateway stops retrying; signature failures are errors so it retries.
func (o *Orchestrator) HandleWebhook(ctx context.Context, gw gateway.Type, companyID string, payload []byte, signature string) (gateway.WebhookEvent, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.HandleWebhook",
		trace.WithAttributes(attribute.String("gateway", string(gw))))
	defer span.End()

	adapter, err := o.adapterFor(ctx, companyID, gw)
	if err != nil {
		return gateway.WebhookEvent{}, err
	}
	hooks, ok := adapter.(gateway.WebhookGateway)
	if !ok || !adapter.Capabilities().Webhooks {
		return gateway.WebhookEvent{}, gateway.NewUnsupportedOperation(gw, "webhook")
	}

	event, err := hooks.HandleWebhook(ctx, payload, signature)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(string(gw), "rejected").Inc()
		return gateway.WebhookEvent{}, err
	}

	if event.ID != "" {
		first, dedupErr := o.dedup.MarkProcessed(ctx, gw, event.ID)
		if dedupErr != nil {
			return gateway.WebhookEvent{}, dedupErr
		}
		if !first {
			metrics.WebhookEvents.WithLabelValues(string(gw), "duplicate").Inc()
			return event, nil
		}
	}

	sess := o.matchSession(ctx, event)
	if sess == nil {
		metrics.WebhookEvents.WithLabelValues(string(gw), "unmatched").Inc()
		o.logger.Printf("orchestrator: webhook %s/%s matched no session, acknowledged", gw, event.Type)
		return event, nil
	}

	if err := o.applyWebhookTransition(ctx, sess, event); err != nil {
		// The claim must not outlive a failed write, or redeliveries would
		// be swallowed as duplicates.
		if event.ID != "" {
			if relErr := o.dedup.Release(ctx, gw, event.ID); relErr != nil {
				o.logger.Printf("orchestrator: releasing webhook claim %s/%s: %v", gw, event.ID, relErr)
			}
		}
		return gateway.WebhookEvent{}, err
	}
	metrics.WebhookEvents.WithLabelValues(string(gw), "applied").Inc()
	return event, nil
}

func (o *Orchestrator) matchSession(ctx context.Context, event gateway.WebhookEvent) *session.Session {
	if event.SessionRef != "" {
		if sess, err := o.sessions.FindByID(ctx, event.SessionRef); err == nil {
			return sess
		}
	}
	if event.GatewayTransactionID != "" {
		if sess, err := o.sessions.FindByGatewaySessionID(ctx, event.GatewayTransactionID); err == nil {
			return sess
		}
	}
	return nil
}

func (o *Orchestrator) applyWebhookTransition(ctx context.Context, sess *session.Session, event gateway.WebhookEvent) error {
	nonTerminal := []gateway.Status{gateway.StatusPending, gateway.StatusProcessing, gateway.StatusRequiresAction}

	// Redirect networks report the settling payment's id only via webhook;
	// the session may still hold the order or preference id from CreateOrder.
	// Persisting it is what lets a later CaptureOrder reconcile.
	var gatewayID *string
	if event.GatewayTransactionID != "" && event.GatewayTransactionID != sess.GatewaySessionID {
		gatewayID = session.StringPtr(event.GatewayTransactionID)
	}

	var err error
	switch event.Type {
	case gateway.EventPaymentSucceeded:
		err = o.sessions.UpdateStatusIf(ctx, sess.ID, nonTerminal, session.Update{
			Status:           session.StatusPtr(gateway.StatusSucceeded),
			CompletedAt:      session.TimePtr(time.Now().UTC()),
			GatewaySessionID: gatewayID,
		})
	case gateway.EventPaymentFailed:
		err = o.sessions.UpdateStatusIf(ctx, sess.ID, nonTerminal, session.Update{
			Status:           session.StatusPtr(gateway.StatusFailed),
			FailedAt:         session.TimePtr(time.Now().UTC()),
			FailureReason:    session.StringPtr(event.Type),
			GatewaySessionID: gatewayID,
		})
	case gateway.EventPaymentPending:
		if gatewayID == nil {
			return nil
		}
		err = o.sessions.UpdateStatusIf(ctx, sess.ID, nonTerminal,
			session.Update{GatewaySessionID: gatewayID})
	case gateway.EventRefundSucceeded:
		// Refunds annotate; they never regress a succeeded session.
		err = o.sessions.UpdateStatusIf(ctx, sess.ID,
			[]gateway.Status{gateway.StatusSucceeded},
			session.Update{Metadata: map[string]string{"refunded": "true"}})
	default:
		return nil
	}

	if errors.Is(err, session.ErrStatusConflict) {
		o.logger.Printf("orchestrator: webhook %s for session %s arrived after a terminal transition, dropped", event.Type, sess.ID)
		return nil
	}
	return err
}

func unavailableResult(gw gateway.Type) gateway.PaymentResult {
	return gateway.PaymentResult{
		Success:   false,
		Status:    gateway.StatusFailed,
		ErrorCode: "gateway_unavailable",
		Message:   fmt.Sprintf("%s is temporarily unavailable", gw),
	}
}

func failureFor(err error) gateway.PaymentResult {
	return gateway.PaymentResult{
		Success:   false,
		Status:    gateway.StatusFailed,
		ErrorCode: "internal_error",
		Message:   err.Error(),
	}
}
