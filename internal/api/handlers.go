package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/yourorg/checkout-payments/internal/gateway"
	"github.com/yourorg/checkout-payments/internal/monitor"
	"github.com/yourorg/checkout-payments/internal/orchestrator"
	"github.com/yourorg/checkout-payments/internal/session"
)

type processRequest struct {
	SessionID string                `json:"sessionId" binding:"required"`
	CompanyID string                `json:"companyId" binding:"required"`
	Gateway   gateway.Type          `json:"gateway" binding:"required"`
	Amount    string                `json:"amount"`
	Currency  string                `json:"currency"`
	Method    gateway.PaymentMethod `json:"paymentMethod"`
}

type intentRequest struct {
	SessionID string                `json:"sessionId" binding:"required"`
	CompanyID string                `json:"companyId" binding:"required"`
	Gateway   gateway.Type          `json:"gateway" binding:"required"`
	Method    gateway.PaymentMethod `json:"paymentMethod"`
}

type sessionOnlyRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	CompanyID string `json:"companyId" binding:"required"`
}

type orderRequest struct {
	SessionID string       `json:"sessionId" binding:"required"`
	CompanyID string       `json:"companyId" binding:"required"`
	Gateway   gateway.Type `json:"gateway" binding:"required"`
	ReturnURL string       `json:"returnUrl"`
	CancelURL string       `json:"cancelUrl"`
}

type refundRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	CompanyID string `json:"companyId" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Reason    string `json:"reason"`
}

// respondError maps the orchestrator's error taxonomy onto HTTP codes.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case gateway.IsSessionStateError(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case gateway.IsUnsupportedOperation(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case gateway.IsCredentialError(err), errors.Is(err, gateway.ErrUnknownGateway):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrRefundExceedsAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "payment processing failed"})
	}
}

func (s *Server) processPayment(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
		return
	}

	if s.monitor != nil {
		ok, validationErrs, err := s.monitor.Validate(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "request is not valid JSON"})
			return
		}
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": monitor.FormatErrors(validationErrs)})
			return
		}
	}

	var req processRequest
	if err := bindJSONBytes(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	result, err := s.orch.ProcessPayment(c.Request.Context(), req.SessionID, req.CompanyID, req.Gateway, req.Method)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) createIntent(c *gin.Context) {
	var req intentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	result, err := s.orch.CreateIntent(c.Request.Context(), req.SessionID, req.CompanyID, req.Gateway, req.Method)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) confirmIntent(c *gin.Context) {
	var req sessionOnlyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	result, err := s.orch.ConfirmIntent(c.Request.Context(), req.SessionID, req.CompanyID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) createOrder(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	result, err := s.orch.CreateOrder(c.Request.Context(), req.SessionID, req.CompanyID, req.Gateway, req.ReturnURL, req.CancelURL)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) captureOrder(c *gin.Context) {
	var req sessionOnlyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	result, err := s.orch.CaptureOrder(c.Request.Context(), req.SessionID, req.CompanyID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) processRefund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid refund amount"})
		return
	}
	result, err := s.orch.ProcessRefund(c.Request.Context(), req.SessionID, req.CompanyID, amount, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) listGateways(c *gin.Context) {
	companyID := c.Query("companyId")
	if companyID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "companyId query parameter is required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"gateways": s.orch.GetAvailableGateways(c.Request.Context(), companyID)})
}

func (s *Server) clientConfig(c *gin.Context) {
	companyID := c.Query("companyId")
	if companyID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "companyId query parameter is required"})
		return
	}
	cfg, err := s.orch.GetClientConfig(c.Request.Context(), companyID, gateway.Type(c.Param("type")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// handleWebhook accepts raw gateway notifications. The signature header
// is gateway-specific, so every known header is tried.
func (s *Server) handleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable payload"})
		return
	}
	companyID := c.GetHeader("X-Company-ID")
	if companyID == "" {
		companyID = c.Query("companyId")
	}

	signature := firstHeader(c,
		"Stripe-Signature",
		"Paypal-Transmission-Sig",
		"X-Square-Hmacsha256-Signature",
		"X-Signature",
	)

	event, err := s.orch.HandleWebhook(c.Request.Context(), gateway.Type(c.Param("gateway")), companyID, payload, signature)
	if err != nil {
		if gateway.IsUnsupportedOperation(err) || gateway.IsCredentialError(err) || errors.Is(err, gateway.ErrUnknownGateway) {
			respondError(c, err)
			return
		}
		// Verification failures return 400 so the gateway retries.
		c.JSON(http.StatusBadRequest, gin.H{"error": "webhook rejected"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "eventType": event.Type})
}

func (s *Server) retrospectiveReport(c *gin.Context) {
	if s.recorder == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "reporting is not enabled"})
		return
	}
	c.JSON(http.StatusOK, s.recorder.GenerateRetrospective())
}

func firstHeader(c *gin.Context, names ...string) string {
	for _, name := range names {
		if v := c.GetHeader(name); v != "" {
			return v
		}
	}
	return ""
}
