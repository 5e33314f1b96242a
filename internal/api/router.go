// Package api exposes the payment core over HTTP with gin. Handlers
// translate between wire requests and orchestrator calls; all payment
// semantics live below this layer.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/yourorg/checkout-payments/internal/monitor"
	"github.com/yourorg/checkout-payments/internal/orchestrator"
	"github.com/yourorg/checkout-payments/internal/reporting"
)

// Server bundles the HTTP dependencies.
type Server struct {
	orch     *orchestrator.Orchestrator
	monitor  *monitor.ContractMonitor
	recorder *reporting.Recorder
}

// NewServer creates the HTTP layer. monitor and recorder may be nil.
func NewServer(orch *orchestrator.Orchestrator, cm *monitor.ContractMonitor, recorder *reporting.Recorder) *Server {
	return &Server{orch: orch, monitor: cm, recorder: recorder}
}

// Router builds the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(otelgin.Middleware("checkout-payments"))

	payments := r.Group("/payments")
	{
		payments.POST("/process", s.processPayment)
		payments.POST("/intent", s.createIntent)
		payments.POST("/intent/confirm", s.confirmIntent)
		payments.POST("/order", s.createOrder)
		payments.POST("/order/capture", s.captureOrder)
		payments.POST("/refund", s.processRefund)
	}

	r.GET("/gateways", s.listGateways)
	r.GET("/gateways/:type/client-config", s.clientConfig)
	r.POST("/webhooks/:gateway", s.handleWebhook)
	r.GET("/reports/retrospective", s.retrospectiveReport)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func bindJSONBytes(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
