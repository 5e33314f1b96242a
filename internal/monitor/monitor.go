// Package monitor validates inbound payment requests against a JSON
// schema before they reach the orchestrator, so malformed payloads are
// rejected with field-level detail instead of surfacing as gateway
// errors mid-flow.
package monitor

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// paymentRequestSchema is the contract for the process-payment surface.
// Amount is a string to keep decimal precision out of float territory.
const paymentRequestSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["sessionId", "companyId", "gateway", "amount", "currency"],
	"properties": {
		"sessionId":  {"type": "string", "minLength": 1},
		"companyId":  {"type": "string", "minLength": 1},
		"gateway":    {"type": "string", "enum": ["stripe", "paypal", "nmi", "square", "mercadopago"]},
		"amount":     {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
		"currency":   {"type": "string", "pattern": "^[A-Z]{3}$"},
		"paymentMethod": {
			"type": "object",
			"properties": {
				"kind":  {"type": "string", "enum": ["card", "bank_account", "paypal", "ach"]},
				"token": {"type": "string"}
			}
		},
		"returnUrl": {"type": "string"},
		"cancelUrl": {"type": "string"},
		"metadata": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		}
	},
	"additionalProperties": true
}`

// ContractMonitor validates request bodies against the payment request
// schema.
type ContractMonitor struct {
	schema *gojsonschema.Schema
}

// NewContractMonitor compiles the embedded schema.
func NewContractMonitor() (*ContractMonitor, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(paymentRequestSchema))
	if err != nil {
		return nil, fmt.Errorf("compile payment request schema: %w", err)
	}
	return &ContractMonitor{schema: schema}, nil
}

// Validate checks a raw request body. It returns true when valid, or
// false plus per-field error descriptions.
func (cm *ContractMonitor) Validate(requestBody []byte) (bool, []string, error) {
	result, err := cm.schema.Validate(gojsonschema.NewBytesLoader(requestBody))
	if err != nil {
		return false, nil, fmt.Errorf("validate request: %w", err)
	}
	if result.Valid() {
		return true, nil, nil
	}
	var errs []string
	for _, desc := range result.Errors() {
		errs = append(errs, desc.String())
	}
	return false, errs, nil
}

// FormatErrors joins validation errors into one message for responses.
func FormatErrors(validationErrors []string) string {
	if len(validationErrors) == 0 {
		return ""
	}
	return "validation errors: " + strings.Join(validationErrors, "; ")
}
