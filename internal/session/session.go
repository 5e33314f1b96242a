// Package session holds the persisted checkout session record and its
// store contract. The payment core reads and conditionally updates
// sessions; their creation and expiry belong to a collaborator.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourorg/checkout-payments/internal/gateway"
)

var (
	// ErrNotFound means no session exists for the id.
	ErrNotFound = errors.New("session not found")
	// ErrStatusConflict means a status-conditioned write lost the race:
	// the session was no longer in any of the expected statuses.
	ErrStatusConflict = errors.New("session status conflict")
)

// Session is the checkout session record.
type Session struct {
	ID               string            `json:"id"`
	CompanyID        string            `json:"companyId"`
	Amount           decimal.Decimal   `json:"amount"`
	Currency         string            `json:"currency"`
	SelectedGateway  gateway.Type      `json:"selectedGateway,omitempty"`
	GatewaySessionID string            `json:"gatewaySessionId,omitempty"`
	Status           gateway.Status    `json:"status"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
	FailedAt         *time.Time        `json:"failedAt,omitempty"`
	FailureReason    string            `json:"failureReason,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Update is a partial write; nil fields are left untouched. Metadata
// entries are merged, not replaced.
type Update struct {
	SelectedGateway  *gateway.Type
	GatewaySessionID *string
	Status           *gateway.Status
	CompletedAt      *time.Time
	FailedAt         *time.Time
	FailureReason    *string
	Metadata         map[string]string
}

// Store is the session persistence contract. Writers racing on the same
// session are arbitrated by UpdateStatusIf: the losing racer gets
// ErrStatusConflict instead of silently clobbering a later state.
type Store interface {
	Create(ctx context.Context, s *Session) error
	FindByID(ctx context.Context, id string) (*Session, error)
	FindByGatewaySessionID(ctx context.Context, gatewaySessionID string) (*Session, error)
	Update(ctx context.Context, id string, upd Update) error
	// UpdateStatusIf applies upd only while the session status is one of
	// from. ErrStatusConflict when the predicate no longer holds.
	UpdateStatusIf(ctx context.Context, id string, from []gateway.Status, upd Update) error
}

func applyUpdate(s *Session, upd Update) {
	if upd.SelectedGateway != nil {
		s.SelectedGateway = *upd.SelectedGateway
	}
	if upd.GatewaySessionID != nil {
		s.GatewaySessionID = *upd.GatewaySessionID
	}
	if upd.Status != nil {
		s.Status = *upd.Status
	}
	if upd.CompletedAt != nil {
		s.CompletedAt = upd.CompletedAt
	}
	if upd.FailedAt != nil {
		s.FailedAt = upd.FailedAt
	}
	if upd.FailureReason != nil {
		s.FailureReason = *upd.FailureReason
	}
	if len(upd.Metadata) > 0 {
		if s.Metadata == nil {
			s.Metadata = make(map[string]string, len(upd.Metadata))
		}
		for k, v := range upd.Metadata {
			s.Metadata[k] = v
		}
	}
	s.UpdatedAt = time.Now().UTC()
}

// Ptr helpers for building partial updates.
func StatusPtr(s gateway.Status) *gateway.Status { return &s }
func StringPtr(s string) *string                 { return &s }
func TypePtr(t gateway.Type) *gateway.Type       { return &t }
func TimePtr(t time.Time) *time.Time             { return &t }
