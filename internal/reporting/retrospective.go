// Package reporting keeps a bounded in-memory audit trail of payment
// attempts and aggregates it into retrospective reports.
package reporting

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourorg/checkout-payments/internal/gateway"
)

// Entry is one audited payment attempt.
type Entry struct {
	Timestamp     time.Time
	SessionID     string
	CompanyID     string
	Gateway       gateway.Type
	Operation     string
	Status        gateway.Status
	Amount        decimal.Decimal
	Currency      string
	ErrorCode     string
	ErrorMessage  string
	DurationMilli int64
}

// Recorder retains the most recent entries up to a fixed capacity.
// Older entries are dropped first; the recorder is an operational aid,
// not the system of record.
type Recorder struct {
	mu      sync.RWMutex
	entries []Entry
	cap     int
}

const defaultCapacity = 10000

// NewRecorder creates a recorder. capacity <= 0 uses the default.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Recorder{cap: capacity}
}

// Record appends an entry, evicting the oldest when at capacity.
func (r *Recorder) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) >= r.cap {
		r.entries = r.entries[1:]
	}
	r.entries = append(r.entries, e)
}

// Entries returns a snapshot of the retained entries, oldest first.
func (r *Recorder) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// RetrospectiveReport summarizes audited payment activity.
type RetrospectiveReport struct {
	TotalAttempts        int                        `json:"totalAttempts"`
	SuccessfulPayments   int                        `json:"successfulPayments"`
	FailedPayments       int                        `json:"failedPayments"`
	Refunds              int                        `json:"refunds"`
	TotalAmountProcessed decimal.Decimal            `json:"totalAmountProcessed"`
	AmountByCurrency     map[string]decimal.Decimal `json:"amountByCurrency"`
	ErrorBreakdown       map[string]int             `json:"errorBreakdown"`
	GatewayUsage         map[string]int             `json:"gatewayUsage"`
	DateFrom             time.Time                  `json:"dateFrom"`
	DateTo               time.Time                  `json:"dateTo"`
}

// GenerateRetrospective aggregates the recorder's current entries.
// TotalAmountProcessed sums successful payments only; refunds are
// counted but never subtracted, keeping the figure gross.
func (r *Recorder) GenerateRetrospective() *RetrospectiveReport {
	entries := r.Entries()

	report := &RetrospectiveReport{
		TotalAmountProcessed: decimal.Zero,
		AmountByCurrency:     make(map[string]decimal.Decimal),
		ErrorBreakdown:       make(map[string]int),
		GatewayUsage:         make(map[string]int),
	}

	for _, e := range entries {
		report.TotalAttempts++

		if report.DateFrom.IsZero() || e.Timestamp.Before(report.DateFrom) {
			report.DateFrom = e.Timestamp
		}
		if e.Timestamp.After(report.DateTo) {
			report.DateTo = e.Timestamp
		}

		if e.Gateway != "" {
			report.GatewayUsage[string(e.Gateway)]++
		}

		if e.Operation == "process_refund" {
			report.Refunds++
			continue
		}

		switch e.Status {
		case gateway.StatusSucceeded:
			report.SuccessfulPayments++
			report.TotalAmountProcessed = report.TotalAmountProcessed.Add(e.Amount)
			prev, ok := report.AmountByCurrency[e.Currency]
			if !ok {
				prev = decimal.Zero
			}
			report.AmountByCurrency[e.Currency] = prev.Add(e.Amount)
		case gateway.StatusFailed:
			report.FailedPayments++
			if e.ErrorCode != "" {
				report.ErrorBreakdown[e.ErrorCode]++
			}
		}
	}

	return report
}
