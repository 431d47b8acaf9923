package core

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	In  Direction = "in"
	Out Direction = "out"
)

const (
	Cash        PaymentMode = "especes"
	MobileMoney PaymentMode = "mobile_money"
	Bank        PaymentMode = "banque"
)

type (
	// Direction tells whether an operation brings money in or out.
	Direction string

	// PaymentMode is the treasury instrument an operation went through.
	PaymentMode string

	// OperationRecord is a single dated financial operation. Immutable
	// once archived into per-day history.
	OperationRecord struct {
		ID          string          `json:"id"`
		Date        time.Time       `json:"date"`
		AccountRef  string          `json:"account_ref"`
		Amount      decimal.Decimal `json:"amount"`
		Direction   Direction       `json:"direction"`
		PaymentMode PaymentMode     `json:"payment_mode"`
		Motif       string          `json:"motif"`
		Description string          `json:"description,omitempty"`
	}

	// Totals holds the three directional sums of a period.
	Totals struct {
		In  decimal.Decimal `json:"in"`
		Out decimal.Decimal `json:"out"`
		Net decimal.Decimal `json:"net"`
	}

	// AccountTotal is the per-account breakdown line of an aggregate.
	AccountTotal struct {
		AccountRef string          `json:"account_ref"`
		Direction  Direction       `json:"direction"`
		Total      decimal.Decimal `json:"total"`
		Count      int             `json:"count"`
	}

	// TreasurySnapshot is the cash position across payment instruments
	// at aggregation time.
	TreasurySnapshot struct {
		Cash        decimal.Decimal `json:"especes"`
		MobileMoney decimal.Decimal `json:"mobile_money"`
		Bank        decimal.Decimal `json:"banque"`
	}

	// PeriodAggregate is the summary of one day/week/month/year.
	// Becomes read-only once the owning period is closed.
	PeriodAggregate struct {
		PeriodKey      string           `json:"period_key"`
		Totals         Totals           `json:"totals"`
		PerAccount     []AccountTotal   `json:"per_account"`
		Treasury       TreasurySnapshot `json:"treasury"`
		OperationCount int              `json:"operation_count"`
		Closed         bool             `json:"closed"`
	}

	// ClosureLock is the single live lock record serializing closures.
	ClosureLock struct {
		ScopeKey     string    `json:"scope_key"`
		PeriodKey    string    `json:"period_key"`
		HolderID     string    `json:"holder_id"`
		AcquiredAt   time.Time `json:"acquired_at"`
		AttemptCount int       `json:"attempt_count"`
		LastError    string    `json:"last_error,omitempty"`
	}

	// ClosureStatus tracks the frontier of closed periods. LastClosedKey
	// only advances forward, except via a privileged reopen.
	ClosureStatus struct {
		LastClosedKey string    `json:"last_closed_key"`
		LastClosedBy  string    `json:"last_closed_by"`
		LastClosedAt  time.Time `json:"last_closed_at"`
	}

	// Actor identifies the caller of a closure or reopen request.
	Actor struct {
		ID       string `json:"id"`
		Elevated bool   `json:"elevated"`
	}

	// ChangeEvent is the fire-and-forget notification published after
	// archival, closure and reopen.
	ChangeEvent struct {
		Action    string    `json:"action"`
		PeriodKey string    `json:"period_key"`
		Timestamp time.Time `json:"timestamp"`
	}
)

var (
	ErrZeroDate           = errors.New("operation date cannot be zero")
	ErrEmptyAccountRef    = errors.New("empty account reference")
	ErrInvalidAmount      = errors.New("amount must be strictly positive")
	ErrInvalidDirection   = errors.New("direction must be in or out")
	ErrInvalidPaymentMode = errors.New("unknown payment mode")
	ErrEmptyMotif         = errors.New("empty motif")
)

func (d Direction) Valid() bool {
	return d == In || d == Out
}

func (m PaymentMode) Valid() bool {
	switch m {
	case Cash, MobileMoney, Bank:
		return true
	}
	return false
}

func (o OperationRecord) Validate() error {
	if o.Date.IsZero() {
		return ErrZeroDate
	}
	if strings.TrimSpace(o.AccountRef) == "" {
		return ErrEmptyAccountRef
	}
	if !o.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !o.Direction.Valid() {
		return ErrInvalidDirection
	}
	if !o.PaymentMode.Valid() {
		return ErrInvalidPaymentMode
	}
	if strings.TrimSpace(o.Motif) == "" {
		return ErrEmptyMotif
	}
	return nil
}

// Total returns the combined balance across all instruments.
func (t TreasurySnapshot) Total() decimal.Decimal {
	return t.Cash.Add(t.MobileMoney).Add(t.Bank)
}

// Consistent reports whether the aggregate satisfies its arithmetic
// invariants: net == in - out and per-account totals summing to the
// matching direction total.
func (a PeriodAggregate) Consistent() bool {
	if !a.Totals.Net.Equal(a.Totals.In.Sub(a.Totals.Out)) {
		return false
	}
	sumIn, sumOut := decimal.Zero, decimal.Zero
	for _, acc := range a.PerAccount {
		switch acc.Direction {
		case In:
			sumIn = sumIn.Add(acc.Total)
		case Out:
			sumOut = sumOut.Add(acc.Total)
		}
	}
	return sumIn.Equal(a.Totals.In) && sumOut.Equal(a.Totals.Out)
}
