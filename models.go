package main

import "time"

// InvoiceState tracks the lifecycle of a Lightning invoice. Transitions are
// monotonic: Pending is the only non-terminal state.
type InvoiceState int

const (
	InvoicePending InvoiceState = iota
	InvoiceSettled
	InvoiceCanceled
	InvoiceExpired
)

func (s InvoiceState) String() string {
	switch s {
	case InvoicePending:
		return "pending"
	case InvoiceSettled:
		return "settled"
	case InvoiceCanceled:
		return "canceled"
	case InvoiceExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are allowed.
func (s InvoiceState) Terminal() bool {
	return s != InvoicePending
}

// Invoice is a Lightning payment request paired 1:1 with a minted token.
type Invoice struct {
	PaymentHash    string // hex
	TokenID        string // hex token identifier
	PaymentRequest string
	AmountMsat     int64
	BudgetMultiple int
	State          InvoiceState
	Preimage       string // hex, set on settlement
	CreatedAt      time.Time
	SettledAt      *time.Time
}

// LedgerEntry is the per-token usage account. Created locked at challenge
// time, topped up once on settlement, decremented per authorized forward.
// Never deleted.
type LedgerEntry struct {
	TokenID        string
	PaymentHash    string
	CallsRemaining int
	BudgetMultiple int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Deny reasons returned by TryConsume.
const (
	DenyNotSettled      = "not_settled"
	DenyBudgetExhausted = "budget_exhausted"
)

// ConsumeResult is the outcome of one atomic check-and-decrement.
type ConsumeResult struct {
	Consumed   bool
	Remaining  int
	DenyReason string
}

// LedgerStats aggregates ledger state for the admin surface.
type LedgerStats struct {
	Tokens          int64 `json:"tokens"`
	PendingInvoices int64 `json:"pending_invoices"`
	SettledInvoices int64 `json:"settled_invoices"`
	CallsRemaining  int64 `json:"calls_remaining"`
	RevenueMsat     int64 `json:"revenue_msat"`
}
