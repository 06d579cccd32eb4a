package main

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// eachDB runs a test against every store adapter that needs no external
// infrastructure. Postgres is covered by the docker-backed integration test.
func eachDB(t *testing.T, fn func(t *testing.T, db DB)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryDB())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteDB(filepath.Join(t.TempDir(), "ledger.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.close() })
		fn(t, s)
	})
}

// seedToken creates the invoice/ledger pair a challenge would, locked at
// zero until settlement.
func seedToken(t *testing.T, db DB, tokenID, paymentHash string, budget int) {
	t.Helper()
	require.NoError(t, db.CreateInvoice(&Invoice{
		PaymentHash:    paymentHash,
		TokenID:        tokenID,
		PaymentRequest: "lnbc-test-" + paymentHash,
		AmountMsat:     int64(budget) * 100,
		BudgetMultiple: budget,
		State:          InvoicePending,
	}))
	require.NoError(t, db.ReserveToken(tokenID, paymentHash))
}

func TestReserveTokenDuplicate(t *testing.T) {
	eachDB(t, func(t *testing.T, db DB) {
		require.NoError(t, db.ReserveToken("tok1", "hash1"))
		require.ErrorIs(t, db.ReserveToken("tok1", "hash2"), ErrDuplicateToken)
	})
}

func TestTryConsumeUnknownToken(t *testing.T) {
	eachDB(t, func(t *testing.T, db DB) {
		_, err := db.TryConsume("nope")
		require.ErrorIs(t, err, ErrNoSuchToken)
	})
}

func TestLedgerLockedUntilSettled(t *testing.T) {
	eachDB(t, func(t *testing.T, db DB) {
		seedToken(t, db, "tok1", "hash1", 5)

		entry, err := db.GetLedgerEntry("tok1")
		require.NoError(t, err)
		require.NotNil(t, entry)
		require.Equal(t, 0, entry.CallsRemaining)

		res, err := db.TryConsume("tok1")
		require.NoError(t, err)
		require.False(t, res.Consumed)
		require.Equal(t, DenyNotSettled, res.DenyReason)
	})
}

func TestSettleTopsUpExactlyOnce(t *testing.T) {
	eachDB(t, func(t *testing.T, db DB) {
		seedToken(t, db, "tok1", "hash1", 5)
		require.NoError(t, db.SettleInvoice("hash1", "preimage1"))

		entry, err := db.GetLedgerEntry("tok1")
		require.NoError(t, err)
		require.Equal(t, 5, entry.CallsRemaining)
		require.Equal(t, 5, entry.BudgetMultiple)

		inv, err := db.GetInvoice("hash1")
		require.NoError(t, err)
		require.Equal(t, InvoiceSettled, inv.State)
		require.Equal(t, "preimage1", inv.Preimage)
		require.NotNil(t, inv.SettledAt)

		res, err := db.TryConsume("tok1")
		require.NoError(t, err)
		require.True(t, res.Consumed)
		require.Equal(t, 4, res.Remaining)

		// A redelivered settlement event must not top the budget up again.
		require.NoError(t, db.SettleInvoice("hash1", "preimage1"))
		entry, err = db.GetLedgerEntry("tok1")
		require.NoError(t, err)
		require.Equal(t, 4, entry.CallsRemaining)
	})
}

func TestSettleUnknownInvoice(t *testing.T) {
	eachDB(t, func(t *testing.T, db DB) {
		require.ErrorIs(t, db.SettleInvoice("missing", "preimage"), ErrNoSuchToken)
	})
}

func TestBudgetExhaustion(t *testing.T) {
	eachDB(t, func(t *testing.T, db DB) {
		seedToken(t, db, "tok1", "hash1", 3)
		require.NoError(t, db.SettleInvoice("hash1", "preimage1"))

		for want := 2; want >= 0; want-- {
			res, err := db.TryConsume("tok1")
			require.NoError(t, err)
			require.True(t, res.Consumed)
			require.Equal(t, want, res.Remaining)
		}

		res, err := db.TryConsume("tok1")
		require.NoError(t, err)
		require.False(t, res.Consumed)
		require.Equal(t, DenyBudgetExhausted, res.DenyReason)
	})
}

func TestRefundCallCappedAtBudget(t *testing.T) {
	eachDB(t, func(t *testing.T, db DB) {
		seedToken(t, db, "tok1", "hash1", 2)
		require.NoError(t, db.SettleInvoice("hash1", "preimage1"))

		res, err := db.TryConsume("tok1")
		require.NoError(t, err)
		require.True(t, res.Consumed)

		require.NoError(t, db.RefundCall("tok1"))
		entry, err := db.GetLedgerEntry("tok1")
		require.NoError(t, err)
		require.Equal(t, 2, entry.CallsRemaining)

		// Refunding a full budget is a no-op.
		require.NoError(t, db.RefundCall("tok1"))
		entry, err = db.GetLedgerEntry("tok1")
		require.NoError(t, err)
		require.Equal(t, 2, entry.CallsRemaining)
	})
}

func TestConcurrentConsumeNeverOversells(t *testing.T) {
	eachDB(t, func(t *testing.T, db DB) {
		const budget = 25
		const racers = 100

		seedToken(t, db, "tok1", "hash1", budget)
		require.NoError(t, db.SettleInvoice("hash1", "preimage1"))

		var wg sync.WaitGroup
		results := make(chan bool, racers)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := db.TryConsume("tok1")
				if err != nil {
					results <- false
					return
				}
				results <- res.Consumed
			}()
		}
		wg.Wait()
		close(results)

		consumed := 0
		for ok := range results {
			if ok {
				consumed++
			}
		}
		require.Equal(t, budget, consumed)

		entry, err := db.GetLedgerEntry("tok1")
		require.NoError(t, err)
		require.Equal(t, 0, entry.CallsRemaining)
	})
}

func TestMarkInvoiceTerminal(t *testing.T) {
	eachDB(t, func(t *testing.T, db DB) {
		seedToken(t, db, "tok1", "hash1", 5)
		require.NoError(t, db.MarkInvoiceTerminal("hash1", InvoiceCanceled))

		inv, err := db.GetInvoice("hash1")
		require.NoError(t, err)
		require.Equal(t, InvoiceCanceled, inv.State)

		// Terminal states never move again: a late settle event on a canceled
		// invoice is dropped by the state guard.
		require.NoError(t, db.SettleInvoice("hash1", "preimage1"))
		inv, err = db.GetInvoice("hash1")
		require.NoError(t, err)
		require.Equal(t, InvoiceCanceled, inv.State)

		// A settled invoice cannot be marked terminal after the fact.
		seedToken(t, db, "tok2", "hash2", 5)
		require.NoError(t, db.SettleInvoice("hash2", "preimage2"))
		require.NoError(t, db.MarkInvoiceTerminal("hash2", InvoiceExpired))
		inv, err = db.GetInvoice("hash2")
		require.NoError(t, err)
		require.Equal(t, InvoiceSettled, inv.State)
	})
}

func TestListPendingInvoices(t *testing.T) {
	eachDB(t, func(t *testing.T, db DB) {
		for i := 0; i < 3; i++ {
			seedToken(t, db, fmt.Sprintf("tok%d", i), fmt.Sprintf("hash%d", i), 1)
		}
		require.NoError(t, db.SettleInvoice("hash0", "preimage0"))
		require.NoError(t, db.MarkInvoiceTerminal("hash1", InvoiceExpired))

		pending, err := db.ListPendingInvoices()
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, "hash2", pending[0].PaymentHash)
	})
}

func TestGetInvoiceByToken(t *testing.T) {
	eachDB(t, func(t *testing.T, db DB) {
		seedToken(t, db, "tok1", "hash1", 2)

		inv, err := db.GetInvoiceByToken("tok1")
		require.NoError(t, err)
		require.NotNil(t, inv)
		require.Equal(t, "hash1", inv.PaymentHash)

		inv, err = db.GetInvoiceByToken("missing")
		require.NoError(t, err)
		require.Nil(t, inv)
	})
}

func TestLedgerStats(t *testing.T) {
	eachDB(t, func(t *testing.T, db DB) {
		seedToken(t, db, "tok1", "hash1", 5)
		seedToken(t, db, "tok2", "hash2", 3)
		require.NoError(t, db.SettleInvoice("hash1", "preimage1"))

		stats, err := db.LedgerStats()
		require.NoError(t, err)
		require.Equal(t, int64(2), stats.Tokens)
		require.Equal(t, int64(1), stats.PendingInvoices)
		require.Equal(t, int64(1), stats.SettledInvoices)
		require.Equal(t, int64(5), stats.CallsRemaining)
		require.Equal(t, int64(500), stats.RevenueMsat)
	})
}
