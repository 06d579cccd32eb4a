package main

import (
	"context"
	"log"
	"time"
)

const (
	trackerBaseBackoff = time.Second
	trackerMaxBackoff  = 30 * time.Second
)

// Tracker is the single writer of invoice state. It holds one long-lived
// subscription to the payment backend's invoice event stream and applies
// transitions to the store; request handling never blocks on it.
type Tracker struct {
	db DB
	ln LightningClient
}

func NewTracker(db DB, ln LightningClient) *Tracker {
	return &Tracker{db: db, ln: ln}
}

// Run consumes the stream until ctx is canceled, reconnecting with
// exponential backoff on any stream failure. Applying events is idempotent,
// so redelivery after a reconnect is harmless.
func (t *Tracker) Run(ctx context.Context) {
	if err := t.Reconcile(ctx); err != nil {
		log.Printf("tracker: startup reconcile: %v", err)
	}

	backoff := trackerBaseBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		stream, err := t.ln.SubscribeInvoices(ctx)
		if err != nil {
			log.Printf("tracker: subscribe failed: %v (retrying in %v)", err, backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		log.Printf("tracker: invoice stream connected")

		// Events may have settled while we were disconnected.
		if err := t.Reconcile(ctx); err != nil {
			log.Printf("tracker: reconcile: %v", err)
		}

		for {
			update, err := stream.Recv()
			if err != nil {
				if ctx.Err() != nil {
					stream.Close()
					return
				}
				log.Printf("tracker: stream broken: %v (reconnecting in %v)", err, backoff)
				stream.Close()
				if !sleepCtx(ctx, backoff) {
					return
				}
				backoff = nextBackoff(backoff)
				break
			}
			backoff = trackerBaseBackoff
			if err := t.Apply(update); err != nil {
				log.Printf("tracker: applying update for %s: %v", update.PaymentHash, err)
			}
		}
	}
}

// Apply folds one stream event into the store. Settlement tops up the
// ledger entry's budget; cancellation and expiry leave the entry locked at
// zero forever. Unknown invoices are skipped: the backend emits events for
// every invoice it manages, not just ours.
func (t *Tracker) Apply(u *InvoiceUpdate) error {
	switch u.State {
	case InvoiceSettled:
		err := t.db.SettleInvoice(u.PaymentHash, u.Preimage)
		if err == ErrNoSuchToken {
			return nil
		}
		if err == nil {
			log.Printf("tracker: invoice %s settled", u.PaymentHash)
		}
		return err
	case InvoiceCanceled, InvoiceExpired:
		err := t.db.MarkInvoiceTerminal(u.PaymentHash, u.State)
		if err == ErrNoSuchToken {
			return nil
		}
		if err == nil {
			log.Printf("tracker: invoice %s %s", u.PaymentHash, u.State)
		}
		return err
	default:
		return nil
	}
}

// Reconcile re-checks every pending invoice against the backend so payments
// completed while the process was down or disconnected are not lost.
func (t *Tracker) Reconcile(ctx context.Context) error {
	pending, err := t.db.ListPendingInvoices()
	if err != nil {
		return err
	}
	for _, inv := range pending {
		update, err := t.ln.LookupInvoice(ctx, inv.PaymentHash)
		if err != nil {
			log.Printf("tracker: lookup %s: %v", inv.PaymentHash, err)
			continue
		}
		if err := t.Apply(update); err != nil {
			log.Printf("tracker: reconcile %s: %v", inv.PaymentHash, err)
		}
	}
	return nil
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > trackerMaxBackoff {
		return trackerMaxBackoff
	}
	return d
}

// sleepCtx sleeps for d, returning false if ctx was canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
