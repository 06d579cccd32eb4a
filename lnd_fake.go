package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// FakeLightningClient is an in-process payment backend for development and
// tests. Invoices are settled or canceled explicitly via Settle/Cancel,
// which broadcast an event on every open subscription, the same way a real
// node publishes on its shared invoice stream.
type FakeLightningClient struct {
	mu       sync.Mutex
	invoices map[string]*fakeInvoice
	subs     map[int]chan *InvoiceUpdate
	nextSub  int
}

type fakeInvoice struct {
	preimage [32]byte
	update   InvoiceUpdate
}

func NewFakeLightningClient() *FakeLightningClient {
	return &FakeLightningClient{
		invoices: map[string]*fakeInvoice{},
		subs:     map[int]chan *InvoiceUpdate{},
	}
}

func (f *FakeLightningClient) AddInvoice(ctx context.Context, memo string, amountMsat int64, expiry time.Duration) (*AddInvoiceResponse, error) {
	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		return nil, err
	}
	hash := sha256.Sum256(preimage[:])
	hashHex := hex.EncodeToString(hash[:])

	f.mu.Lock()
	f.invoices[hashHex] = &fakeInvoice{
		preimage: preimage,
		update: InvoiceUpdate{
			PaymentHash: hashHex,
			State:       InvoicePending,
			AmountMsat:  amountMsat,
		},
	}
	f.mu.Unlock()

	return &AddInvoiceResponse{
		PaymentHash:    hash,
		PaymentRequest: "lnfake1" + hashHex[:24],
	}, nil
}

func (f *FakeLightningClient) LookupInvoice(ctx context.Context, paymentHash string) (*InvoiceUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[paymentHash]
	if !ok {
		return nil, fmt.Errorf("invoice %s not found", paymentHash)
	}
	cp := inv.update
	return &cp, nil
}

func (f *FakeLightningClient) SubscribeInvoices(ctx context.Context) (InvoiceStream, error) {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	ch := make(chan *InvoiceUpdate, 16)
	f.subs[id] = ch
	f.mu.Unlock()

	return &fakeStream{client: f, id: id, ch: ch, ctx: ctx}, nil
}

// Settle marks the invoice paid and publishes the settlement event. It is a
// no-op on an already settled invoice, matching node behavior.
func (f *FakeLightningClient) Settle(paymentHash string) error {
	f.mu.Lock()
	inv, ok := f.invoices[paymentHash]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("invoice %s not found", paymentHash)
	}
	if inv.update.State != InvoicePending {
		f.mu.Unlock()
		return nil
	}
	inv.update.State = InvoiceSettled
	inv.update.Preimage = hex.EncodeToString(inv.preimage[:])
	cp := inv.update
	f.mu.Unlock()

	f.broadcast(&cp)
	return nil
}

// Cancel transitions a pending invoice to the given terminal state.
func (f *FakeLightningClient) Cancel(paymentHash string, state InvoiceState) error {
	if !state.Terminal() {
		return errors.New("cancel requires a terminal state")
	}
	f.mu.Lock()
	inv, ok := f.invoices[paymentHash]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("invoice %s not found", paymentHash)
	}
	if inv.update.State != InvoicePending {
		f.mu.Unlock()
		return nil
	}
	inv.update.State = state
	cp := inv.update
	f.mu.Unlock()

	f.broadcast(&cp)
	return nil
}

// Redeliver re-broadcasts the current state of an invoice, simulating event
// redelivery after a stream reconnect.
func (f *FakeLightningClient) Redeliver(paymentHash string) error {
	f.mu.Lock()
	inv, ok := f.invoices[paymentHash]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("invoice %s not found", paymentHash)
	}
	cp := inv.update
	f.mu.Unlock()

	f.broadcast(&cp)
	return nil
}

// DropStreams force-closes all open subscriptions, simulating a node-side
// disconnect.
func (f *FakeLightningClient) DropStreams() {
	f.mu.Lock()
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
	f.mu.Unlock()
}

func (f *FakeLightningClient) broadcast(u *InvoiceUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- u:
		default:
			// slow subscriber; the tracker reconciles on reconnect anyway
		}
	}
}

func (f *FakeLightningClient) dropSub(id int) {
	f.mu.Lock()
	if ch, ok := f.subs[id]; ok {
		close(ch)
		delete(f.subs, id)
	}
	f.mu.Unlock()
}

type fakeStream struct {
	client *FakeLightningClient
	id     int
	ch     chan *InvoiceUpdate
	ctx    context.Context
}

func (s *fakeStream) Recv() (*InvoiceUpdate, error) {
	select {
	case u, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return u, nil
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.client.dropSub(s.id)
	return nil
}
