package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	cfg "github.com/example/lsatproxy/internal/config"
)

const (
	consumeRetries   = 3
	consumeBaseDelay = 50 * time.Millisecond
)

// GateBackend is the per-request gate in front of every configured
// upstream. Each outcome is deterministic given the credential and the
// ledger snapshot at consumption time; retries belong to the client.
func (a *App) GateBackend(w http.ResponseWriter, r *http.Request) {
	backend := a.cfg.FindBackend(r.URL.Path)
	if backend == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "No backend configured for this path")
		return
	}

	if !a.allowRate(backend) {
		writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded")
		return
	}

	if !hasLsatHeader(r.Header) {
		a.challenge(w, r, backend, CodePaymentRequired)
		return
	}

	lsat, preimage, err := parseLsatHeader(r.Header)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeMalformed, "Could not decode LSAT credential")
		return
	}

	if err := a.minter.Verify(lsat, preimage, r.URL.Path, backend); err != nil {
		var verr *VerificationError
		if errors.As(err, &verr) {
			log.Printf("gate: token %s rejected: %v", lsat.ID, verr)
			writeError(w, http.StatusUnauthorized, verr.Reason, verr.Error())
			return
		}
		writeError(w, http.StatusUnauthorized, CodeBadSignature, "LSAT verification failed")
		return
	}

	res, err := a.tryConsume(lsat.ID.String())
	if err == ErrNoSuchToken {
		writeError(w, http.StatusUnauthorized, CodeUnknownToken, "Token is not known to this ledger")
		return
	}
	if err != nil {
		// Fail closed: without an authoritative ledger answer we deny.
		log.Printf("gate: ledger unavailable for %s: %v", lsat.ID, err)
		writeError(w, http.StatusServiceUnavailable, "INTERNAL_ERROR", "Ledger unavailable")
		return
	}

	if !res.Consumed {
		switch res.DenyReason {
		case DenyBudgetExhausted:
			// The paid-for budget is spent; hand out a fresh invoice/token
			// pair so the client can pay again.
			a.challenge(w, r, backend, CodeBudgetExhausted)
		default:
			a.respondNotSettled(w, lsat.ID.String())
		}
		return
	}

	a.forward(w, r, backend, lsat, res)
}

// challenge mints a fresh invoice/token pair, reserves a locked ledger
// entry, and answers 402 with the macaroon and payment request in the
// WWW-Authenticate header.
func (a *App) challenge(w http.ResponseWriter, r *http.Request, backend *cfg.Backend, code string) {
	inv, err := a.ln.AddInvoice(r.Context(), "LSAT "+backend.Name, backend.AmountTotal(), a.cfg.InvoiceExpiry)
	if err != nil {
		log.Printf("gate: creating invoice for %s: %v", backend.Name, err)
		writeError(w, http.StatusServiceUnavailable, "INTERNAL_ERROR", "Payment backend unavailable")
		return
	}

	lsat, err := a.minter.Mint(backend, inv.PaymentHash)
	if err != nil {
		log.Printf("gate: minting token for %s: %v", backend.Name, err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Could not mint token")
		return
	}

	hashHex := hex.EncodeToString(inv.PaymentHash[:])
	record := &Invoice{
		PaymentHash:    hashHex,
		TokenID:        lsat.ID.String(),
		PaymentRequest: inv.PaymentRequest,
		AmountMsat:     backend.AmountTotal(),
		BudgetMultiple: backend.Budget(),
		State:          InvoicePending,
	}
	if err := a.DB.CreateInvoice(record); err != nil {
		log.Printf("gate: persisting invoice %s: %v", hashHex, err)
		writeError(w, http.StatusServiceUnavailable, "INTERNAL_ERROR", "Ledger unavailable")
		return
	}
	if err := a.DB.ReserveToken(lsat.ID.String(), hashHex); err != nil {
		log.Printf("gate: reserving token %s: %v", lsat.ID, err)
		writeError(w, http.StatusServiceUnavailable, "INTERNAL_ERROR", "Ledger unavailable")
		return
	}

	macB64, err := lsat.Encode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Could not encode token")
		return
	}

	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`LSAT macaroon="%s", invoice="%s"`, macB64, inv.PaymentRequest))
	writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
		"error_code": code,
		"macaroon":   macB64,
		"invoice":    inv.PaymentRequest,
		"price_msat": backend.PriceMsat,
		"budget":     backend.Budget(),
	})
}

// respondNotSettled re-attaches the original payment request so a client
// that lost it can still pay the pending invoice.
func (a *App) respondNotSettled(w http.ResponseWriter, tokenID string) {
	body := map[string]interface{}{
		"error_code":    CodeNotSettled,
		"error_message": "Invoice has not been settled yet",
	}
	if inv, err := a.DB.GetInvoiceByToken(tokenID); err == nil && inv != nil {
		body["invoice"] = inv.PaymentRequest
	}
	writeJSON(w, http.StatusPaymentRequired, body)
}

// tryConsume retries transient storage failures with backoff; sentinel
// errors pass straight through.
func (a *App) tryConsume(tokenID string) (*ConsumeResult, error) {
	var lastErr error
	delay := consumeBaseDelay
	for attempt := 0; attempt < consumeRetries; attempt++ {
		res, err := a.DB.TryConsume(tokenID)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, ErrNoSuchToken) {
			return nil, err
		}
		lastErr = err
		time.Sleep(delay)
		delay *= 2
	}
	return nil, lastErr
}

// forward relays the request to the backend's upstream. The budget unit was
// already consumed; on upstream timeout it is credited back only when the
// backend opts in via refund_on_timeout.
func (a *App) forward(w http.ResponseWriter, r *http.Request, backend *cfg.Backend, lsat *Lsat, res *ConsumeResult) {
	indata := map[string]interface{}{}
	if r.Body != nil {
		// An empty body is fine; the pass-field filter decides what is required.
		if err := json.NewDecoder(r.Body).Decode(&indata); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Request body must be a JSON object")
			return
		}
	}

	up := NewUpstream(backend)
	data, err := up.Call(r.Context(), indata)
	if err != nil {
		if errors.Is(err, ErrMissingField) || errors.Is(err, ErrBadFieldType) {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		if isUpstreamTimeout(err) {
			if backend.RefundOnTimeout {
				if rerr := a.DB.RefundCall(lsat.ID.String()); rerr != nil {
					log.Printf("gate: refunding %s after timeout: %v", lsat.ID, rerr)
				}
			}
			writeError(w, http.StatusGatewayTimeout, "GATEWAY_TIMEOUT", "Upstream did not respond in time")
			return
		}
		log.Printf("gate: upstream %s: %v", backend.Name, err)
		writeError(w, http.StatusBadGateway, "BAD_GATEWAY", "Upstream request failed")
		return
	}

	w.Header().Set("X-Lsat-Remaining", strconv.Itoa(res.Remaining))
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": data})
}
