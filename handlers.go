package main

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"
)

// HandleInvoiceStatus reports the state of an invoice so clients can poll
// while paying. The durable store answers first; the payment backend is the
// fallback for invoices it has not reported on yet.
// POST /invoice/status
func (a *App) HandleInvoiceStatus(w http.ResponseWriter, r *http.Request) {
	var in struct {
		PaymentHash string `json:"payment_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.PaymentHash == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "payment_hash is required")
		return
	}

	inv, err := a.DB.GetInvoice(in.PaymentHash)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL_ERROR", "Store unavailable")
		return
	}
	if inv != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"state":    inv.State.String(),
			"preimage": inv.Preimage,
			"settled":  inv.State == InvoiceSettled,
		})
		return
	}

	update, err := a.ln.LookupInvoice(r.Context(), in.PaymentHash)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown invoice")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":    update.State.String(),
		"preimage": update.Preimage,
		"settled":  update.State == InvoiceSettled,
	})
}

// HandleAdminLogin exchanges the admin API key for a short-lived session
// token.
// POST /admin/login
func (a *App) HandleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.APIKey == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "api_key is required")
		return
	}
	if a.cfg.AdminAPIKeyHash == "" || !compareAPIKey(a.cfg.AdminAPIKeyHash, in.APIKey) {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid API key")
		return
	}
	token, err := createAdminToken([]byte(a.cfg.AdminJWTSecret))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create session token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"accessToken": token})
}

// HandleAdminStats returns ledger aggregates.
// GET /admin/stats
func (a *App) HandleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.DB.LedgerStats()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL_ERROR", "Store unavailable")
		return
	}
	writeSuccess(w, http.StatusOK, stats)
}

// HandleAdminLedgerEntry returns one ledger entry with its paired invoice,
// for diagnostics.
// GET /admin/ledger/{id}
func (a *App) HandleAdminLedgerEntry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entry, err := a.DB.GetLedgerEntry(id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL_ERROR", "Store unavailable")
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "No ledger entry for this token")
		return
	}
	out := map[string]interface{}{
		"token_id":        entry.TokenID,
		"payment_hash":    entry.PaymentHash,
		"calls_remaining": entry.CallsRemaining,
		"budget_multiple": entry.BudgetMultiple,
		"created_at":      entry.CreatedAt,
		"updated_at":      entry.UpdatedAt,
	}
	if inv, err := a.DB.GetInvoiceByToken(id); err == nil && inv != nil {
		out["invoice_state"] = inv.State.String()
		out["amount_msat"] = inv.AmountMsat
	}
	writeSuccess(w, http.StatusOK, out)
}

// HandleDevSettle settles an invoice on the fake payment backend. Only
// registered when LND_MODE=fake.
// POST /dev/settle
func (a *App) HandleDevSettle(fake *FakeLightningClient) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			PaymentHash string `json:"payment_hash"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.PaymentHash == "" {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "payment_hash is required")
			return
		}
		if err := fake.Settle(in.PaymentHash); err != nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		log.Printf("dev: invoice %s settled manually", in.PaymentHash)
		writeSuccess(w, http.StatusOK, map[string]string{"payment_hash": in.PaymentHash})
	}
}
