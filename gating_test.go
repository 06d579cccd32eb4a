package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	cfg "github.com/example/lsatproxy/internal/config"
	"github.com/stretchr/testify/require"
)

func newGateApp(t *testing.T, backends []cfg.Backend) (*App, *FakeLightningClient) {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	fake := NewFakeLightningClient()
	app := &App{
		DB: NewMemoryDB(),
		cfg: &cfg.Config{
			Backends:       backends,
			InvoiceExpiry:  time.Minute,
			AdminJWTSecret: "test-secret",
		},
		minter:      NewMinter(key, "test", time.Hour),
		ln:          fake,
		rateLimiter: NewRateLimiter(),
	}
	return app, fake
}

func gateRequest(app *App, path, body string, hdr http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	app.GateBackend(w, req)
	return w
}

type challengeBody struct {
	ErrorCode string `json:"error_code"`
	Macaroon  string `json:"macaroon"`
	Invoice   string `json:"invoice"`
	PriceMsat int64  `json:"price_msat"`
	Budget    int    `json:"budget"`
}

func decodeChallenge(t *testing.T, w *httptest.ResponseRecorder) challengeBody {
	t.Helper()
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	var c challengeBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &c))
	require.NotEmpty(t, c.Macaroon)
	require.NotEmpty(t, c.Invoice)
	return c
}

// payChallenge settles the invoice behind a challenge and returns the
// Authorization header value a paying client would present.
func payChallenge(t *testing.T, app *App, fake *FakeLightningClient, macB64 string) string {
	t.Helper()
	mac, err := decodeMacaroon(macB64)
	require.NoError(t, err)
	lsat, err := lsatFromMacaroon(mac)
	require.NoError(t, err)
	hashHex := hex.EncodeToString(lsat.ID.PaymentHash[:])

	require.NoError(t, fake.Settle(hashHex))
	update, err := fake.LookupInvoice(context.Background(), hashHex)
	require.NoError(t, err)
	require.NoError(t, NewTracker(app.DB, fake).Apply(update))

	inv, err := app.DB.GetInvoice(hashHex)
	require.NoError(t, err)
	require.Equal(t, InvoiceSettled, inv.State)
	return "LSAT " + macB64 + ":" + inv.Preimage
}

func TestGatePayAndForwardLifecycle(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "hi", body["prompt"])
		fmt.Fprint(w, `{"choices":[{"text":"ok"}]}`)
	}))
	defer upstream.Close()

	app, fake := newGateApp(t, []cfg.Backend{{
		Name:           "gpt",
		Path:           "/gpt",
		Upstream:       upstream.URL,
		Body:           `{"model":"test"}`,
		PassFields:     map[string]string{"prompt": "string"},
		PriceMsat:      100,
		BudgetMultiple: 5,
		ResponseFields: "choices.0.text",
	}})

	// No credential: challenge with a locked ledger entry.
	w := gateRequest(app, "/gpt", "", nil)
	ch := decodeChallenge(t, w)
	require.Equal(t, CodePaymentRequired, ch.ErrorCode)
	require.Equal(t, int64(100), ch.PriceMsat)
	require.Equal(t, 5, ch.Budget)
	wwwAuth := w.Header().Get("WWW-Authenticate")
	require.Contains(t, wwwAuth, `LSAT macaroon="`+ch.Macaroon+`"`)
	require.Contains(t, wwwAuth, `invoice="`+ch.Invoice+`"`)

	// Using the token before paying: denied, payment request re-attached.
	auth := payChallenge(t, app, fake, ch.Macaroon)

	// Paid: the budget allows exactly five forwards, counting down.
	hdr := http.Header{"Authorization": {auth}}
	for want := 4; want >= 0; want-- {
		w = gateRequest(app, "/gpt", `{"prompt":"hi"}`, hdr)
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, fmt.Sprint(want), w.Header().Get("X-Lsat-Remaining"))
		var resp struct {
			Data string `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Equal(t, "ok", resp.Data)
	}

	// Sixth call: budget spent, fresh challenge with a new token.
	w = gateRequest(app, "/gpt", `{"prompt":"hi"}`, hdr)
	ch2 := decodeChallenge(t, w)
	require.Equal(t, CodeBudgetExhausted, ch2.ErrorCode)
	require.NotEqual(t, ch.Macaroon, ch2.Macaroon)
}

func TestGatePreimageMismatch(t *testing.T) {
	app, _ := newGateApp(t, []cfg.Backend{{
		Name: "gpt", Path: "/gpt", Upstream: "http://127.0.0.1:1", PriceMsat: 100,
	}})

	ch := decodeChallenge(t, gateRequest(app, "/gpt", "", nil))

	// The zero preimage does not hash to the bound payment hash; rejection
	// happens before the ledger is even asked.
	hdr := http.Header{"Authorization": {"LSAT " + ch.Macaroon + ":" + strings.Repeat("00", 32)}}
	w := gateRequest(app, "/gpt", "", hdr)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	var apiErr APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	require.Equal(t, CodePreimageMismatch, apiErr.Code)
}

func TestGateNotSettledWithRealPreimage(t *testing.T) {
	app, fake := newGateApp(t, []cfg.Backend{{
		Name: "gpt", Path: "/gpt", Upstream: "http://127.0.0.1:1", PriceMsat: 100, BudgetMultiple: 2,
	}})

	ch := decodeChallenge(t, gateRequest(app, "/gpt", "", nil))

	// Grab the real preimage off the fake node without settling, simulating
	// a client that somehow knows it early. The ledger still says unpaid.
	mac, err := decodeMacaroon(ch.Macaroon)
	require.NoError(t, err)
	lsat, err := lsatFromMacaroon(mac)
	require.NoError(t, err)
	hashHex := hex.EncodeToString(lsat.ID.PaymentHash[:])
	fake.mu.Lock()
	preimage := hex.EncodeToString(fake.invoices[hashHex].preimage[:])
	fake.mu.Unlock()

	hdr := http.Header{"Authorization": {"LSAT " + ch.Macaroon + ":" + preimage}}
	w := gateRequest(app, "/gpt", "", hdr)
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var body struct {
		ErrorCode string `json:"error_code"`
		Invoice   string `json:"invoice"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, CodeNotSettled, body.ErrorCode)
	require.Equal(t, ch.Invoice, body.Invoice)
}

func TestGateRejectionCodes(t *testing.T) {
	app, fake := newGateApp(t, []cfg.Backend{
		{Name: "gpt", Path: "/gpt", Upstream: "http://127.0.0.1:1", PriceMsat: 100},
		{Name: "echo", Path: "/echo", Upstream: "http://127.0.0.1:1", PriceMsat: 50},
	})

	ch := decodeChallenge(t, gateRequest(app, "/gpt", "", nil))
	auth := payChallenge(t, app, fake, ch.Macaroon)

	t.Run("no backend", func(t *testing.T) {
		w := gateRequest(app, "/nothing", "", nil)
		require.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("malformed credential", func(t *testing.T) {
		hdr := http.Header{"Authorization": {"LSAT notbase64:" + strings.Repeat("ab", 32)}}
		w := gateRequest(app, "/gpt", "", hdr)
		require.Equal(t, http.StatusBadRequest, w.Code)
		var apiErr APIError
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
		require.Equal(t, CodeMalformed, apiErr.Code)
	})

	t.Run("bad signature", func(t *testing.T) {
		macB64, preimageHex, _ := strings.Cut(strings.TrimPrefix(auth, "LSAT "), ":")
		raw, err := base64.StdEncoding.DecodeString(macB64)
		require.NoError(t, err)
		raw[len(raw)-1] ^= 0x01
		hdr := http.Header{"Authorization": {"LSAT " + base64.StdEncoding.EncodeToString(raw) + ":" + preimageHex}}
		w := gateRequest(app, "/gpt", "", hdr)
		require.Equal(t, http.StatusUnauthorized, w.Code)
		var apiErr APIError
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
		require.Equal(t, CodeBadSignature, apiErr.Code)
	})

	t.Run("token bound to another backend", func(t *testing.T) {
		hdr := http.Header{"Authorization": {auth}}
		w := gateRequest(app, "/echo", "", hdr)
		require.Equal(t, http.StatusUnauthorized, w.Code)
		var apiErr APIError
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
		require.Equal(t, CodeCaveatViolation, apiErr.Code)
	})

	t.Run("unknown token", func(t *testing.T) {
		// Cryptographically valid token that was never reserved here.
		preimage, hash := newPayment(t)
		lsat, err := app.minter.Mint(&app.cfg.Backends[0], hash)
		require.NoError(t, err)
		macB64, err := lsat.Encode()
		require.NoError(t, err)
		hdr := http.Header{"Authorization": {"LSAT " + macB64 + ":" + hex.EncodeToString(preimage)}}
		w := gateRequest(app, "/gpt", "", hdr)
		require.Equal(t, http.StatusUnauthorized, w.Code)
		var apiErr APIError
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
		require.Equal(t, CodeUnknownToken, apiErr.Code)
	})
}

func TestGateRateLimit(t *testing.T) {
	app, _ := newGateApp(t, []cfg.Backend{{
		Name: "gpt", Path: "/gpt", Upstream: "http://127.0.0.1:1",
		PriceMsat: 100, RateLimitPerMinute: 1,
	}})

	w := gateRequest(app, "/gpt", "", nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	w = gateRequest(app, "/gpt", "", nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestGateRefundOnUpstreamTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(1500 * time.Millisecond)
	}))
	defer upstream.Close()

	app, fake := newGateApp(t, []cfg.Backend{{
		Name: "slow", Path: "/slow", Upstream: upstream.URL,
		PriceMsat: 100, BudgetMultiple: 3,
		TimeoutSeconds: 1, RefundOnTimeout: true,
	}})

	ch := decodeChallenge(t, gateRequest(app, "/slow", "", nil))
	auth := payChallenge(t, app, fake, ch.Macaroon)

	hdr := http.Header{"Authorization": {auth}}
	w := gateRequest(app, "/slow", "{}", hdr)
	require.Equal(t, http.StatusGatewayTimeout, w.Code)

	// The consumed unit was credited back.
	mac, err := decodeMacaroon(ch.Macaroon)
	require.NoError(t, err)
	lsat, err := lsatFromMacaroon(mac)
	require.NoError(t, err)
	entry, err := app.DB.GetLedgerEntry(lsat.ID.String())
	require.NoError(t, err)
	require.Equal(t, 3, entry.CallsRemaining)
}

func TestGateMissingPassField(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer upstream.Close()

	app, fake := newGateApp(t, []cfg.Backend{{
		Name: "gpt", Path: "/gpt", Upstream: upstream.URL,
		PassFields: map[string]string{"prompt": "string"},
		PriceMsat:  100, BudgetMultiple: 2,
	}})

	ch := decodeChallenge(t, gateRequest(app, "/gpt", "", nil))
	auth := payChallenge(t, app, fake, ch.Macaroon)

	hdr := http.Header{"Authorization": {auth}}
	w := gateRequest(app, "/gpt", `{}`, hdr)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var apiErr APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	require.Equal(t, "INVALID_REQUEST", apiErr.Code)
}
