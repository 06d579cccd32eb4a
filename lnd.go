package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"
)

// AddInvoiceResponse links the freshly created invoice to the payment hash
// that the minted token will be bound to.
type AddInvoiceResponse struct {
	PaymentHash    [32]byte
	PaymentRequest string
}

// InvoiceUpdate is one event on the shared invoice stream.
type InvoiceUpdate struct {
	PaymentHash string // hex
	State       InvoiceState
	Preimage    string // hex, only on settlement
	AmountMsat  int64
}

// InvoiceStream is an infinite sequence of invoice state changes. Recv
// blocks until the next event or a stream error; the tracker owns reconnect.
type InvoiceStream interface {
	Recv() (*InvoiceUpdate, error)
	Close() error
}

// LightningClient is the narrow interface to the payment backend. The proxy
// needs exactly three capabilities: create an invoice, look one up, and
// subscribe to the node-wide invoice event stream.
type LightningClient interface {
	AddInvoice(ctx context.Context, memo string, amountMsat int64, expiry time.Duration) (*AddInvoiceResponse, error)
	LookupInvoice(ctx context.Context, paymentHash string) (*InvoiceUpdate, error)
	SubscribeInvoices(ctx context.Context) (InvoiceStream, error)
}

// LndRestClient talks to LND's REST API. Authentication is the node's admin
// or invoice macaroon sent hex-encoded per request; transport security is
// the node's self-signed TLS cert.
type LndRestClient struct {
	base        string
	macaroonHex string
	client      *http.Client
	// streaming requests must not inherit the default timeout
	streamClient *http.Client
}

func NewLndRestClient(host, tlsPath, macaroonPath string) (*LndRestClient, error) {
	cert, err := os.ReadFile(tlsPath)
	if err != nil {
		return nil, fmt.Errorf("reading lnd tls cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(cert) {
		return nil, errors.New("lnd tls cert is not valid PEM")
	}
	mac, err := os.ReadFile(macaroonPath)
	if err != nil {
		return nil, fmt.Errorf("reading lnd macaroon: %w", err)
	}

	transport := &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}}
	return &LndRestClient{
		base:         "https://" + host,
		macaroonHex:  hex.EncodeToString(mac),
		client:       &http.Client{Transport: transport, Timeout: 30 * time.Second},
		streamClient: &http.Client{Transport: transport},
	}, nil
}

func (c *LndRestClient) do(ctx context.Context, client *http.Client, method, path string, body interface{}) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Grpc-Metadata-Macaroon", c.macaroonHex)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("lnd %s %s: status %d: %s", method, path, resp.StatusCode, raw)
	}
	return resp, nil
}

// lndInvoice mirrors the subset of LND's REST invoice object the proxy
// consumes. int64 protobuf fields arrive as JSON strings.
type lndInvoice struct {
	RHash          string `json:"r_hash"`
	RPreimage      string `json:"r_preimage"`
	PaymentRequest string `json:"payment_request"`
	ValueMsat      string `json:"value_msat"`
	State          string `json:"state"`
}

func (inv *lndInvoice) toUpdate() (*InvoiceUpdate, error) {
	hash, err := base64.StdEncoding.DecodeString(inv.RHash)
	if err != nil {
		return nil, fmt.Errorf("decoding r_hash: %w", err)
	}
	u := &InvoiceUpdate{PaymentHash: hex.EncodeToString(hash)}
	if inv.RPreimage != "" {
		preimage, err := base64.StdEncoding.DecodeString(inv.RPreimage)
		if err != nil {
			return nil, fmt.Errorf("decoding r_preimage: %w", err)
		}
		u.Preimage = hex.EncodeToString(preimage)
	}
	if inv.ValueMsat != "" {
		u.AmountMsat, _ = strconv.ParseInt(inv.ValueMsat, 10, 64)
	}
	switch inv.State {
	case "OPEN", "ACCEPTED":
		u.State = InvoicePending
	case "SETTLED":
		u.State = InvoiceSettled
	case "CANCELED":
		u.State = InvoiceCanceled
	default:
		return nil, fmt.Errorf("unknown invoice state %q", inv.State)
	}
	return u, nil
}

func (c *LndRestClient) AddInvoice(ctx context.Context, memo string, amountMsat int64, expiry time.Duration) (*AddInvoiceResponse, error) {
	body := map[string]string{
		"memo":       memo,
		"value_msat": strconv.FormatInt(amountMsat, 10),
		"expiry":     strconv.FormatInt(int64(expiry.Seconds()), 10),
	}
	resp, err := c.do(ctx, c.client, http.MethodPost, "/v1/invoices", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		RHash          string `json:"r_hash"`
		PaymentRequest string `json:"payment_request"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	hash, err := base64.StdEncoding.DecodeString(out.RHash)
	if err != nil || len(hash) != 32 {
		return nil, errors.New("lnd returned an invalid r_hash")
	}
	r := &AddInvoiceResponse{PaymentRequest: out.PaymentRequest}
	copy(r.PaymentHash[:], hash)
	return r, nil
}

func (c *LndRestClient) LookupInvoice(ctx context.Context, paymentHash string) (*InvoiceUpdate, error) {
	resp, err := c.do(ctx, c.client, http.MethodGet, "/v1/invoice/"+paymentHash, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var inv lndInvoice
	if err := json.NewDecoder(resp.Body).Decode(&inv); err != nil {
		return nil, err
	}
	return inv.toUpdate()
}

func (c *LndRestClient) SubscribeInvoices(ctx context.Context) (InvoiceStream, error) {
	resp, err := c.do(ctx, c.streamClient, http.MethodGet, "/v1/invoices/subscribe", nil)
	if err != nil {
		return nil, err
	}
	return &lndRestStream{body: resp.Body, dec: json.NewDecoder(resp.Body)}, nil
}

// lndRestStream decodes the chunked stream of {"result": <invoice>} objects
// LND's REST gateway emits.
type lndRestStream struct {
	body io.ReadCloser
	dec  *json.Decoder
}

func (s *lndRestStream) Recv() (*InvoiceUpdate, error) {
	var frame struct {
		Result lndInvoice `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := s.dec.Decode(&frame); err != nil {
		return nil, err
	}
	if frame.Error != nil {
		return nil, fmt.Errorf("lnd stream error: %s", frame.Error.Message)
	}
	return frame.Result.toUpdate()
}

func (s *lndRestStream) Close() error {
	return s.body.Close()
}
