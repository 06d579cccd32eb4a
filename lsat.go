package main

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	cfg "github.com/example/lsatproxy/internal/config"
	macaroon "gopkg.in/macaroon.v2"
)

const (
	tokenIDVersion = 0
	tokenNonceSize = 32
	preimageSize   = 32
)

// Authorization header carries "LSAT <macaroon-base64>:<preimage-hex>".
var authHeaderRegex = regexp.MustCompile(`LSAT (.*?):([a-f0-9]{64})`)

// Alternate header forms carrying only the macaroon; the preimage travels as
// a caveat instead.
var macaroonHeaders = []string{"Grpc-Metadata-Macaroon", "Macaroon"}

// ErrMalformedToken indicates a credential that could not be decoded at all,
// as opposed to one that decoded but failed verification.
var ErrMalformedToken = errors.New("malformed LSAT credential")

// VerificationError is a reason-coded verification failure. Reason is one of
// the CodeBadSignature/CodePreimageMismatch/CodeCaveatViolation constants;
// Which names the violated caveat when applicable.
type VerificationError struct {
	Reason string
	Which  string
}

func (e *VerificationError) Error() string {
	if e.Which != "" {
		return fmt.Sprintf("LSAT verification failed: %s (%s)", e.Reason, e.Which)
	}
	return "LSAT verification failed: " + e.Reason
}

// TokenID is the macaroon root identifier: a version, the payment hash of
// the paired invoice, and a random nonce. Its hex encoding is the ledger key
// for the token, stable for the token's entire life.
type TokenID struct {
	Version     uint16
	PaymentHash [32]byte
	Nonce       [tokenNonceSize]byte
}

func newTokenID(paymentHash [32]byte) (*TokenID, error) {
	id := &TokenID{Version: tokenIDVersion, PaymentHash: paymentHash}
	if _, err := rand.Read(id.Nonce[:]); err != nil {
		return nil, err
	}
	return id, nil
}

// Bytes returns the fixed wire layout: big-endian version, payment hash,
// nonce.
func (t *TokenID) Bytes() []byte {
	b := make([]byte, 2+32+tokenNonceSize)
	binary.BigEndian.PutUint16(b[0:2], t.Version)
	copy(b[2:34], t.PaymentHash[:])
	copy(b[34:], t.Nonce[:])
	return b
}

// String is the hex form used as the ledger key.
func (t *TokenID) String() string {
	return hex.EncodeToString(t.Bytes())
}

func decodeTokenID(b []byte) (*TokenID, error) {
	if len(b) != 2+32+tokenNonceSize {
		return nil, fmt.Errorf("token identifier must be %d bytes, got %d", 2+32+tokenNonceSize, len(b))
	}
	t := &TokenID{Version: binary.BigEndian.Uint16(b[0:2])}
	if t.Version != tokenIDVersion {
		return nil, fmt.Errorf("unsupported token identifier version %d", t.Version)
	}
	copy(t.PaymentHash[:], b[2:34])
	copy(t.Nonce[:], b[34:])
	return t, nil
}

// Lsat pairs a decoded token identifier with its macaroon. Immutable after
// minting.
type Lsat struct {
	ID  *TokenID
	Mac *macaroon.Macaroon
}

// Encode serializes the macaroon for the wire.
func (l *Lsat) Encode() (string, error) {
	raw, err := l.Mac.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeMacaroon(s string) (*macaroon.Macaroon, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// Some clients send URL-safe base64.
		raw, err = base64.RawURLEncoding.DecodeString(s)
		if err != nil {
			return nil, err
		}
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return mac, nil
}

func lsatFromMacaroon(mac *macaroon.Macaroon) (*Lsat, error) {
	id, err := decodeTokenID(mac.Id())
	if err != nil {
		return nil, err
	}
	return &Lsat{ID: id, Mac: mac}, nil
}

// Minter issues and verifies LSATs. Per-token macaroon keys are derived from
// the root key with HMAC-SHA256 over the token identifier, so verification
// needs no ledger access.
type Minter struct {
	rootKey  []byte
	location string
	tokenTTL time.Duration
}

func NewMinter(rootKey []byte, location string, tokenTTL time.Duration) *Minter {
	return &Minter{rootKey: rootKey, location: location, tokenTTL: tokenTTL}
}

func (m *Minter) tokenKey(id []byte) []byte {
	mac := hmac.New(sha256.New, m.rootKey)
	mac.Write(id)
	return mac.Sum(nil)
}

// Mint builds a fresh LSAT for the backend, restricted by caveats derived
// from the backend config and linked to the invoice via the payment hash in
// the identifier.
func (m *Minter) Mint(b *cfg.Backend, paymentHash [32]byte) (*Lsat, error) {
	id, err := newTokenID(paymentHash)
	if err != nil {
		return nil, fmt.Errorf("generating token identifier: %w", err)
	}

	mac, err := macaroon.New(m.tokenKey(id.Bytes()), id.Bytes(), m.location, macaroon.V2)
	if err != nil {
		return nil, fmt.Errorf("minting macaroon: %w", err)
	}

	caveats := []string{
		"path=" + b.Path,
		"price_msat=" + strconv.FormatInt(b.PriceMsat, 10),
		"budget=" + strconv.Itoa(b.Budget()),
	}
	if m.tokenTTL > 0 {
		caveats = append(caveats, fmt.Sprintf("time<%d", time.Now().Add(m.tokenTTL).Unix()))
	}
	if b.Capabilities != "" {
		caveats = append(caveats, "capabilities="+b.Capabilities)
	}
	if t, ok := b.Constraints["timeout"]; ok {
		caveats = append(caveats, "timeout="+t)
	}
	for _, c := range caveats {
		if err := mac.AddFirstPartyCaveat([]byte(c)); err != nil {
			return nil, fmt.Errorf("adding caveat %q: %w", c, err)
		}
	}

	return &Lsat{ID: id, Mac: mac}, nil
}

// parseLsatHeader extracts the LSAT and payment preimage from request
// headers. Three forms are accepted: the Authorization header with the
// preimage alongside the macaroon, and two macaroon-only headers where the
// preimage is a caveat.
func parseLsatHeader(h http.Header) (*Lsat, []byte, error) {
	if auth := h.Get("Authorization"); auth != "" {
		matches := authHeaderRegex.FindStringSubmatch(auth)
		if len(matches) != 3 {
			return nil, nil, fmt.Errorf("%w: invalid Authorization header format", ErrMalformedToken)
		}
		mac, err := decodeMacaroon(matches[1])
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
		lsat, err := lsatFromMacaroon(mac)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
		preimage, err := hex.DecodeString(matches[2])
		if err != nil || len(preimage) != preimageSize {
			return nil, nil, fmt.Errorf("%w: invalid preimage encoding", ErrMalformedToken)
		}
		return lsat, preimage, nil
	}

	for _, name := range macaroonHeaders {
		v := h.Get(name)
		if v == "" {
			continue
		}
		mac, err := decodeMacaroon(v)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
		lsat, err := lsatFromMacaroon(mac)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
		preimage, err := preimageFromCaveats(mac)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
		return lsat, preimage, nil
	}

	return nil, nil, fmt.Errorf("%w: no LSAT header found", ErrMalformedToken)
}

func preimageFromCaveats(mac *macaroon.Macaroon) ([]byte, error) {
	for _, c := range mac.Caveats() {
		cond := string(c.Id)
		if strings.HasPrefix(cond, "preimage=") {
			preimage, err := hex.DecodeString(strings.TrimPrefix(cond, "preimage="))
			if err != nil || len(preimage) != preimageSize {
				return nil, errors.New("invalid preimage caveat")
			}
			return preimage, nil
		}
	}
	return nil, errors.New("no preimage caveat found")
}

// hasLsatHeader reports whether the request carries any credential the codec
// knows how to parse.
func hasLsatHeader(h http.Header) bool {
	if h.Get("Authorization") != "" {
		return true
	}
	for _, name := range macaroonHeaders {
		if h.Get(name) != "" {
			return true
		}
	}
	return false
}

// Verify checks the macaroon signature, walks the caveats against the
// request, and confirms the preimage hashes to the payment hash bound into
// the identifier. Purely structural and cryptographic: the ledger is never
// consulted.
func (m *Minter) Verify(l *Lsat, preimage []byte, path string, backend *cfg.Backend) error {
	conditions, err := l.Mac.VerifySignature(m.tokenKey(l.Mac.Id()), nil)
	if err != nil {
		return &VerificationError{Reason: CodeBadSignature}
	}

	sawPath := false
	for _, cond := range conditions {
		name, value, found := strings.Cut(cond, "=")
		if !found {
			if err := checkTimeCaveat(cond); err != nil {
				return err
			}
			continue
		}
		switch name {
		case "path":
			sawPath = true
			if !pathCaveatMatches(value, path, backend) {
				return &VerificationError{Reason: CodeCaveatViolation, Which: "path"}
			}
		case "price_msat", "budget", "preimage":
			// Informational; bound at issuance and enforced via the ledger.
		case "capabilities", "timeout":
			// Reserved caveat kinds, not enforced yet.
			log.Printf("caveat %q present but not enforced", name)
		default:
			log.Printf("unknown caveat kind %q, skipping", name)
		}
	}
	if !sawPath {
		return &VerificationError{Reason: CodeCaveatViolation, Which: "path"}
	}

	sum := sha256.Sum256(preimage)
	if subtle.ConstantTimeCompare(sum[:], l.ID.PaymentHash[:]) != 1 {
		return &VerificationError{Reason: CodePreimageMismatch}
	}

	return nil
}

// checkTimeCaveat enforces "time<unix" conditions; anything else without a
// key=value shape is treated as unknown and skipped.
func checkTimeCaveat(cond string) error {
	if !strings.HasPrefix(cond, "time<") {
		log.Printf("unknown caveat %q, skipping", cond)
		return nil
	}
	deadline, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(cond, "time<")), 10, 64)
	if err != nil {
		return &VerificationError{Reason: CodeCaveatViolation, Which: "time"}
	}
	if time.Now().Unix() >= deadline {
		return &VerificationError{Reason: CodeCaveatViolation, Which: "time"}
	}
	return nil
}

// pathCaveatMatches compares the caveat-bound path with the request path.
// The match mode comes from the backend config so issuance and verification
// agree on the policy.
func pathCaveatMatches(caveatPath, requestPath string, backend *cfg.Backend) bool {
	if backend != nil && backend.PathMatch == "prefix" {
		return strings.HasPrefix(requestPath, caveatPath)
	}
	return caveatPath == requestPath
}
