package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	cfg "github.com/example/lsatproxy/internal/config"
)

var (
	// ErrMissingField means the inbound body lacks a configured pass field.
	ErrMissingField = errors.New("missing required field")
	// ErrBadFieldType means a pass field could not be coerced to its
	// configured type.
	ErrBadFieldType = errors.New("field has wrong type")
)

// Upstream performs the call to one backend's upstream service: body
// template plus pass-through fields, injected headers, per-backend timeout,
// and response-field extraction.
type Upstream struct {
	backend *cfg.Backend
	client  *http.Client
}

func NewUpstream(b *cfg.Backend) *Upstream {
	return &Upstream{backend: b, client: http.DefaultClient}
}

// Call builds the upstream request from the backend config and the client's
// input fields, performs it, and returns the configured slice of the
// upstream JSON response.
func (u *Upstream) Call(ctx context.Context, indata map[string]interface{}) (interface{}, error) {
	body := map[string]interface{}{}
	if u.backend.Body != "" {
		if err := json.Unmarshal([]byte(u.backend.Body), &body); err != nil {
			return nil, fmt.Errorf("backend %s body template: %w", u.backend.Name, err)
		}
	}
	passed, err := filterPassFields(indata, u.backend.PassFields)
	if err != nil {
		return nil, err
	}
	for k, v := range passed {
		body[k] = v
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, u.backend.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.backend.Upstream, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for _, h := range u.backend.Headers {
		key, val, found := strings.Cut(h, ":")
		if !found {
			continue
		}
		req.Header.Set(strings.TrimSpace(key), strings.TrimSpace(val))
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respRaw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	var root interface{}
	if err := json.Unmarshal(respRaw, &root); err != nil {
		return nil, fmt.Errorf("upstream response is not JSON: %w", err)
	}
	return extractResponseField(root, u.backend.ResponseFields)
}

// filterPassFields validates the inbound fields and forwards only the
// configured ones, coerced to their declared types.
func filterPassFields(indata map[string]interface{}, passFields map[string]string) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	for key, ktype := range passFields {
		val, ok := indata[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingField, key)
		}
		cast, err := coerceField(val, ktype)
		if err != nil {
			return nil, fmt.Errorf("%w: %s (%v)", ErrBadFieldType, key, err)
		}
		out[key] = cast
	}
	return out, nil
}

func coerceField(val interface{}, ktype string) (interface{}, error) {
	switch ktype {
	case "string":
		s, ok := val.(string)
		if !ok {
			return nil, errors.New("expected string")
		}
		return s, nil
	case "int":
		switch v := val.(type) {
		case float64:
			return int64(v), nil
		case string:
			return strconv.ParseInt(v, 10, 64)
		}
		return nil, errors.New("expected int")
	case "float":
		switch v := val.(type) {
		case float64:
			return v, nil
		case string:
			return strconv.ParseFloat(v, 64)
		}
		return nil, errors.New("expected float")
	default:
		return nil, fmt.Errorf("unknown field type %q", ktype)
	}
}

// extractResponseField walks a dotted selector over the decoded JSON;
// numeric segments index into arrays. An empty selector returns the whole
// document.
func extractResponseField(root interface{}, selector string) (interface{}, error) {
	if selector == "" {
		return root, nil
	}
	node := root
	for _, field := range strings.Split(selector, ".") {
		switch v := node.(type) {
		case map[string]interface{}:
			child, ok := v[field]
			if !ok {
				return nil, fmt.Errorf("response field %q not found", field)
			}
			node = child
		case []interface{}:
			idx, err := strconv.Atoi(field)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("response index %q out of range", field)
			}
			node = v[idx]
		default:
			return nil, fmt.Errorf("response field %q not found", field)
		}
	}
	return node, nil
}

// isUpstreamTimeout matches both a per-backend deadline firing and a
// transport-level timeout.
func isUpstreamTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
