// Package aemet speaks the two-step AEMET OpenData protocol: a first request
// returns an indirection envelope, a second request downloads the content it
// points at.
package aemet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"

	"github.com/meteoharvest/meteoharvest/internal/provider/resilience"
)

// ProviderName identifies the AEMET client in logs and breaker names.
const ProviderName = "aemet"

// maxBodyBytes bounds a single response body.
const maxBodyBytes = 256 << 20

// ClientConfig holds configuration for the AEMET client.
type ClientConfig struct {
	// APIKey is the OpenData API key (required).
	APIKey string

	// BaseURL is the API root (optional, defaults to DefaultBaseURL).
	BaseURL string

	// HTTPClient is the HTTP client to use (optional).
	// If nil, uses a resilient client with defaults.
	HTTPClient *resilience.Client

	// PayloadEncoding decodes second-hop bodies that do not announce a
	// charset. Default: ISO-8859-15
	PayloadEncoding encoding.Encoding

	// Logger for client operations.
	Logger zerolog.Logger
}

// Client is an AEMET OpenData API client.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *resilience.Client
	payloadEnc encoding.Encoding
	logger     zerolog.Logger
}

// NewClient creates a new AEMET client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		rc := resilience.DefaultClientConfig(ProviderName)
		rc.Logger = cfg.Logger
		httpClient = resilience.NewClient(rc)
	}

	enc := cfg.PayloadEncoding
	if enc == nil {
		enc = charmap.ISO8859_15
	}

	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: httpClient,
		payloadEnc: enc,
		logger:     cfg.Logger,
	}
}

// Lookup performs the first hop for an endpoint path and returns the
// indirection envelope on success.
func (c *Client) Lookup(ctx context.Context, path string) Outcome {
	body, out, ok := c.get(ctx, c.baseURL+path, unicode.UTF8)
	if !ok {
		return out
	}

	var ind Indirection
	if err := json.Unmarshal(body, &ind); err != nil {
		out.Kind = OutcomeProtocolViolation
		out.Err = fmt.Errorf("%w: decoding indirection: %v", ErrProtocol, err)
		return out
	}
	out.Description = ind.Description

	if ind.DataURL == "" {
		switch {
		case ind.State == http.StatusTooManyRequests:
			out.Kind = OutcomeTransientFailure
			out.Err = ErrRateLimited
		case ind.State == http.StatusUnauthorized:
			out.Kind = OutcomeServerError
			out.StatusCode = ind.State
			out.Err = ErrUnauthorized
		case ind.State != 0 && ind.State != http.StatusOK:
			// The API answers "no data" with HTTP 200 and a non-200 state.
			out.Kind = OutcomeEmpty
		default:
			out.Kind = OutcomeProtocolViolation
			out.Err = fmt.Errorf("%w: %w", ErrProtocol, ErrNoContinuation)
		}
		return out
	}

	out.Kind = OutcomeSuccess
	out.Indirection = &ind
	return out
}

// Retrieve performs the second hop for part of an indirection.
func (c *Client) Retrieve(ctx context.Context, ind *Indirection, part Part) Outcome {
	if ind == nil {
		return Outcome{Kind: OutcomeProtocolViolation, Err: fmt.Errorf("%w: nil indirection", ErrProtocol)}
	}
	target, ok := ind.Continuation(part)
	if !ok {
		return Outcome{
			Kind:        OutcomeProtocolViolation,
			Description: ind.Description,
			Err:         fmt.Errorf("%w: %w for %s", ErrProtocol, ErrNoContinuation, part),
		}
	}

	body, out, ok := c.get(ctx, target, c.payloadEnc)
	out.Description = ind.Description
	if !ok {
		return out
	}

	if len(bytes.TrimSpace(body)) == 0 {
		out.Kind = OutcomeEmpty
		return out
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		out.Kind = OutcomeProtocolViolation
		out.Err = fmt.Errorf("%w: decoding %s payload: %v", ErrProtocol, part, err)
		return out
	}

	if isEmpty(payload) {
		out.Kind = OutcomeEmpty
		return out
	}

	out.Kind = OutcomeSuccess
	out.Payload = payload
	return out
}

// Fetch runs both hops for path and returns the content of part.
func (c *Client) Fetch(ctx context.Context, path string, part Part) Outcome {
	first := c.Lookup(ctx, path)
	if !first.OK() {
		return first
	}
	return c.Retrieve(ctx, first.Indirection, part)
}

// get issues a GET and classifies the status. ok is true only for a 2xx
// answer whose body was read and decoded to UTF-8.
func (c *Client) get(ctx context.Context, rawURL string, fallback encoding.Encoding) ([]byte, Outcome, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, Outcome{Kind: OutcomeProtocolViolation, Err: fmt.Errorf("%w: parsing url: %v", ErrProtocol, err)}, false
	}
	q := u.Query()
	q.Set("api_key", c.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, Outcome{Kind: OutcomeProtocolViolation, Err: fmt.Errorf("creating request: %w", err)}, false
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, Outcome{Kind: OutcomeTransientFailure, Err: fmt.Errorf("executing request: %w", err)}, false
	}
	defer resp.Body.Close()

	out := Outcome{StatusCode: resp.StatusCode, Reason: reason(resp)}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusUnauthorized:
		out.Kind = OutcomeServerError
		out.Err = ErrUnauthorized
		return nil, out, false
	case resp.StatusCode == http.StatusNotFound:
		out.Kind = OutcomeServerError
		out.Err = ErrNotFound
		return nil, out, false
	case resp.StatusCode == http.StatusTooManyRequests:
		out.Kind = OutcomeTransientFailure
		out.Err = ErrRateLimited
		return nil, out, false
	case c.httpClient.IsRetryable(resp.StatusCode):
		out.Kind = OutcomeTransientFailure
		out.Err = fmt.Errorf("%w: %d", ErrUnavailable, resp.StatusCode)
		return nil, out, false
	default:
		out.Kind = OutcomeServerError
		out.Err = fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
		return nil, out, false
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		out.Kind = OutcomeTransientFailure
		out.Err = fmt.Errorf("reading body: %w", err)
		return nil, out, false
	}

	body, err := bodyEncoding(resp.Header.Get("Content-Type"), fallback).NewDecoder().Bytes(raw)
	if err != nil {
		out.Kind = OutcomeProtocolViolation
		out.Err = fmt.Errorf("%w: decoding charset: %v", ErrProtocol, err)
		return nil, out, false
	}

	c.logger.Debug().
		Str("provider", ProviderName).
		Str("path", u.Path).
		Int("status", resp.StatusCode).
		Int("bytes", len(raw)).
		Msg("response received")

	return body, out, true
}

// bodyEncoding picks the charset announced by the Content-Type header, or
// fallback when there is none or it is unknown.
func bodyEncoding(contentType string, fallback encoding.Encoding) encoding.Encoding {
	if contentType == "" {
		return fallback
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fallback
	}
	name, ok := params["charset"]
	if !ok {
		return fallback
	}
	enc, err := htmlindex.Get(name)
	if err != nil || enc == nil {
		return fallback
	}
	return enc
}

func reason(resp *http.Response) string {
	r := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" ")
	if r == "" || r == resp.Status {
		return http.StatusText(resp.StatusCode)
	}
	return r
}

func isEmpty(payload any) bool {
	switch p := payload.(type) {
	case nil:
		return true
	case []any:
		return len(p) == 0
	case map[string]any:
		return len(p) == 0
	default:
		return false
	}
}

// IsTransient reports whether o failed for a reason worth retrying later.
func IsTransient(o Outcome) bool {
	return o.Kind == OutcomeTransientFailure || errors.Is(o.Err, resilience.ErrCircuitOpen)
}
