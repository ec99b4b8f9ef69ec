package aemet

import (
	"errors"
	"fmt"
)

// Retrieval errors carried by an Outcome.
var (
	ErrUnauthorized     = errors.New("api key rejected")
	ErrNotFound         = errors.New("resource not found")
	ErrRateLimited      = errors.New("rate limit retries exhausted")
	ErrUnavailable      = errors.New("server unavailable")
	ErrUnexpectedStatus = errors.New("unexpected status code")
	ErrProtocol         = errors.New("protocol violation")
	ErrNoContinuation   = errors.New("response has no continuation url")
)

// Part selects the half of a response that is downloaded in the second hop.
type Part string

const (
	PartData     Part = "data"
	PartMetadata Part = "metadata"
)

// ParsePart validates a part name.
func ParsePart(s string) (Part, error) {
	switch Part(s) {
	case PartData, PartMetadata:
		return Part(s), nil
	default:
		return "", fmt.Errorf("part %q not in data, metadata", s)
	}
}

// Indirection is the first-hop answer of the API: a status envelope that
// points at the URLs holding the real data and metadata.
type Indirection struct {
	Description string `json:"descripcion"`
	State       int    `json:"estado"`
	DataURL     string `json:"datos"`
	MetadataURL string `json:"metadatos"`
}

// Continuation returns the second-hop URL for part.
func (i *Indirection) Continuation(part Part) (string, bool) {
	var u string
	switch part {
	case PartData:
		u = i.DataURL
	case PartMetadata:
		u = i.MetadataURL
	}
	return u, u != ""
}

// OutcomeKind tags the result of one retrieval attempt.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeEmpty
	OutcomeServerError
	OutcomeTransientFailure
	OutcomeProtocolViolation
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeEmpty:
		return "empty"
	case OutcomeServerError:
		return "server_error"
	case OutcomeTransientFailure:
		return "transient_failure"
	case OutcomeProtocolViolation:
		return "protocol_violation"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of a request.
type Outcome struct {
	Kind OutcomeKind

	// StatusCode and Reason describe the HTTP answer, when there was one.
	StatusCode int
	Reason     string

	// Description is the human readable text returned by the API.
	Description string

	// Indirection is set by a successful first hop.
	Indirection *Indirection

	// Payload is the decoded JSON document of a successful second hop:
	// a []any of records or a single map[string]any.
	Payload any

	// Err explains every non-success outcome.
	Err error
}

// OK reports whether the outcome carries usable content.
func (o Outcome) OK() bool {
	return o.Kind == OutcomeSuccess
}
