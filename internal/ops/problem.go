package ops

import (
	"encoding/json"
	"net/http"
)

// ProblemTypeBase prefixes problem type URIs.
const ProblemTypeBase = "https://meteoharvest.dev/problems/"

// Problem is an RFC 7807 error body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"traceId"`
}

var problemTypes = map[int]string{
	http.StatusBadRequest:          "validation-error",
	http.StatusNotFound:            "not-found",
	http.StatusTooManyRequests:     "too-many-requests",
	http.StatusInternalServerError: "internal-error",
	http.StatusServiceUnavailable:  "service-unavailable",
}

// NewProblem creates the problem of status.
func NewProblem(status int, traceID, detail string) *Problem {
	typ, ok := problemTypes[status]
	if !ok {
		typ = "about-blank"
	}
	return &Problem{
		Type:    ProblemTypeBase + typ,
		Title:   http.StatusText(status),
		Status:  status,
		Detail:  detail,
		TraceID: traceID,
	}
}

// Write writes the Problem as JSON to the ResponseWriter.
func (p *Problem) Write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/problem+json")
	if p.TraceID != "" {
		w.Header().Set("X-Request-Id", p.TraceID)
	}
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	p := NewProblem(status, GetRequestID(r.Context()), detail)
	p.Instance = r.URL.Path
	p.Write(w)
}
