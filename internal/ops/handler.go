package ops

import (
	"net/http"
	"sort"
	"time"

	"github.com/meteoharvest/meteoharvest/internal/download"
)

// Health is the body of /health and /ready.
type Health struct {
	Status  string            `json:"status"`
	Time    time.Time         `json:"time"`
	Version string            `json:"version,omitempty"`
	Build   string            `json:"buildTime,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// RunReport summarizes a download run.
type RunReport struct {
	RunID           string    `json:"runId"`
	Kind            string    `json:"kind"`
	Requested       int       `json:"requested"`
	Saved           int       `json:"saved"`
	SkippedExisting int       `json:"skippedExisting"`
	SkippedEmpty    int       `json:"skippedEmpty"`
	Failed          int       `json:"failed"`
	Canceled        bool      `json:"canceled"`
	StartedAt       time.Time `json:"startedAt"`
	DurationSeconds float64   `json:"durationSeconds"`
	Artifacts       []string  `json:"artifacts"`
}

// UnitReport is one sub-request of a run.
type UnitReport struct {
	Station    string `json:"station"`
	SubRange   string `json:"subRange,omitempty"`
	Part       string `json:"part"`
	Name       string `json:"name"`
	State      string `json:"state"`
	StatusCode int    `json:"statusCode,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
	Rows       int    `json:"rows,omitempty"`
	Transient  bool   `json:"transient,omitempty"`
}

// NewRunReport converts a run result.
func NewRunReport(res *download.Result) RunReport {
	return RunReport{
		RunID:           res.RunID,
		Kind:            res.Kind,
		Requested:       res.Requested,
		Saved:           res.Saved,
		SkippedExisting: res.SkippedExisting,
		SkippedEmpty:    res.SkippedEmpty,
		Failed:          res.Failed,
		Canceled:        res.Canceled,
		StartedAt:       res.StartedAt,
		DurationSeconds: res.Duration.Seconds(),
		Artifacts:       res.Names(),
	}
}

type handler struct {
	version   string
	buildTime string
	runs      RunSource
	metrics   MetricsSource
	checks    map[string]Check
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Health{
		Status:  "ok",
		Time:    time.Now().UTC(),
		Version: h.version,
		Build:   h.buildTime,
	})
}

func (h *handler) ready(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	body := Health{Status: "ok", Time: time.Now().UTC(), Checks: make(map[string]string, len(names))}
	status := http.StatusOK
	for _, name := range names {
		if err := h.checks[name](r.Context()); err != nil {
			body.Checks[name] = err.Error()
			body.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		body.Checks[name] = "ok"
	}
	writeJSON(w, status, body)
}

func (h *handler) latestRun(w http.ResponseWriter, r *http.Request) {
	res := h.last()
	if res == nil {
		writeProblem(w, r, http.StatusNotFound, "no run has finished yet")
		return
	}
	writeJSON(w, http.StatusOK, NewRunReport(res))
}

// latestUnits lists the units of the last run, optionally filtered by
// ?state=.
func (h *handler) latestUnits(w http.ResponseWriter, r *http.Request) {
	res := h.last()
	if res == nil {
		writeProblem(w, r, http.StatusNotFound, "no run has finished yet")
		return
	}
	state := r.URL.Query().Get("state")
	if state != "" && !validState(state) {
		writeProblem(w, r, http.StatusBadRequest, "unknown state "+state)
		return
	}

	units := make([]UnitReport, 0, len(res.Units))
	for _, u := range res.Units {
		if state != "" && u.State.String() != state {
			continue
		}
		ur := UnitReport{
			Station:    u.Station,
			Part:       string(u.Part),
			Name:       u.Name,
			State:      u.State.String(),
			StatusCode: u.StatusCode,
			Reason:     u.Reason,
			Error:      u.Error,
			Rows:       u.Rows,
			Transient:  u.Transient,
		}
		if u.SubRange.Start != "" {
			ur.SubRange = u.SubRange.String()
		}
		units = append(units, ur)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runId": res.RunID, "units": units})
}

func (h *handler) workerMetrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		writeProblem(w, r, http.StatusNotFound, "no job metrics in this process")
		return
	}
	writeJSON(w, http.StatusOK, h.metrics.MetricsSnapshot())
}

func (h *handler) last() *download.Result {
	if h.runs == nil {
		return nil
	}
	return h.runs.LastResult()
}

func validState(s string) bool {
	for st := download.StatePending; st <= download.StateLoggedFailure; st++ {
		if st.String() == s {
			return true
		}
	}
	return false
}
