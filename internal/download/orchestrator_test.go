package download_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meteoharvest/meteoharvest/internal/aemet"
	"github.com/meteoharvest/meteoharvest/internal/artifact"
	"github.com/meteoharvest/meteoharvest/internal/download"
	"github.com/meteoharvest/meteoharvest/internal/provider/resilience"
	"github.com/meteoharvest/meteoharvest/internal/timerange"
)

// fakeFetcher answers by path; unknown paths get a one-record payload.
type fakeFetcher struct {
	mu       sync.Mutex
	calls    []string
	outcomes map[string]aemet.Outcome
	cancel   context.CancelFunc
}

func (f *fakeFetcher) Fetch(_ context.Context, path string, part aemet.Part) aemet.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, string(part)+" "+path)
	if f.cancel != nil {
		f.cancel()
	}
	if out, ok := f.outcomes[path]; ok {
		return out
	}
	return aemet.Outcome{
		Kind:        aemet.OutcomeSuccess,
		StatusCode:  http.StatusOK,
		Reason:      "OK",
		Description: "exito",
		Payload:     []any{map[string]any{"fecha": "2020-01-01", "tmed": "8,4"}},
	}
}

func newOrchestrator(f download.Fetcher, logger zerolog.Logger) *download.Orchestrator {
	return download.NewOrchestrator(download.Config{
		Fetcher:     f,
		Partitioner: timerange.NewPartitioner(timerange.Config{Logger: zerolog.Nop()}),
		Logger:      logger,
	})
}

var (
	r1 = timerange.SubRange{Start: "2020-01-01T00:00:00UTC", End: "2020-01-30T23:59:59UTC"}
	r2 = timerange.SubRange{Start: "2020-01-31T00:00:00UTC", End: "2020-02-29T23:59:59UTC"}
)

func TestRun_SavesEveryUnit(t *testing.T) {
	dir := t.TempDir()
	f := &fakeFetcher{}

	res, err := newOrchestrator(f, zerolog.Nop()).Run(context.Background(), download.RunRequest{
		Stations:  []string{"3195", "9434P"},
		SubRanges: []timerange.SubRange{r1, r2},
		Kind:      download.KindDay,
		Part:      aemet.PartData,
		OutputDir: dir,
	})
	require.NoError(t, err)

	assert.Equal(t, 4, res.Requested)
	assert.Equal(t, 4, res.Saved)
	assert.NotEmpty(t, res.RunID)
	assert.Len(t, f.calls, 4)
	assert.Equal(t, "data "+aemet.DailyPath(r1, "3195"), f.calls[0])
	assert.Equal(t, "data "+aemet.DailyPath(r2, "9434P"), f.calls[3])

	for _, name := range res.Names() {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
	assert.Contains(t, res.Names(), "3195_20200101T000000UTC_20200130T235959UTC_data.csv")
}

func TestRun_FailuresStayLocal(t *testing.T) {
	dir := t.TempDir()
	f := &fakeFetcher{outcomes: map[string]aemet.Outcome{
		aemet.DailyPath(r1, "3195"): {Kind: aemet.OutcomeTransientFailure, StatusCode: 429, Err: aemet.ErrRateLimited},
		aemet.DailyPath(r2, "3195"): {Kind: aemet.OutcomeEmpty, StatusCode: 200, Description: "No hay datos"},
		aemet.DailyPath(r1, "0000"): {Kind: aemet.OutcomeServerError, StatusCode: 404, Err: aemet.ErrNotFound},
	}}

	res, err := newOrchestrator(f, zerolog.Nop()).Run(context.Background(), download.RunRequest{
		Stations:  []string{"3195", "0000"},
		SubRanges: []timerange.SubRange{r1, r2},
		Kind:      download.KindDay,
		OutputDir: dir,
	})
	require.NoError(t, err)

	assert.Equal(t, 4, res.Requested)
	assert.Equal(t, 1, res.Saved)
	assert.Equal(t, 1, res.SkippedEmpty)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Units, 4)
	assert.Equal(t, download.StateLoggedFailure, res.Units[0].State)
	assert.Equal(t, download.StateSkippedEmpty, res.Units[1].State)
	assert.Equal(t, download.StateLoggedFailure, res.Units[2].State)
	assert.Equal(t, download.StateSaved, res.Units[3].State)
	assert.True(t, res.Units[0].Transient)
	assert.False(t, res.Units[2].Transient, "404 is not worth retrying")
	for _, u := range res.Units {
		assert.True(t, u.State.Terminal())
	}
}

func TestRun_ResumeSkipsExisting(t *testing.T) {
	dir := t.TempDir()
	existing := artifact.Name("3195", r1, aemet.PartData)
	require.NoError(t, os.WriteFile(filepath.Join(dir, existing), []byte("fecha\n2020-01-01\n"), 0o644))

	f := &fakeFetcher{}
	req := download.RunRequest{
		Stations:  []string{"3195"},
		SubRanges: []timerange.SubRange{r1, r2},
		Kind:      download.KindDay,
		OutputDir: dir,
		Resumable: true,
	}

	res, err := newOrchestrator(f, zerolog.Nop()).Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, res.SkippedExisting)
	assert.Equal(t, 1, res.Saved)
	assert.Equal(t, []string{"data " + aemet.DailyPath(r2, "3195")}, f.calls)

	raw, err := os.ReadFile(filepath.Join(dir, existing))
	require.NoError(t, err)
	assert.Equal(t, "fecha\n2020-01-01\n", string(raw), "existing artifact must not be touched")

	// A second resumable run makes no requests at all.
	f2 := &fakeFetcher{}
	res, err = newOrchestrator(f2, zerolog.Nop()).Run(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, f2.calls)
	assert.Equal(t, 2, res.SkippedExisting)
	assert.Zero(t, res.Saved)
}

func TestRun_NotResumableOverwrites(t *testing.T) {
	dir := t.TempDir()
	existing := artifact.Name("3195", r1, aemet.PartData)
	require.NoError(t, os.WriteFile(filepath.Join(dir, existing), []byte("old\n"), 0o644))

	f := &fakeFetcher{}
	res, err := newOrchestrator(f, zerolog.Nop()).Run(context.Background(), download.RunRequest{
		Stations:  []string{"3195"},
		SubRanges: []timerange.SubRange{r1},
		Kind:      download.KindDay,
		OutputDir: dir,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Saved)
	raw, err := os.ReadFile(filepath.Join(dir, existing))
	require.NoError(t, err)
	assert.Equal(t, "fecha,tmed\n2020-01-01,\"8,4\"\n", string(raw))
}

func TestRun_MetadataOncePerStation(t *testing.T) {
	dir := t.TempDir()
	f := &fakeFetcher{}

	res, err := newOrchestrator(f, zerolog.Nop()).Run(context.Background(), download.RunRequest{
		Stations:  []string{"3195", "9434P"},
		SubRanges: []timerange.SubRange{r1, r2},
		Kind:      download.KindDay,
		Part:      aemet.PartMetadata,
		OutputDir: dir,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Requested)
	assert.Equal(t, []string{
		"metadata " + aemet.DailyPath(r1, "3195"),
		"metadata " + aemet.DailyPath(r1, "9434P"),
	}, f.calls)
}

func TestRun_MetadataResumeHitSkipsStation(t *testing.T) {
	dir := t.TempDir()
	older := timerange.SubRange{Start: "2010-01-01T00:00:00UTC", End: "2014-12-30T23:59:59UTC"}
	require.NoError(t, os.WriteFile(filepath.Join(dir, artifact.Name("3195", older, aemet.PartMetadata)), []byte("id\n"), 0o644))

	f := &fakeFetcher{}
	res, err := newOrchestrator(f, zerolog.Nop()).Run(context.Background(), download.RunRequest{
		Stations:  []string{"3195", "9434P"},
		SubRanges: []timerange.SubRange{r1, r2},
		Kind:      download.KindDay,
		Part:      aemet.PartMetadata,
		OutputDir: dir,
		Resumable: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.SkippedExisting)
	assert.Equal(t, []string{"metadata " + aemet.DailyPath(r1, "9434P")}, f.calls)
}

func TestRun_MonthlyPaths(t *testing.T) {
	f := &fakeFetcher{}
	years := timerange.SubRange{Start: "2000", End: "2003"}

	res, err := newOrchestrator(f, zerolog.Nop()).Run(context.Background(), download.RunRequest{
		Stations:  []string{"3195"},
		SubRanges: []timerange.SubRange{years},
		Kind:      download.KindMonth,
		OutputDir: t.TempDir(),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"data " + aemet.MonthlyPath(years, "3195")}, f.calls)
	assert.Equal(t, []string{"3195_2000_2003_data.csv"}, res.Names())
}

func TestRun_Preconditions(t *testing.T) {
	f := &fakeFetcher{}
	o := newOrchestrator(f, zerolog.Nop())

	_, err := o.Run(context.Background(), download.RunRequest{Kind: "week", OutputDir: t.TempDir()})
	assert.ErrorIs(t, err, download.ErrInvalidArgument)

	_, err = o.Run(context.Background(), download.RunRequest{
		Stations:  []string{"3195"},
		SubRanges: []timerange.SubRange{r1},
		Kind:      download.KindDay,
		OutputDir: filepath.Join(t.TempDir(), "missing"),
	})
	assert.ErrorIs(t, err, download.ErrOutputDir)
	assert.Empty(t, f.calls, "no request before preconditions hold")
}

func TestRun_PayloadNotRecords(t *testing.T) {
	f := &fakeFetcher{outcomes: map[string]aemet.Outcome{
		aemet.DailyPath(r1, "3195"): {Kind: aemet.OutcomeSuccess, StatusCode: 200, Payload: []any{"x"}},
	}}

	res, err := newOrchestrator(f, zerolog.Nop()).Run(context.Background(), download.RunRequest{
		Stations:  []string{"3195"},
		SubRanges: []timerange.SubRange{r1},
		Kind:      download.KindDay,
		OutputDir: t.TempDir(),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, aemet.OutcomeProtocolViolation, res.Units[0].Outcome)
}

func TestRun_CancelStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := &fakeFetcher{cancel: cancel}

	res, err := newOrchestrator(f, zerolog.Nop()).Run(ctx, download.RunRequest{
		Stations:  []string{"3195"},
		SubRanges: []timerange.SubRange{r1, r2},
		Kind:      download.KindDay,
		OutputDir: t.TempDir(),
	})
	require.NoError(t, err)

	assert.True(t, res.Canceled)
	assert.Len(t, f.calls, 1)
}

func TestRun_QuietLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	_, err := newOrchestrator(&fakeFetcher{}, logger).Run(context.Background(), download.RunRequest{
		Stations:  []string{"3195", "9434P"},
		SubRanges: []timerange.SubRange{r1, r2},
		Kind:      download.KindDay,
		OutputDir: t.TempDir(),
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, `"message":"entered station"`))
	assert.Equal(t, 1, strings.Count(out, `"message":"request status"`), "quiet window suppresses later lines")
	assert.Contains(t, out, "artifacts produced 4 of 4")
}

func TestRun_VerboseLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	_, err := newOrchestrator(&fakeFetcher{}, logger).Run(context.Background(), download.RunRequest{
		Stations:  []string{"3195", "9434P"},
		SubRanges: []timerange.SubRange{r1, r2},
		Kind:      download.KindDay,
		OutputDir: t.TempDir(),
		Verbose:   true,
	})
	require.NoError(t, err)

	out := buf.String()
	assert.NotContains(t, out, "entered station")
	assert.Equal(t, 4, strings.Count(out, `"message":"request status"`))

	firstLine := strings.SplitN(out, "\n", 3)[1]
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(firstLine), &entry))
	assert.Equal(t, "3195", entry["station"])
	assert.Equal(t, r1.Start, entry["start"])
	assert.Equal(t, "exito", entry["description"])
	assert.Equal(t, "OK", entry["reason"])
	assert.NotEmpty(t, entry["run_id"])
}

func TestDownload_PartitionsByKind(t *testing.T) {
	f := &fakeFetcher{}
	o := newOrchestrator(f, zerolog.Nop())

	res, err := o.Download(context.Background(), download.StationRequest{
		Stations:  []string{"3195"},
		Start:     timerange.Year(2000),
		End:       timerange.Year(2010),
		Kind:      download.KindMonth,
		OutputDir: t.TempDir(),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Requested)
	assert.Equal(t, "data "+aemet.MonthlyPath(timerange.SubRange{Start: "2000", End: "2003"}, "3195"), f.calls[0])
	assert.Same(t, res, o.LastResult())

	_, err = o.Download(context.Background(), download.StationRequest{
		Stations:  []string{"3195"},
		Start:     timerange.Year(2000),
		End:       timerange.NewDate(2001, time.January, 1),
		Kind:      download.KindDay,
		OutputDir: t.TempDir(),
	})
	assert.ErrorIs(t, err, download.ErrInvalidArgument)
	assert.ErrorIs(t, err, timerange.ErrTypeMismatch)
}

func TestFetchAllStations_Both(t *testing.T) {
	dir := t.TempDir()
	f := &fakeFetcher{}

	res, err := newOrchestrator(f, zerolog.Nop()).FetchAllStations(context.Background(), download.AllStationsRequest{
		Start:     timerange.NewDate(2020, time.January, 1),
		End:       timerange.NewDate(2020, time.February, 29),
		FetchKind: download.FetchBoth,
		OutputDir: dir,
	})
	require.NoError(t, err)

	assert.Equal(t, 4, res.Requested)
	assert.Equal(t, 4, res.Saved)
	assert.Contains(t, res.Names(), "stations_20200101T000000UTC_20200131T235959UTC_data.csv")
	assert.Contains(t, res.Names(), "stations_20200101T000000UTC_20200131T235959UTC_metadata.csv")
	assert.Contains(t, res.Names(), "stations_20200201T000000UTC_20200229T235959UTC_data.csv")
	assert.True(t, strings.HasSuffix(f.calls[0], "/todasestaciones"))
}

func TestFetchAllStations_InvalidFetchKind(t *testing.T) {
	_, err := newOrchestrator(&fakeFetcher{}, zerolog.Nop()).FetchAllStations(context.Background(), download.AllStationsRequest{
		Start:     timerange.NewDate(2020, time.January, 1),
		End:       timerange.NewDate(2020, time.January, 2),
		FetchKind: "all",
		OutputDir: t.TempDir(),
	})
	assert.ErrorIs(t, err, download.ErrInvalidArgument)
}

func TestFetchInventory(t *testing.T) {
	dir := t.TempDir()
	f := &fakeFetcher{outcomes: map[string]aemet.Outcome{
		aemet.InventoryPath: {
			Kind:       aemet.OutcomeSuccess,
			StatusCode: 200,
			Payload: []any{
				map[string]any{"indicativo": "3195", "nombre": "MADRID, RETIRO", "provincia": "MADRID"},
				map[string]any{"indicativo": "9434P", "nombre": "ZARAGOZA", "indsinop": "08160"},
			},
		},
	}}

	res, err := newOrchestrator(f, zerolog.Nop()).FetchInventory(context.Background(), dir, aemet.PartData)
	require.NoError(t, err)

	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "estaciones_open_data.csv", res.Artifacts[0].Name)
	table, err := artifact.ReadCSV(res.Artifacts[0].Path)
	require.NoError(t, err)
	assert.Equal(t, []string{"indicativo", "indsinop", "nombre", "provincia"}, table.Header)
	assert.Equal(t, 2, table.Len())
}

// An end-to-end pass through the real client against a fake server.
func TestRun_WithAemetClient(t *testing.T) {
	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/valores/climatologicos/diarios/datos/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json;charset=UTF-8")
		if strings.Contains(r.URL.Path, "/estacion/9999") {
			_ = json.NewEncoder(w).Encode(aemet.Indirection{Description: "No hay datos que satisfagan esos criterios", State: 404})
			return
		}
		_ = json.NewEncoder(w).Encode(aemet.Indirection{
			Description: "exito",
			State:       200,
			DataURL:     server.URL + "/sh/data",
			MetadataURL: server.URL + "/sh/meta",
		})
	})
	mux.HandleFunc("/sh/data", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"fecha":"2020-01-01","tmed":"8,4"},{"fecha":"2020-01-02","prec":"Ip"}]`))
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	rc := resilience.DefaultClientConfig("aemet-e2e")
	rc.BackoffFactor = time.Millisecond
	client := aemet.NewClient(aemet.ClientConfig{
		APIKey:     "k",
		BaseURL:    server.URL,
		HTTPClient: resilience.NewClient(rc),
		Logger:     zerolog.Nop(),
	})

	dir := t.TempDir()
	res, err := newOrchestrator(client, zerolog.Nop()).Run(context.Background(), download.RunRequest{
		Stations:  []string{"3195", "9999"},
		SubRanges: []timerange.SubRange{r1},
		Kind:      download.KindDay,
		OutputDir: dir,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Saved)
	assert.Equal(t, 1, res.SkippedEmpty)

	table, err := artifact.ReadCSV(res.Artifacts[0].Path)
	require.NoError(t, err)
	assert.Equal(t, []string{"fecha", "prec", "tmed"}, table.Header)
	assert.Equal(t, [][]string{{"2020-01-01", "", "8,4"}, {"2020-01-02", "Ip", ""}}, table.Rows)
}

// A rate-limited station opens the breaker; the next stations still reach
// the server once it turns half-open.
func TestRun_RateLimitedStationDoesNotStopOthers(t *testing.T) {
	var server *httptest.Server
	var goodHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/valores/climatologicos/diarios/datos/", func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/estacion/BAD") {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		goodHits.Add(1)
		w.Header().Set("Content-Type", "application/json;charset=UTF-8")
		_ = json.NewEncoder(w).Encode(aemet.Indirection{
			Description: "exito",
			State:       200,
			DataURL:     server.URL + "/sh/data",
			MetadataURL: server.URL + "/sh/meta",
		})
	})
	mux.HandleFunc("/sh/data", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"fecha":"2020-01-01","tmed":"8,4"}]`))
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	cb := resilience.DefaultCircuitBreakerConfig("aemet-breaker")
	cb.Timeout = 50 * time.Millisecond
	rc := resilience.DefaultClientConfig("aemet-breaker")
	rc.BackoffFactor = time.Millisecond
	rc.MaxInterval = 5 * time.Millisecond
	rc.CircuitBreaker = &cb
	client := aemet.NewClient(aemet.ClientConfig{
		APIKey:     "k",
		BaseURL:    server.URL,
		HTTPClient: resilience.NewClient(rc),
		Logger:     zerolog.Nop(),
	})

	r3 := timerange.SubRange{Start: "2020-03-01T00:00:00UTC", End: "2020-03-30T23:59:59UTC"}
	res, err := newOrchestrator(client, zerolog.Nop()).Run(context.Background(), download.RunRequest{
		Stations:  []string{"BAD", "GOOD1", "GOOD2"},
		SubRanges: []timerange.SubRange{r1, r2, r3},
		Kind:      download.KindDay,
		OutputDir: t.TempDir(),
	})
	require.NoError(t, err)

	assert.Equal(t, 9, res.Requested)
	assert.Equal(t, 3, res.Failed)
	assert.Equal(t, 6, res.Saved)
	assert.Equal(t, int32(6), goodHits.Load())
	for _, u := range res.Units {
		if u.Station == "BAD" {
			assert.Equal(t, download.StateLoggedFailure, u.State)
			assert.True(t, u.Transient, u.Error)
			continue
		}
		assert.Equal(t, download.StateSaved, u.State, u.Station)
	}
}

func TestParseKinds(t *testing.T) {
	k, err := download.ParseKind("month")
	require.NoError(t, err)
	assert.Equal(t, download.KindMonth, k)

	_, err = download.ParseKind("year")
	assert.ErrorIs(t, err, download.ErrInvalidArgument)

	fk, err := download.ParseFetchKind("both")
	require.NoError(t, err)
	assert.Equal(t, []aemet.Part{aemet.PartData, aemet.PartMetadata}, fk.Parts())
}
