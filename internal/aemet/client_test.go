package aemet_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"github.com/meteoharvest/meteoharvest/internal/aemet"
	"github.com/meteoharvest/meteoharvest/internal/provider/resilience"
	"github.com/meteoharvest/meteoharvest/internal/timerange"
)

const testKey = "test-key"

func newClient(t *testing.T, baseURL string) *aemet.Client {
	t.Helper()
	rc := resilience.DefaultClientConfig("aemet-test")
	rc.BackoffFactor = 5 * time.Millisecond
	rc.MaxInterval = 20 * time.Millisecond
	rc.Logger = zerolog.Nop()
	return aemet.NewClient(aemet.ClientConfig{
		APIKey:     testKey,
		BaseURL:    baseURL,
		HTTPClient: resilience.NewClient(rc),
		Logger:     zerolog.Nop(),
	})
}

func writeIndirection(w http.ResponseWriter, ind aemet.Indirection) {
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	_ = json.NewEncoder(w).Encode(ind)
}

func TestClient_FetchTwoHops(t *testing.T) {
	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/valores/climatologicos/diarios/datos/fechaini/2020-01-01T00:00:00UTC/fechafin/2020-01-02T23:59:59UTC/estacion/3195", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testKey, r.URL.Query().Get("api_key"))
		assert.Equal(t, "no-cache", r.Header.Get("Cache-Control"))
		writeIndirection(w, aemet.Indirection{
			Description: "exito",
			State:       200,
			DataURL:     server.URL + "/sh/data",
			MetadataURL: server.URL + "/sh/meta",
		})
	})
	mux.HandleFunc("/sh/data", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testKey, r.URL.Query().Get("api_key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"fecha":"2020-01-01","indicativo":"3195","tmed":"8,4"},{"fecha":"2020-01-02","indicativo":"3195","prec":"0,0"}]`))
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	client := newClient(t, server.URL)
	sr := timerange.SubRange{Start: "2020-01-01T00:00:00UTC", End: "2020-01-02T23:59:59UTC"}

	out := client.Fetch(context.Background(), aemet.DailyPath(sr, "3195"), aemet.PartData)
	require.Equal(t, aemet.OutcomeSuccess, out.Kind, "err: %v", out.Err)
	assert.Equal(t, "exito", out.Description)
	assert.Equal(t, http.StatusOK, out.StatusCode)

	records, ok := out.Payload.([]any)
	require.True(t, ok)
	require.Len(t, records, 2)
	first := records[0].(map[string]any)
	assert.Equal(t, "8,4", first["tmed"])
}

func TestClient_RateLimitedThenSuccess(t *testing.T) {
	var attempts atomic.Int32
	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/first", func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeIndirection(w, aemet.Indirection{Description: "exito", State: 200, DataURL: server.URL + "/data"})
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"a":1}]`))
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	out := newClient(t, server.URL).Fetch(context.Background(), "/first", aemet.PartData)

	assert.Equal(t, aemet.OutcomeSuccess, out.Kind)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestClient_RateLimitExhausted(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	out := newClient(t, server.URL).Lookup(context.Background(), "/first")

	assert.Equal(t, aemet.OutcomeTransientFailure, out.Kind)
	assert.ErrorIs(t, out.Err, aemet.ErrRateLimited)
	assert.Equal(t, http.StatusTooManyRequests, out.StatusCode)
	assert.Equal(t, int32(4), attempts.Load(), "one attempt plus three retries")
	assert.True(t, aemet.IsTransient(out))
}

func TestClient_StatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   aemet.OutcomeKind
		err    error
		reason string
	}{
		{name: "not found", status: http.StatusNotFound, kind: aemet.OutcomeServerError, err: aemet.ErrNotFound, reason: "Not Found"},
		{name: "unauthorized", status: http.StatusUnauthorized, kind: aemet.OutcomeServerError, err: aemet.ErrUnauthorized, reason: "Unauthorized"},
		{name: "internal error", status: http.StatusInternalServerError, kind: aemet.OutcomeServerError, err: aemet.ErrUnexpectedStatus, reason: "Internal Server Error"},
		{name: "bad request", status: http.StatusBadRequest, kind: aemet.OutcomeServerError, err: aemet.ErrUnexpectedStatus, reason: "Bad Request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				attempts.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			out := newClient(t, server.URL).Lookup(context.Background(), "/first")

			assert.Equal(t, tt.kind, out.Kind)
			assert.ErrorIs(t, out.Err, tt.err)
			assert.Equal(t, tt.status, out.StatusCode)
			assert.Equal(t, tt.reason, out.Reason)
			assert.Equal(t, int32(1), attempts.Load(), "non-retryable status must not be retried")
		})
	}
}

func TestClient_GatewayErrorExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	out := newClient(t, server.URL).Lookup(context.Background(), "/first")

	assert.Equal(t, aemet.OutcomeTransientFailure, out.Kind)
	assert.ErrorIs(t, out.Err, aemet.ErrUnavailable)
}

func TestClient_NetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	out := newClient(t, url).Lookup(context.Background(), "/first")

	assert.Equal(t, aemet.OutcomeTransientFailure, out.Kind)
	assert.Error(t, out.Err)
	assert.Zero(t, out.StatusCode)
}

func TestClient_MalformedIndirection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer server.Close()

	out := newClient(t, server.URL).Lookup(context.Background(), "/first")

	assert.Equal(t, aemet.OutcomeProtocolViolation, out.Kind)
	assert.ErrorIs(t, out.Err, aemet.ErrProtocol)
}

func TestClient_NoDataAnswerIsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeIndirection(w, aemet.Indirection{
			Description: "No hay datos que satisfagan esos criterios",
			State:       404,
		})
	}))
	defer server.Close()

	out := newClient(t, server.URL).Fetch(context.Background(), "/first", aemet.PartData)

	assert.Equal(t, aemet.OutcomeEmpty, out.Kind)
	assert.Equal(t, "No hay datos que satisfagan esos criterios", out.Description)
	assert.NoError(t, out.Err)
}

func TestClient_SuccessStateWithoutContinuation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeIndirection(w, aemet.Indirection{Description: "exito", State: 200})
	}))
	defer server.Close()

	out := newClient(t, server.URL).Lookup(context.Background(), "/first")

	assert.Equal(t, aemet.OutcomeProtocolViolation, out.Kind)
	assert.ErrorIs(t, out.Err, aemet.ErrNoContinuation)
}

func TestClient_RateLimitInEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeIndirection(w, aemet.Indirection{Description: "Limite de peticiones", State: 429})
	}))
	defer server.Close()

	out := newClient(t, server.URL).Lookup(context.Background(), "/first")

	assert.Equal(t, aemet.OutcomeTransientFailure, out.Kind)
	assert.ErrorIs(t, out.Err, aemet.ErrRateLimited)
}

func TestClient_RetrieveDecodesLatin9(t *testing.T) {
	encoded, err := charmap.ISO8859_15.NewEncoder().String(`[{"nombre":"A CORUÑA","provincia":"CÁCERES","simbolo":"€"}]`)
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(encoded))
	}))
	defer server.Close()

	client := newClient(t, server.URL)
	ind := &aemet.Indirection{Description: "exito", State: 200, DataURL: server.URL + "/data"}

	out := client.Retrieve(context.Background(), ind, aemet.PartData)
	require.Equal(t, aemet.OutcomeSuccess, out.Kind, "err: %v", out.Err)

	rec := out.Payload.([]any)[0].(map[string]any)
	assert.Equal(t, "A CORUÑA", rec["nombre"])
	assert.Equal(t, "CÁCERES", rec["provincia"])
	assert.Equal(t, "€", rec["simbolo"])
}

func TestClient_RetrieveHonoursAnnouncedCharset(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"nombre":"LOGROÑO"}`))
	}))
	defer server.Close()

	ind := &aemet.Indirection{MetadataURL: server.URL + "/meta"}
	out := newClient(t, server.URL).Retrieve(context.Background(), ind, aemet.PartMetadata)

	require.Equal(t, aemet.OutcomeSuccess, out.Kind)
	assert.Equal(t, "LOGROÑO", out.Payload.(map[string]any)["nombre"])
}

func TestClient_RetrieveKeepsNumbersVerbatim(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"altitud":1894.50}]`))
	}))
	defer server.Close()

	ind := &aemet.Indirection{DataURL: server.URL + "/data"}
	out := newClient(t, server.URL).Retrieve(context.Background(), ind, aemet.PartData)

	require.Equal(t, aemet.OutcomeSuccess, out.Kind)
	rec := out.Payload.([]any)[0].(map[string]any)
	assert.Equal(t, json.Number("1894.50"), rec["altitud"])
}

func TestClient_RetrieveEmptyPayload(t *testing.T) {
	for _, body := range []string{`[]`, `{}`, ``, "  \n"} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(body))
		}))

		ind := &aemet.Indirection{Description: "exito", DataURL: server.URL + "/data"}
		out := newClient(t, server.URL).Retrieve(context.Background(), ind, aemet.PartData)
		server.Close()

		assert.Equal(t, aemet.OutcomeEmpty, out.Kind, "body %q", body)
		assert.Equal(t, "exito", out.Description)
	}
}

func TestClient_RetrieveMissingMetadataURL(t *testing.T) {
	client := newClient(t, "http://127.0.0.1:0")
	ind := &aemet.Indirection{DataURL: "http://127.0.0.1:0/data"}

	out := client.Retrieve(context.Background(), ind, aemet.PartMetadata)

	assert.Equal(t, aemet.OutcomeProtocolViolation, out.Kind)
	assert.ErrorIs(t, out.Err, aemet.ErrNoContinuation)
}

func TestEndpoints(t *testing.T) {
	day := timerange.SubRange{Start: "2020-01-01T00:00:00UTC", End: "2020-01-30T23:59:59UTC"}
	year := timerange.SubRange{Start: "2000", End: "2003"}

	assert.Equal(t,
		"/valores/climatologicos/diarios/datos/fechaini/2020-01-01T00:00:00UTC/fechafin/2020-01-30T23:59:59UTC/estacion/3195",
		aemet.DailyPath(day, "3195"))
	assert.Equal(t,
		"/valores/climatologicos/mensualesanuales/datos/anioini/2000/aniofin/2003/estacion/9434P",
		aemet.MonthlyPath(year, "9434P"))
	assert.Equal(t,
		"/valores/climatologicos/diarios/datos/fechaini/2020-01-01T00:00:00UTC/fechafin/2020-01-30T23:59:59UTC/todasestaciones",
		aemet.DailyAllStationsPath(day))
	assert.Equal(t, "/valores/climatologicos/inventarioestaciones/todasestaciones", aemet.InventoryPath)
}

func TestParsePart(t *testing.T) {
	p, err := aemet.ParsePart("metadata")
	require.NoError(t, err)
	assert.Equal(t, aemet.PartMetadata, p)

	_, err = aemet.ParsePart("both")
	assert.Error(t, err)
}
