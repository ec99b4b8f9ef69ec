package logging_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meteoharvest/meteoharvest/internal/logging"
)

func TestNew_ConsoleAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meteoharvest.log")
	require.NoError(t, os.WriteFile(path, []byte("previous run\n"), 0o644))

	var console bytes.Buffer
	log, closer, err := logging.New(logging.Options{
		Level:   "debug",
		File:    path,
		Out:     &console,
		Service: "meteoharvest",
	})
	require.NoError(t, err)

	log.Debug().Str("station", "3195").Msg("entered station")
	require.NoError(t, closer.Close())

	assert.Contains(t, console.String(), "entered station")
	assert.Contains(t, console.String(), "3195")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "previous run", lines[0], "file is appended")

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &entry))
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "3195", entry["station"])
	assert.Equal(t, "meteoharvest", entry["service"])
}

func TestNew_LevelFilters(t *testing.T) {
	var out bytes.Buffer
	log, closer, err := logging.New(logging.Options{Level: "warn", JSON: true, Out: &out})
	require.NoError(t, err)
	defer closer.Close()

	log.Info().Msg("hidden")
	log.Warn().Msg("shown")

	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), `"message":"shown"`)
}

func TestNew_BadLevel(t *testing.T) {
	_, closer, err := logging.New(logging.Options{Level: "chatty"})
	assert.Error(t, err)
	assert.NotNil(t, closer)
}

func TestFile_BuffersUntilFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diag.log")
	f, err := logging.OpenFile(path)
	require.NoError(t, err)

	_, err = f.Write([]byte("line\n"))
	require.NoError(t, err)

	data, _ := os.ReadFile(path)
	assert.Empty(t, data)

	require.NoError(t, f.Flush())
	data, _ = os.ReadFile(path)
	assert.Equal(t, "line\n", string(data))
	require.NoError(t, f.Close())
}
