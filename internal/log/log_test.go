package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/CZERTAINLY/jsexec/internal/log"
	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewWriter(&buf, false)

	ctx := log.ContextAttrs(t.Context(), slog.String("run", "r1"))
	a := log.ContextAttrs(ctx, slog.String("file", "a.js"))
	b := log.ContextAttrs(ctx, slog.String("file", "b.js"))

	logger.InfoContext(a, "executed")
	logger.InfoContext(b, "executed")
	logger.DebugContext(b, "hidden")

	dec := json.NewDecoder(&buf)
	var records []map[string]any
	for dec.More() {
		var rec map[string]any
		require.NoError(t, dec.Decode(&rec))
		records = append(records, rec)
	}
	require.Len(t, records, 2)
	require.Equal(t, "r1", records[0]["run"])
	require.Equal(t, "a.js", records[0]["file"])
	require.Equal(t, "r1", records[1]["run"])
	require.Equal(t, "b.js", records[1]["file"])
}

func TestVerbose(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewWriter(&buf, true)
	logger.With("k", "v").Debug("visible")
	require.Contains(t, buf.String(), `"msg":"visible"`)
	require.Contains(t, buf.String(), `"k":"v"`)
}
