package report_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CZERTAINLY/jsexec/internal/coverage"
	"github.com/CZERTAINLY/jsexec/internal/model"
	"github.com/CZERTAINLY/jsexec/internal/plan"
	"github.com/CZERTAINLY/jsexec/internal/report"
	"github.com/stretchr/testify/require"
)

func libCoverage() coverage.Map {
	fc := coverage.Empty("lib.js")
	fc.StatementMap["0"] = coverage.Range{
		Start: coverage.Location{Line: 1, Column: 0},
		End:   coverage.Location{Line: 1, Column: 10},
	}
	fc.S["0"] = 2
	return coverage.Map{"lib.js": fc}
}

func TestNew(t *testing.T) {
	t.Parallel()
	started := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	failed := model.Errored(errors.New("boom"))
	failed.Platform, failed.File = "node", "b.test.js"
	ok := model.Completed(42, nil)
	ok.Platform, ok.File = "node", "a.test.js"
	ok.Started, ok.Stopped = started, started.Add(1500*time.Millisecond)

	doc := report.New("run-1", started, started.Add(time.Minute), plan.Report{
		Results: map[string]map[string]model.Outcome{
			"node": {"a.test.js": ok, "b.test.js": failed},
		},
		Coverage: libCoverage(),
	})
	require.Equal(t, "run-1", doc.RunID)
	require.Equal(t, 1, doc.Failed)
	require.Len(t, doc.Outcomes, 2)
	require.Equal(t, "a.test.js", doc.Outcomes[0].File)
	require.Equal(t, int64(1500), doc.Outcomes[0].DurationMS)
	require.Equal(t, "boom", doc.Outcomes[1].Error)
	require.NotNil(t, doc.Summary)
	require.Equal(t, coverage.Ratio{Covered: 1, Total: 1}, doc.Summary.Statements)

	var buf bytes.Buffer
	require.NoError(t, doc.AsJSON(&buf))
	var decoded report.Document
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, doc.RunID, decoded.RunID)
	require.Equal(t, 2, decoded.Coverage["lib.js"].S["0"])
}

func TestValidator(t *testing.T) {
	t.Parallel()
	v, err := report.NewValidator()
	require.NoError(t, err)

	require.NoError(t, v.Validate(t.Context(), libCoverage()))
	require.NoError(t, v.Validate(t.Context(), nil))

	err = v.ValidateBytes(t.Context(), []byte(`{"lib.js": {"path": "lib.js", "s": {"0": -1}}}`))
	require.Error(t, err)
	require.ErrorContains(t, err, "coverage validation failed")
}

func TestWriteUploader(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	u := report.NewWriteUploader(&buf)
	require.NoError(t, u.Upload(t.Context(), []byte("{}")))
	require.Equal(t, "{}", buf.String())
}

func TestOSRootUploader(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "reports")
	u, err := report.NewOSRootUploader(dir)
	require.NoError(t, err)
	require.NoError(t, u.Upload(t.Context(), []byte(`{"run_id":"x"}`)))
	require.NoError(t, u.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "jsexec-*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	require.JSONEq(t, `{"run_id":"x"}`, string(data))

	require.Error(t, u.Upload(t.Context(), nil))
	require.Error(t, u.Close())
}

func TestRepoUploader(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario    string
		status      int
		contentType string
		body        string
		then        string
	}{
		{
			scenario:    "created",
			status:      http.StatusCreated,
			contentType: "application/json",
			body:        `{"id":"42"}`,
		},
		{
			scenario:    "created without id",
			status:      http.StatusCreated,
			contentType: "application/json",
			body:        `{}`,
			then:        "received unexpected body",
		},
		{
			scenario:    "problem",
			status:      http.StatusBadRequest,
			contentType: "application/problem+json",
			body:        `{"detail":"not a coverage"}`,
			then:        "status code: 400, detail: not a coverage",
		},
		{
			scenario:    "unknown",
			status:      http.StatusInternalServerError,
			contentType: "text/plain",
			body:        "down",
			then:        "unknown error, status: 500, body: down",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, http.MethodPost, r.Method)
				require.Equal(t, "/api/v1/coverage", r.URL.Path)
				require.Equal(t, "application/json", r.Header.Get("Content-Type"))
				body, err := io.ReadAll(r.Body)
				require.NoError(t, err)
				require.Equal(t, `{"run_id":"x"}`, string(body))
				w.Header().Set("Content-Type", tc.contentType)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			t.Cleanup(srv.Close)

			u, err := report.NewRepoUploader(srv.URL)
			require.NoError(t, err)
			err = u.Upload(t.Context(), []byte(`{"run_id":"x"}`))
			if tc.then == "" {
				require.NoError(t, err)
				return
			}
			require.EqualError(t, err, tc.then)
		})
	}

	t.Run("url with path", func(t *testing.T) {
		_, err := report.NewRepoUploader("http://localhost:8080/api")
		require.Error(t, err)
	})
}

type failing struct{}

func (failing) Upload(_ context.Context, _ []byte) error {
	return errors.New("failing")
}

func TestUploadAll(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	err := report.UploadAll(t.Context(), []report.Uploader{failing{}, report.NewWriteUploader(&buf)}, []byte("x"))
	require.EqualError(t, err, "failing")
	require.Equal(t, "x", buf.String())

	uploaders, err := report.Uploaders("", "")
	require.NoError(t, err)
	require.Len(t, uploaders, 1)
}

func TestWriteSummary(t *testing.T) {
	t.Parallel()
	failed := model.Errored(errors.New("boom\n  at a.js:1"))
	failed.Platform, failed.File = "node", "b.test.js"
	doc := report.New("run-1", time.Now(), time.Now(), plan.Report{
		Results:  map[string]map[string]model.Outcome{"node": {"b.test.js": failed}},
		Coverage: libCoverage(),
	})

	var buf bytes.Buffer
	require.NoError(t, report.WriteSummary(&buf, doc))
	out := buf.String()
	require.Contains(t, out, "b.test.js")
	require.Contains(t, out, "boom")
	require.NotContains(t, out, "at a.js:1")
	require.Contains(t, out, "lib.js")
	require.Contains(t, out, "All files")
	require.Contains(t, out, "100.00%")
}
