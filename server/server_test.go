package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orevatech/opsportal/artifact"
	"github.com/orevatech/opsportal/config"
	"github.com/orevatech/opsportal/health"
	portaltesting "github.com/orevatech/opsportal/internal/testing"
	"github.com/orevatech/opsportal/internal/util"
	"github.com/orevatech/opsportal/run"
	"github.com/orevatech/opsportal/schedule"
	"github.com/orevatech/opsportal/tenant"
)

type serverFixture struct {
	server    *Server
	ts        *httptest.Server
	runs      *run.Store
	tenants   *tenant.Store
	schedules *schedule.Store
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	conn := portaltesting.CreateTestDB(t)
	logger := zap.NewNop().Sugar()

	stateRoot := t.TempDir()
	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{PollSeconds: 15},
		Dashboard: config.DashboardConfig{DefaultParallel: 2, DefaultStaggerSeconds: 2},
		Pipeline: config.PipelineConfig{
			StateRoot:    stateRoot,
			Root:         stateRoot,
			SingleBinary: "/nonexistent/pipeline",
			AllBinary:    "/nonexistent/all-tenants",
		},
	}

	runs := run.NewStore(conn)
	tenants := tenant.NewStore(conn)
	artifacts := artifact.NewStore(conn)
	schedules := schedule.NewStore(conn)
	settings := config.NewSettingsStore(conn, logger)
	lock := run.NewProcessLock(cfg.Pipeline.LockFilePath(), runs)
	dispatcher := run.NewDispatcher(runs, lock, cfg.Pipeline, nil, logger)
	checker := health.NewChecker(tenants, runs, artifacts, settings)

	s := NewServer(cfg, runs, dispatcher, checker, schedules, settings, logger)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return &serverFixture{server: s, ts: ts, runs: runs, tenants: tenants, schedules: schedules}
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body interface{}, out interface{}) int {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestGetRun(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	job := &run.Job{Scope: run.ScopeSingle, TenantKey: util.Ptr("acme_cafe")}
	require.NoError(t, f.runs.Insert(ctx, job))

	var got map[string]interface{}
	status := getJSON(t, f.ts.URL+"/api/runs/"+job.ID, &got)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, job.ID, got["id"])
	assert.Equal(t, "queued", got["status"])
	assert.Equal(t, "dashboard", got["source"])

	status = getJSON(t, f.ts.URL+"/api/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestEnqueueRunValidation(t *testing.T) {
	f := newServerFixture(t)

	status := postJSON(t, f.ts.URL+"/api/runs",
		map[string]interface{}{"scope": "bogus"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status = postJSON(t, f.ts.URL+"/api/runs",
		map[string]interface{}{"scope": "single"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	// Target date and a range are mutually exclusive.
	status = postJSON(t, f.ts.URL+"/api/runs", map[string]interface{}{
		"scope":       "all",
		"target_date": "2026-08-22",
		"from_date":   "2026-08-01",
		"to_date":     "2026-08-10",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	// Skipping the download only makes sense for a backfill range.
	status = postJSON(t, f.ts.URL+"/api/runs", map[string]interface{}{
		"scope":         "all",
		"target_date":   "2026-08-22",
		"skip_download": true,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestEnqueueRunAppliesDefaults(t *testing.T) {
	f := newServerFixture(t)

	var got map[string]interface{}
	status := postJSON(t, f.ts.URL+"/api/runs", map[string]interface{}{
		"scope":       "all",
		"target_date": "2026-08-22",
	}, &got)
	require.Equal(t, http.StatusCreated, status)

	jobID := got["id"].(string)
	job, err := f.runs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, run.ScopeAll, job.Scope)
	assert.Equal(t, 2, job.Parallel)
	assert.Equal(t, 2, job.StaggerSeconds)
}

func TestCancelQueuedRun(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	job := &run.Job{Scope: run.ScopeSingle, TenantKey: util.Ptr("acme_cafe")}
	require.NoError(t, f.runs.Insert(ctx, job))

	var got map[string]interface{}
	status := postJSON(t, f.ts.URL+"/api/runs/"+job.ID+"/cancel", nil, &got)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "cancelled", got["status"])

	// Cancelling again is rejected.
	status = postJSON(t, f.ts.URL+"/api/runs/"+job.ID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRunLogEndpoint(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	logPath := filepath.Join(t.TempDir(), "job.log")
	require.NoError(t, os.WriteFile(logPath, []byte("hello log\n"), 0o644))

	job := &run.Job{Scope: run.ScopeSingle, TenantKey: util.Ptr("acme_cafe")}
	require.NoError(t, f.runs.Insert(ctx, job))
	require.NoError(t, f.runs.MarkRunning(ctx, job.ID, 1, logPath, "[]", ""))

	var got struct {
		Data   string `json:"data"`
		Offset int64  `json:"offset"`
	}
	status := getJSON(t, f.ts.URL+"/api/runs/"+job.ID+"/log", &got)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "hello log\n", got.Data)
	assert.Equal(t, int64(10), got.Offset)

	// Resume from the returned offset.
	status = getJSON(t, f.ts.URL+"/api/runs/"+job.ID+"/log?offset=10", &got)
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, got.Data)

	status = getJSON(t, f.ts.URL+"/api/runs/"+job.ID+"/log?offset=-4", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestTenantHealthEndpoint(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.tenants.Upsert(ctx, &tenant.Record{
		Key:         "acme_cafe",
		DisplayName: "Acme Cafe",
		Active:      true,
		ConfigJSON:  `{"epos": {"api_key": "x"}}`,
	}))

	var got struct {
		Tenants []struct {
			TenantKey string `json:"tenant_key"`
			Severity  string `json:"severity"`
			Reason    string `json:"reason"`
			Activity  string `json:"activity"`
		} `json:"tenants"`
	}
	status := getJSON(t, f.ts.URL+"/api/tenants/health", &got)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, got.Tenants, 1)
	assert.Equal(t, "acme_cafe", got.Tenants[0].TenantKey)
	assert.Equal(t, "critical", got.Tenants[0].Severity)
	assert.Equal(t, "token_critical", got.Tenants[0].Reason)
	assert.Equal(t, "never_ran", got.Tenants[0].Activity)
}

func TestSchedulerStatusEndpoint(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	var got map[string]interface{}
	status := getJSON(t, f.ts.URL+"/api/scheduler/status", &got)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "stopped", got["state"])

	require.NoError(t, f.schedules.UpsertHeartbeat(ctx, time.Now().UTC()))
	status = getJSON(t, f.ts.URL+"/api/scheduler/status", &got)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "running", got["state"])
}

func TestRunLogWebsocketStreamsUntilDone(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	logPath := filepath.Join(t.TempDir(), "job.log")
	require.NoError(t, os.WriteFile(logPath, []byte("all output\n"), 0o644))

	job := &run.Job{Scope: run.ScopeSingle, TenantKey: util.Ptr("acme_cafe")}
	require.NoError(t, f.runs.Insert(ctx, job))
	require.NoError(t, f.runs.MarkRunning(ctx, job.ID, 1, logPath, "[]", ""))
	require.NoError(t, f.runs.Finish(ctx, job.ID, run.StatusSucceeded, util.Ptr(0), ""))

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws/runs/" + job.ID + "/log"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	var data strings.Builder
	deadline := time.Now().Add(10 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var frame struct {
			Data   string `json:"data"`
			Offset int64  `json:"offset"`
			Status string `json:"status"`
			Done   bool   `json:"done"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("stream ended before done frame: %v", err)
		}
		data.WriteString(frame.Data)
		if frame.Done {
			assert.Equal(t, "succeeded", frame.Status)
			break
		}
	}
	assert.Equal(t, "all output\n", data.String())
}
