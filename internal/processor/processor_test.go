package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmxunan/0C-sub003/internal/actions"
	"github.com/kmxunan/0C-sub003/internal/alerts"
	"github.com/kmxunan/0C-sub003/internal/config"
	"github.com/kmxunan/0C-sub003/internal/models"
	"github.com/kmxunan/0C-sub003/internal/rules"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Engine.Workers = 2
	return cfg
}

func writeRules(t *testing.T, webhookURL string) string {
	t.Helper()
	content := fmt.Sprintf(`rules:
  - id: peak-demand
    name: Peak demand
    data_type: power
    severity: high
    description_template: "{{ruleName}}: {{kw}} kW on {{deviceId}}"
    condition:
      logic: AND
      children:
        - field: kw
          operator: gt
          value: 500
    actions:
      - type: webhook
        url: %s
      - type: notification
        recipients: [ops@example.com]
      - type: script
        script_path: /opt/scripts/shed-load.sh
  - id: broken
    name: Broken rule
    data_type: power
    condition:
      field: kw
`, webhookURL)

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// stop tears down a processor built with init
func stop(p *Processor) {
	close(p.envelopeChan)
	p.workerPool.Stop()
	p.dispatcher.Wait()
	p.manager.Dispose()
	p.closeResources()
}

func TestProcessorRun(t *testing.T) {
	p := New(testConfig(t))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.NoError(t, p.Run(ctx))
}

func TestProcessorRunFailsOnBadRulesFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.RulesFile = filepath.Join(t.TempDir(), "missing.yaml")

	err := New(cfg).Run(context.Background())
	assert.Error(t, err)
}

func TestIngestToAlertEndToEnd(t *testing.T) {
	hooks := make(chan http.Header, 4)
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hooks <- r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer webhook.Close()

	cfg := testConfig(t)
	cfg.Engine.RulesFile = writeRules(t, webhook.URL)

	p := New(cfg)
	require.NoError(t, p.init(context.Background()))
	p.workerPool.Start()
	defer stop(p)

	require.Len(t, p.rules.List(), 1, "the broken rule is skipped")

	srv := httptest.NewServer(p.routes())
	defer srv.Close()

	post := func(kw float64) {
		body := fmt.Sprintf(`{"device_id":"meter-1","data_type":"power","fields":{"kw":%v}}`, kw)
		resp, err := http.Post(srv.URL+"/ingest", "application/json", bytes.NewBufferString(body))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	post(620)

	require.Eventually(t, func() bool {
		return len(p.manager.GetActiveAlerts(alerts.Filter{})) == 1
	}, 2*time.Second, 10*time.Millisecond)

	active := p.manager.GetActiveAlerts(alerts.Filter{DeviceID: "meter-1"})
	require.Len(t, active, 1)
	assert.Equal(t, "Peak demand: 620 kW on meter-1", active[0].Description)
	assert.Equal(t, models.SeverityHigh, active[0].Severity)

	select {
	case h := <-hooks:
		assert.Equal(t, active[0].ID, h.Get(actions.HeaderAlertID))
		assert.Equal(t, "high", h.Get(actions.HeaderAlertSeverity))
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not called")
	}

	// Repeat firing is deduplicated: same alert, no second webhook
	post(700)
	post(40)
	require.Eventually(t, func() bool {
		return p.workerPool.Stats().Processed == 3
	}, 2*time.Second, 10*time.Millisecond)

	p.dispatcher.Wait()
	assert.Len(t, hooks, 0)
	assert.Len(t, p.manager.GetActiveAlerts(alerts.Filter{}), 1)

	require.Eventually(t, func() bool {
		return len(p.scripts.Intents()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "/opt/scripts/shed-load.sh", p.scripts.Intents()[0].ScriptPath)
}

func TestOpsRoutes(t *testing.T) {
	p := New(testConfig(t))
	require.NoError(t, p.init(context.Background()))
	p.workerPool.Start()
	defer stop(p)

	srv := httptest.NewServer(p.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/rules/reload", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result rules.LoadResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Zero(t, result.Loaded)

	resp, err = http.Get(srv.URL + "/ingest")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
