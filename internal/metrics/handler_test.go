package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/replimesh/replimesh/internal/replication"
)

func freshRegistry(t *testing.T) {
	t.Helper()
	oldRegistry := Registry
	Registry = prometheus.NewRegistry()
	t.Cleanup(func() { Registry = oldRegistry })

	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func TestHandler(t *testing.T) {
	freshRegistry(t)

	m := InitMetrics(0, "1.0.0")
	m.ConnectionState.WithLabelValues("r0", "1").Set(3)
	m.OutOfSyncBytes.WithLabelValues("r0", "1", "0").Set(8192)

	handler := Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	bodyStr := string(body)

	expectedMetrics := []string{
		"replimesh_connection_state",
		"replimesh_out_of_sync_bytes",
		"go_goroutines",       // Standard Go metrics
		"process_cpu_seconds", // Standard process metrics
	}
	for _, metric := range expectedMetrics {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("Expected metric %s not found in response", metric)
		}
	}

	if !strings.Contains(bodyStr, `replimesh_out_of_sync_bytes{node="0",peer="1",resource="r0",version="1.0.0",volume="0"} 8192`) {
		t.Error("Expected out_of_sync_bytes with value 8192")
	}
}

func TestCollectorPublishesResourceState(t *testing.T) {
	freshRegistry(t)

	m := InitMetrics(0, "dev")
	r := replication.NewResource("r0", 0, replication.Options{})
	c := NewCollector(m, []*replication.Resource{r})
	c.Collect()

	handler := Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	body, err := io.ReadAll(w.Result().Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	bodyStr := string(body)

	// With no connections only the pool gauges appear.
	if !strings.Contains(bodyStr, `replimesh_pool_buffers_total{node="0",resource="r0",version="dev"}`) {
		t.Error("Expected pool_buffers_total for resource r0")
	}
}
