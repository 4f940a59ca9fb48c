//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/safecyl/safecyl/cmd/safecyl/metrics"
	"github.com/safecyl/safecyl/cmd/safecyl/router"
	"github.com/safecyl/safecyl/pkg/history"
	"github.com/safecyl/safecyl/pkg/ingest"
	"github.com/safecyl/safecyl/pkg/normalize"
	"github.com/safecyl/safecyl/pkg/rollup"
	"github.com/safecyl/safecyl/pkg/snapshot"
	"github.com/safecyl/safecyl/pkg/storage"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func startRedis(t *testing.T, ctx context.Context) string {
	t.Helper()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("Failed to start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate redis container: %v", err)
		}
	})

	endpoint, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("Failed to get redis endpoint: %v", err)
	}
	return strings.TrimPrefix(endpoint, "redis://")
}

// newAPI wires the full HTTP stack over the given source and store.
func newAPI(t *testing.T, source snapshot.Source, store storage.Store) *httptest.Server {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(prometheus.NewRegistry())
	readings := metrics.InstrumentStore(store, m)

	mux := router.SetupRoutes(router.Services{
		Ingest:  ingest.New(source, normalize.New(), readings, 5*time.Second, logger, m),
		History: history.NewService(readings),
		Rollups: rollup.NewAggregator(readings),
		Store:   readings,
		Metrics: m,
	}, logger)

	srv := httptest.NewServer(router.Wrap(mux, []string{"*"}, m, logger))
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, method, url, body string) envelope {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode %s %s: %v", method, url, err)
	}
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("%s %s returned %d: %s", method, url, resp.StatusCode, env.Error)
	}
	return env
}

// TestRedisIngestE2E drives the API against a Redis instance that holds both
// the live sensor hash and the reading store.
func TestRedisIngestE2E(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	addr := startRedis(t, ctx)

	source, err := snapshot.NewRedisSource(addr, "", 0, snapshot.DefaultRedisKey, 2*time.Second)
	if err != nil {
		t.Fatalf("Failed to create redis source: %v", err)
	}
	t.Cleanup(func() { _ = source.Close() })

	store, err := storage.NewRedisStore(addr, "", 0, 2*time.Second)
	if err != nil {
		t.Fatalf("Failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	api := newAPI(t, source, store)

	// 1. The device writes its latest values.
	call(t, http.MethodPost, api.URL+"/sensor", `{"loadcel":"12.5","mq-2":"300","led":"on"}`)

	env := call(t, http.MethodGet, api.URL+"/sensor", "")
	var live map[string]any
	if err := json.Unmarshal(env.Data, &live); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if live["loadcel"] != "12.5" || live["led"] != "on" {
		t.Fatalf("unexpected live snapshot: %v", live)
	}

	// 2. Ingest the same snapshot twice. Readings are never deduplicated.
	for i := 0; i < 2; i++ {
		env = call(t, http.MethodPost, api.URL+"/api/ingest", "")
	}
	var res ingest.Result
	if err := json.Unmarshal(env.Data, &res); err != nil {
		t.Fatalf("decode ingest result: %v", err)
	}
	if res.Total != 2 || res.Reading.LoadValue != 12.5 || res.Reading.GasValue != 300 {
		t.Fatalf("unexpected ingest result: %+v", res)
	}

	// 3. History returns both readings oldest first.
	env = call(t, http.MethodGet, api.URL+"/api/history?limit=10", "")
	var page history.Page
	if err := json.Unmarshal(env.Data, &page); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if page.Total != 2 || len(page.Readings) != 2 {
		t.Fatalf("unexpected history page: %+v", page)
	}
	if page.Readings[0].ID >= page.Readings[1].ID {
		t.Errorf("history not in ascending order: %+v", page.Readings)
	}

	// 4. Both readings fall into the current hour.
	env = call(t, http.MethodGet, api.URL+"/api/rollups/hourly?hours=1", "")
	var rollups struct {
		Buckets []rollup.Bucket `json:"buckets"`
	}
	if err := json.Unmarshal(env.Data, &rollups); err != nil {
		t.Fatalf("decode rollups: %v", err)
	}
	var count uint64
	for _, b := range rollups.Buckets {
		count += b.Count
		if b.AvgLoad != 12.5 || b.MaxGas != 300 {
			t.Errorf("unexpected bucket: %+v", b)
		}
	}
	if count != 2 {
		t.Errorf("rollup counts sum to %d, want 2", count)
	}

	resp, err := http.Get(api.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}
}

// TestHTTPSourceE2E reads the sensor document from a mock realtime database
// REST endpoint running in a container.
func TestHTTPSourceE2E(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	document := `{"loadcel":"7.25","mq-2":42,"timestamp":"2001-01-01T00:00:00Z"}`
	pythonScript := `
import http.server
import socketserver

class RealtimeDBHandler(http.server.BaseHTTPRequestHandler):
    def do_GET(self):
        if self.path.startswith('/sensor.json'):
            self.send_response(200)
            self.send_header('Content-type', 'application/json')
            self.end_headers()
            self.wfile.write(b'` + document + `')
        else:
            self.send_response(404)
            self.end_headers()

    def log_message(self, format, *args):
        pass

PORT = 8080
with socketserver.TCPServer(("", PORT), RealtimeDBHandler) as httpd:
    httpd.serve_forever()
`

	dbContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "python:3.11-alpine",
			ExposedPorts: []string{"8080/tcp"},
			Cmd:          []string{"python", "-c", pythonScript},
			WaitingFor:   wait.ForListeningPort("8080/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start realtime database mock: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(dbContainer); err != nil {
			t.Logf("failed to terminate mock container: %v", err)
		}
	})

	host, err := dbContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get mock host: %v", err)
	}
	port, err := dbContainer.MappedPort(ctx, "8080")
	if err != nil {
		t.Fatalf("Failed to get mock port: %v", err)
	}

	source, err := snapshot.New("http", map[string]string{
		"url":     fmt.Sprintf("http://%s:%s", host, port.Port()),
		"path":    "sensor",
		"timeout": "5s",
	})
	if err != nil {
		t.Fatalf("Failed to create http source: %v", err)
	}

	store := storage.NewMemoryStore()
	api := newAPI(t, source, store)

	env := call(t, http.MethodPost, api.URL+"/api/ingest", "")
	var res ingest.Result
	if err := json.Unmarshal(env.Data, &res); err != nil {
		t.Fatalf("decode ingest result: %v", err)
	}
	if res.Reading.LoadValue != 7.25 || res.Reading.GasValue != 42 {
		t.Errorf("unexpected reading: %+v", res.Reading)
	}
	if res.Reading.Timestamp.Year() == 2001 {
		t.Error("reading took its timestamp from the snapshot instead of the server clock")
	}

	// The mock cannot accept writes, so a PATCH surfaces as a bad gateway.
	req, _ := http.NewRequest(http.MethodPost, api.URL+"/sensor", strings.NewReader(`{"led":"off"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /sensor: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("POST /sensor status = %d, want 502", resp.StatusCode)
	}
}
