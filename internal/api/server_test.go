package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/flowmeter/internal/db"
	"github.com/banshee-data/flowmeter/internal/flow"
	"github.com/banshee-data/flowmeter/internal/monitoring"
	"github.com/banshee-data/flowmeter/internal/serialport"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

type testHarness struct {
	srv    *httptest.Server
	port   *serialport.TestablePort
	client *http.Client
}

// newHarness runs a monitor over a testable port behind a live HTTP server.
func newHarness(t *testing.T, archive *db.DB) *testHarness {
	t.Helper()

	port := serialport.NewTestablePort()
	port.BlockReads = true
	factory := serialport.NewMockFactory(port)
	factory.Ports = []string{"/dev/ttyUSB0"}

	var arch flow.Archiver
	if archive != nil {
		arch = archive
	}
	m := flow.NewMonitor(factory, arch, flow.MonitorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	srv := httptest.NewServer(NewServer(m, archive).ServeMux())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})

	return &testHarness{srv: srv, port: port, client: srv.Client()}
}

func (h *testHarness) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := h.client.Get(h.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	return resp
}

func (h *testHarness) post(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()
	resp, err := h.client.PostForm(h.srv.URL+path, form)
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp
}

func (h *testHarness) connect(t *testing.T) {
	t.Helper()
	resp := h.post(t, "/connect", url.Values{"port": {"/dev/ttyUSB0"}})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("connect returned %d", resp.StatusCode)
	}
}

func (h *testHarness) waitForSeries(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp := h.get(t, "/series")
		var points []flow.Point
		err := json.NewDecoder(resp.Body).Decode(&points)
		resp.Body.Close()
		if err == nil && len(points) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("series never reached %d points", n)
}

func TestStatusEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.get(t, "/status")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status returned %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}

	var body struct {
		Status   string `json:"status"`
		Abnormal bool   `json:"abnormal"`
		Rejected uint64 `json:"rejected_frames"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if body.Status != "Disconnected" {
		t.Errorf("status = %q, want Disconnected", body.Status)
	}
}

func TestConnectIngestDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	h.port.FeedLine("1000,2.500,0.0417,CONNECTED")
	h.port.FeedLine("2000,2.480,0.0834,CONNECTED")
	h.waitForSeries(t, 2)

	resp := h.get(t, "/status")
	var body struct {
		Status string `json:"status"`
		Stats  struct {
			Count      int     `json:"count"`
			LastVolume float64 `json:"last_volume"`
		} `json:"stats"`
	}
	err := json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if body.Status != "Connected-Fresh" {
		t.Errorf("status = %q, want Connected-Fresh", body.Status)
	}
	if body.Stats.Count != 2 || body.Stats.LastVolume != 0.0834 {
		t.Errorf("stats = %+v", body.Stats)
	}

	resp = h.post(t, "/disconnect", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disconnect returned %d", resp.StatusCode)
	}
}

func TestConnectConflicts(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.post(t, "/connect", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("connect without port = %d, want 400", resp.StatusCode)
	}

	h.connect(t)
	resp = h.post(t, "/connect", url.Values{"port": {"/dev/ttyUSB0"}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second connect = %d, want 409", resp.StatusCode)
	}
}

func TestResetEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	h.port.FeedLine("1000,2.500,0.0417,CONNECTED")
	h.waitForSeries(t, 1)

	resp := h.post(t, "/reset", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset returned %d", resp.StatusCode)
	}

	resp = h.get(t, "/series")
	var points []flow.Point
	err := json.NewDecoder(resp.Body).Decode(&points)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decoding series: %v", err)
	}
	if len(points) != 0 {
		t.Errorf("series has %d points after reset", len(points))
	}
}

func TestExportEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	h.port.FeedLine("1000,2.500,0.0417,CONNECTED")
	h.waitForSeries(t, 1)

	path := filepath.Join(t.TempDir(), "export.csv")
	resp := h.post(t, "/export", url.Values{"path": {path}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export returned %d", resp.StatusCode)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading export: %v", err)
	}
	if !strings.HasPrefix(string(data), "Time(s),FlowRate(L/min),TotalVolume(L),Status") {
		t.Errorf("export missing header: %q", string(data))
	}

	resp = h.post(t, "/export", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("export without path = %d, want 400", resp.StatusCode)
	}

	// Paths outside the temp and working directories are refused before
	// they reach the monitor.
	resp = h.post(t, "/export", url.Values{"path": {"/etc/flowmeter.csv"}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("export outside allowed dirs = %d, want 400", resp.StatusCode)
	}
}

func TestPortsEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.get(t, "/ports")
	defer resp.Body.Close()
	var ports []string
	if err := json.NewDecoder(resp.Body).Decode(&ports); err != nil {
		t.Fatalf("decoding ports: %v", err)
	}
	if len(ports) != 1 || ports[0] != "/dev/ttyUSB0" {
		t.Errorf("ports = %v", ports)
	}
}

func TestSessionsEndpoint(t *testing.T) {
	archive, err := db.NewDB(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("opening archive: %v", err)
	}
	defer archive.Close()

	h := newHarness(t, archive)
	h.connect(t)
	h.port.FeedLine("1000,2.500,0.0417,CONNECTED")
	h.waitForSeries(t, 1)

	resp := h.get(t, "/sessions")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sessions returned %d", resp.StatusCode)
	}
	var sessions []db.Session
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		t.Fatalf("decoding sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Port != "/dev/ttyUSB0" {
		t.Errorf("sessions = %+v", sessions)
	}
}

func TestSessionsEndpointArchiveDisabled(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.get(t, "/sessions")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("sessions without archive = %d, want 404", resp.StatusCode)
	}
}

func TestLiveStream(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/live", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		t.Fatalf("GET /live failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	// First the ping comment.
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading ping: %v", err)
	}
	if !strings.HasPrefix(line, ": ping") {
		t.Fatalf("first line = %q, want ping comment", line)
	}

	h.port.FeedLine("1000,2.500,0.0417,CONNECTED")

	for {
		line, err = reader.ReadString('\n')
		if err != nil {
			t.Fatalf("reading event: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	var p flow.Point
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &p); err != nil {
		t.Fatalf("decoding event payload: %v", err)
	}
	if p.Raw != 2.5 {
		t.Errorf("streamed point raw = %g, want 2.5", p.Raw)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.post(t, "/status", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /status = %d, want 405", resp.StatusCode)
	}

	resp = h.get(t, "/connect")
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /connect = %d, want 405", resp.StatusCode)
	}
}
