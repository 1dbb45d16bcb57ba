package web

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lvp-hub/internal/lvp"
	"lvp-hub/internal/lvptest"
	"lvp-hub/internal/pool"
	"lvp-hub/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, map[string]*lvptest.Device) {
	t.Helper()
	devs := make(map[string]*lvptest.Device)
	var links []*lvp.Link
	for _, id := range []string{"A", "B"} {
		host, devEnd := transport.Pipe()
		dev := lvptest.NewDevice(devEnd)
		dev.Start()
		l, err := lvp.New(host, nil, lvp.Config{
			ID:               id,
			Device:           "pipe-" + id,
			Cooldown:         -1,
			HandshakeTimeout: time.Second,
		}, testLogger())
		if err != nil {
			t.Fatalf("new link: %v", err)
		}
		t.Cleanup(func() { l.Close() })
		links = append(links, l)
		devs[id] = dev
	}
	p, err := pool.New(links, nil, testLogger())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	s := NewServer(p, testLogger(), opts...)
	t.Cleanup(s.Stop)
	return s, devs
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestListLinks(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, "GET", "/api/links", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var views []linkView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 2 || views[0].ID != "A" || views[1].ID != "B" {
		t.Errorf("got %v", views)
	}
}

func TestGetLinkDetail(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, "POST", "/api/links/A/exec", `{"command":"ping"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("exec status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, "GET", "/api/links/A", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var detail linkDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.State != "ready" {
		t.Errorf("state = %q, want ready", detail.State)
	}
	if len(detail.History) == 0 {
		t.Error("history empty after an exchange")
	}
}

func TestGetLinkNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, "GET", "/api/links/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestGetEndpoint(t *testing.T) {
	s, devs := newTestServer(t)
	devs["A"].SetParam("speed", "42")

	rec := doJSON(t, s, "POST", "/api/links/A/get", `{"names":["speed"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Values any `json:"values"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Values != float64(42) {
		t.Errorf("values = %v", resp.Values)
	}
}

func TestSetEndpoint(t *testing.T) {
	s, devs := newTestServer(t)

	rec := doJSON(t, s, "POST", "/api/links/B/set",
		`{"assignments":[{"name":"speed","value":10},{"name":"mode","value":"auto"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if v, _ := devs["B"].Param("speed"); v != "10" {
		t.Errorf("device holds speed %q, want 10", v)
	}
	if v, _ := devs["B"].Param("mode"); v != "auto" {
		t.Errorf("device holds mode %q, want auto", v)
	}
}

func TestExecEndpoint(t *testing.T) {
	s, devs := newTestServer(t)
	devs["A"].Handler = func(cmd string) (string, bool) {
		if cmd == "status" {
			return "nominal\r\n", true
		}
		return "", false
	}

	rec := doJSON(t, s, "POST", "/api/links/A/exec", `{"command":"status"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Response != "nominal\n" {
		t.Errorf("response = %q", resp.Response)
	}
}

func TestDeclareAndCallEndpoints(t *testing.T) {
	s, devs := newTestServer(t)

	rec := doJSON(t, s, "POST", "/api/declare", `{"spec":"ramp(target)"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("declare status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, "POST", "/api/links/A/call", `{"name":"ramp","args":[7]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("call status = %d: %s", rec.Code, rec.Body.String())
	}
	if v, _ := devs["A"].Param("target"); v != "7" {
		t.Errorf("device holds %q, want 7", v)
	}

	rec = doJSON(t, s, "POST", "/api/links/A/call", `{"name":"undeclared"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown function status = %d, want 404", rec.Code)
	}
}

func TestDeclareRejectsBadSpec(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, "POST", "/api/declare", `{"spec":"broken("}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestInvalidBody(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, "POST", "/api/links/A/exec", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAPIKey(t *testing.T) {
	s, _ := newTestServer(t, WithAPIKey("secret"))

	rec := doJSON(t, s, "GET", "/api/links", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without key = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest("GET", "/api/links", nil)
	req.Header.Set("X-API-Key", "secret")
	rec2 := httptest.NewRecorder()
	s.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Errorf("status with key = %d, want 200", rec2.Code)
	}
}

func TestLogEndpointWithoutStore(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, "GET", "/api/links/A/log", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestVersionEndpoint(t *testing.T) {
	s, _ := newTestServer(t, WithVersion("1.2.3"))
	rec := doJSON(t, s, "GET", "/api/version", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["version"] != "1.2.3" {
		t.Errorf("version = %q", resp["version"])
	}
}
