package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/cjeanneret/GoLegs/internal/hw/servo"
	"github.com/cjeanneret/GoLegs/internal/logic/motion"
)

var testBench = BenchConfig{
	Profile:    "sg90_leg",
	StepDeg:    2,
	EstimateMs: 1000,
	Channels: []ChannelInfo{
		{Name: "hip", Output: "T1C1", Range: servo.SG90Leg.Range},
		{Name: "T2C2", Output: "T2C2", Range: servo.SG90Full.Range},
	},
}

// ---------- ValidateAngleRequest ----------

func TestValidateAngleRequest_Valid(t *testing.T) {
	cases := []AngleRequest{
		{"hip", 90},
		{"hip", 45},
		{"hip", 135},
		{"T1C1", 100.5}, // by output name
		{"T2C2", 0},
		{"T2C2", 180},
	}
	for _, req := range cases {
		if err := testBench.ValidateAngleRequest(req); err != nil {
			t.Errorf("ValidateAngleRequest(%+v): %v", req, err)
		}
	}
}

func TestValidateAngleRequest_OutOfRange(t *testing.T) {
	cases := []AngleRequest{
		{"hip", 44},
		{"hip", 136},
		{"hip", -1},
		{"T2C2", 181},
		{"hip", math.NaN()},
		{"hip", math.Inf(1)},
		{"hip", math.Inf(-1)},
	}
	for _, req := range cases {
		err := testBench.ValidateAngleRequest(req)
		if !errors.Is(err, servo.ErrAngleOutOfRange) {
			t.Errorf("ValidateAngleRequest(%+v) = %v, want ErrAngleOutOfRange", req, err)
		}
	}
}

func TestValidateAngleRequest_UnknownChannel(t *testing.T) {
	err := testBench.ValidateAngleRequest(AngleRequest{"tail", 90})
	if !errors.Is(err, motion.ErrUnknownServo) {
		t.Errorf("got %v, want ErrUnknownServo", err)
	}
}

// ---------- Handler helpers ----------

// recordingBench records calls made by the handlers.
type recordingBench struct {
	mu     sync.Mutex
	runs   []string
	angles []AngleRequest
	err    error
}

func (b *recordingBench) run(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runs = append(b.runs, channel)
	return b.err
}

func (b *recordingBench) setAngle(channel string, angle float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.angles = append(b.angles, AngleRequest{channel, angle})
	return nil
}

func (b *recordingBench) runCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.runs)
}

func newTestHandlers(run RunFunc, setAngle SetAngleFunc) *Handlers {
	staticFS := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html>test</html>")},
	}
	return NewHandlers(NewStatusBroadcaster(), run, setAngle, testBench, staticFS)
}

func postJSON(h http.HandlerFunc, path string, v interface{}) *httptest.ResponseRecorder {
	data, _ := json.Marshal(v)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

// waitIdle waits for the background sweep goroutine to clear the running flag.
func waitIdle(t *testing.T, h *Handlers) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.runningMu.Lock()
		running := h.running
		h.runningMu.Unlock()
		if !running {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("sweep still running")
}

// ---------- HandleRun ----------

func TestHandleRun_AllChannels(t *testing.T) {
	bench := &recordingBench{}
	h := newTestHandlers(bench.run, bench.setAngle)

	w := postJSON(h.HandleRun, "/run", RunRequest{})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "started" {
		t.Errorf("response status = %q, want \"started\"", resp["status"])
	}

	waitIdle(t, h)
	if bench.runCount() != 1 || bench.runs[0] != "" {
		t.Errorf("runs = %q, want one all-channel run", bench.runs)
	}
}

func TestHandleRun_SingleChannel(t *testing.T) {
	bench := &recordingBench{}
	h := newTestHandlers(bench.run, bench.setAngle)

	w := postJSON(h.HandleRun, "/run", RunRequest{Channel: "hip"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	waitIdle(t, h)
	if bench.runCount() != 1 || bench.runs[0] != "hip" {
		t.Errorf("runs = %q, want [hip]", bench.runs)
	}
}

func TestHandleRun_UnknownChannel(t *testing.T) {
	bench := &recordingBench{}
	h := newTestHandlers(bench.run, bench.setAngle)

	w := postJSON(h.HandleRun, "/run", RunRequest{Channel: "T9C9"})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if bench.runCount() != 0 {
		t.Error("unknown channel should not start a run")
	}
}

func TestHandleRun_GetMethodNotAllowed(t *testing.T) {
	h := newTestHandlers(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/run", nil)
	w := httptest.NewRecorder()

	h.HandleRun(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleRun_InvalidJSON(t *testing.T) {
	h := newTestHandlers(nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader("not json"))
	w := httptest.NewRecorder()

	h.HandleRun(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleRun_OversizedBody(t *testing.T) {
	bench := &recordingBench{}
	h := newTestHandlers(bench.run, bench.setAngle)
	big := `{"channel":"` + strings.Repeat("x", 2<<20) + `"}` // 2 MB
	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(big))
	w := httptest.NewRecorder()

	h.HandleRun(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d (oversized body)", w.Code, http.StatusBadRequest)
	}
}

func TestHandleRun_NilRun(t *testing.T) {
	h := newTestHandlers(nil, nil)
	w := postJSON(h.HandleRun, "/run", RunRequest{})

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleRun_ConcurrentSweep(t *testing.T) {
	// Simulate a long-running sweep
	started := make(chan struct{})
	blocking := make(chan struct{})
	slowRun := func(_ context.Context, _ string) error {
		close(started)
		<-blocking
		return nil
	}

	h := newTestHandlers(slowRun, nil)

	// First request starts the sweep
	w1 := postJSON(h.HandleRun, "/run", RunRequest{})
	if w1.Code != http.StatusAccepted {
		t.Fatalf("first request: status = %d, want %d", w1.Code, http.StatusAccepted)
	}

	// Wait for goroutine to start
	<-started

	// Second request should be rejected as already running
	w2 := postJSON(h.HandleRun, "/run", RunRequest{Channel: "hip"})
	if w2.Code != http.StatusConflict {
		t.Errorf("concurrent request: status = %d, want %d", w2.Code, http.StatusConflict)
	}

	close(blocking) // unblock first sweep
	waitIdle(t, h)

	// Once idle, a new sweep is accepted again.
	w3 := postJSON(h.HandleRun, "/run", RunRequest{})
	if w3.Code != http.StatusAccepted {
		t.Errorf("request after completion: status = %d, want %d", w3.Code, http.StatusAccepted)
	}
}

func TestHandleRun_FailureBroadcast(t *testing.T) {
	bench := &recordingBench{err: errors.New("bus fault")}
	h := newTestHandlers(bench.run, bench.setAngle)
	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	postJSON(h.HandleRun, "/run", RunRequest{})

	select {
	case msg := <-ch:
		var evt StatusEvent
		if err := json.Unmarshal([]byte(msg), &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if evt.Level != "error" || !strings.Contains(evt.Msg, "bus fault") {
			t.Errorf("event = %+v, want error mentioning bus fault", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for failure event")
	}
}

// ---------- HandleStop ----------

func TestHandleStop(t *testing.T) {
	started := make(chan struct{})
	stopped := make(chan error, 1)
	run := func(ctx context.Context, _ string) error {
		close(started)
		<-ctx.Done()
		stopped <- ctx.Err()
		return ctx.Err()
	}
	h := newTestHandlers(run, nil)

	req := httptest.NewRequest(http.MethodPost, "/stop", nil)
	w := httptest.NewRecorder()
	h.HandleStop(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("stop while idle: status = %d, want %d", w.Code, http.StatusOK)
	}

	postJSON(h.HandleRun, "/run", RunRequest{})
	<-started

	w = httptest.NewRecorder()
	h.HandleStop(w, httptest.NewRequest(http.MethodPost, "/stop", nil))
	if w.Code != http.StatusAccepted {
		t.Errorf("stop while running: status = %d, want %d", w.Code, http.StatusAccepted)
	}
	select {
	case err := <-stopped:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("run ended with %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run was not cancelled")
	}
	waitIdle(t, h)
}

func TestHandleRun_BaseContextCancel(t *testing.T) {
	started := make(chan struct{})
	stopped := make(chan struct{})
	run := func(ctx context.Context, _ string) error {
		close(started)
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	}
	h := newTestHandlers(run, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.setBaseContext(ctx)

	postJSON(h.HandleRun, "/run", RunRequest{})
	<-started
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not cancel the sweep")
	}
	waitIdle(t, h)
}

// ---------- HandleAngle ----------

func TestHandleAngle_Valid(t *testing.T) {
	bench := &recordingBench{}
	h := newTestHandlers(bench.run, bench.setAngle)

	w := postJSON(h.HandleAngle, "/angle", AngleRequest{Channel: "hip", Angle: 100})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if len(bench.angles) != 1 || bench.angles[0] != (AngleRequest{"hip", 100}) {
		t.Errorf("angles = %+v", bench.angles)
	}
}

func TestHandleAngle_Errors(t *testing.T) {
	cases := []struct {
		name     string
		req      AngleRequest
		benchErr error
		want     int
	}{
		{"out of range", AngleRequest{"hip", 10}, nil, http.StatusBadRequest},
		{"unknown channel", AngleRequest{"tail", 90}, nil, http.StatusNotFound},
		{"busy", AngleRequest{"hip", 90}, motion.ErrBusy, http.StatusConflict},
		{"driver failure", AngleRequest{"hip", 90}, errors.New("bus fault"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bench := &recordingBench{err: tc.benchErr}
			h := newTestHandlers(bench.run, bench.setAngle)
			w := postJSON(h.HandleAngle, "/angle", tc.req)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestHandleAngle_OutOfRangeNeverReachesBench(t *testing.T) {
	bench := &recordingBench{}
	h := newTestHandlers(bench.run, bench.setAngle)
	postJSON(h.HandleAngle, "/angle", AngleRequest{"hip", 170})
	if len(bench.angles) != 0 {
		t.Errorf("out-of-range angle reached the bench: %+v", bench.angles)
	}
}

func TestHandleAngle_NilSetAngle(t *testing.T) {
	h := newTestHandlers(nil, nil)
	w := postJSON(h.HandleAngle, "/angle", AngleRequest{"hip", 90})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleAngle_InvalidJSON(t *testing.T) {
	h := newTestHandlers(nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/angle", strings.NewReader(`{"angle": "ninety"}`))
	w := httptest.NewRecorder()
	h.HandleAngle(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// ---------- HandleConfig ----------

func TestHandleConfig(t *testing.T) {
	h := newTestHandlers(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	w := httptest.NewRecorder()

	h.HandleConfig(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var bc BenchConfig
	if err := json.NewDecoder(w.Body).Decode(&bc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bc.Profile != "sg90_leg" {
		t.Errorf("Profile = %q, want sg90_leg", bc.Profile)
	}
	if len(bc.Channels) != 2 || bc.Channels[0].Output != "T1C1" {
		t.Errorf("Channels = %+v", bc.Channels)
	}
	if bc.Channels[0].Range.Max != 135 {
		t.Errorf("hip range = %+v", bc.Channels[0].Range)
	}
}

// ---------- ServeIndex ----------

func TestServeIndex(t *testing.T) {
	h := newTestHandlers(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	h.ServeIndex(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}
	if !strings.Contains(w.Body.String(), "<html>") {
		t.Error("body should contain HTML content")
	}
}

// ---------- Server ----------

func TestServer_Routes(t *testing.T) {
	bench := &recordingBench{}
	s := NewServer(":0", NewStatusBroadcaster(), bench.run, bench.setAngle, testBench)
	ts := httptest.NewServer(s.Mux())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("GET / = %d, want 200 (embedded index)", res.StatusCode)
	}

	res, err = http.Get(ts.URL + "/static/app.js")
	if err != nil {
		t.Fatalf("GET /static/app.js: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("GET /static/app.js = %d, want 200", res.StatusCode)
	}

	res, err = http.Post(ts.URL+"/angle", "application/json", strings.NewReader(`{"channel":"hip","angle":90}`))
	if err != nil {
		t.Fatalf("POST /angle: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("POST /angle = %d, want 200", res.StatusCode)
	}

	res, err = http.Get(ts.URL + "/angle")
	if err != nil {
		t.Fatalf("GET /angle: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /angle = %d, want 405", res.StatusCode)
	}
}
