package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/cjeanneret/GoLegs/internal/hw/servo"
	"github.com/cjeanneret/GoLegs/internal/logic/motion"
)

// maxBodyBytes limits request bodies.
const maxBodyBytes = 1 << 20

// RunRequest starts a sweep. An empty Channel runs the all-channel test.
type RunRequest struct {
	Channel string `json:"channel"`
}

// AngleRequest moves one servo.
type AngleRequest struct {
	Channel string  `json:"channel"`
	Angle   float64 `json:"angle"`
}

// RunFunc runs a sweep of channel, or of every channel when it is empty.
// It is called from the POST /run handler in a goroutine.
type RunFunc func(ctx context.Context, channel string) error

// SetAngleFunc moves one servo. It is called synchronously by POST /angle.
type SetAngleFunc func(channel string, angle float64) error

// ChannelInfo describes one entry of the channel table.
type ChannelInfo struct {
	Name   string      `json:"name"`
	Output string      `json:"output"`
	Range  servo.Range `json:"range"`
}

// BenchConfig is the read-only view of the bench served by GET /config.
type BenchConfig struct {
	Profile    string        `json:"profile"`
	StepDeg    float64       `json:"step_deg"`
	EstimateMs int64         `json:"estimate_ms"` // all-channel test duration
	Channels   []ChannelInfo `json:"channels"`
}

func (b BenchConfig) channel(name string) (ChannelInfo, bool) {
	for _, c := range b.Channels {
		if c.Name == name || c.Output == name {
			return c, true
		}
	}
	return ChannelInfo{}, false
}

// ValidateAngleRequest checks the request against the channel table.
func (b BenchConfig) ValidateAngleRequest(req AngleRequest) error {
	ch, ok := b.channel(req.Channel)
	if !ok {
		return fmt.Errorf("%w: %q", motion.ErrUnknownServo, req.Channel)
	}
	if math.IsNaN(req.Angle) || math.IsInf(req.Angle, 0) {
		return fmt.Errorf("%w: angle must be a finite number", servo.ErrAngleOutOfRange)
	}
	return ch.Range.Check(req.Angle)
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Run         RunFunc
	SetAngle    SetAngleFunc
	Bench       BenchConfig
	staticFS    fs.FS

	runningMu sync.Mutex
	running   bool
	cancelRun context.CancelFunc
	baseCtx   context.Context
}

// NewHandlers creates handlers with the given dependencies.
// If run or setAngle is nil, the matching endpoint returns 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, run RunFunc, setAngle SetAngleFunc, bench BenchConfig, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Run:         run,
		SetAngle:    setAngle,
		Bench:       bench,
		staticFS:    staticFS,
		baseCtx:     context.Background(),
	}
}

// setBaseContext makes runs started from now on stop when ctx is done.
func (h *Handlers) setBaseContext(ctx context.Context) {
	h.runningMu.Lock()
	h.baseCtx = ctx
	h.runningMu.Unlock()
}

// HandleConfig returns the bench description as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Bench)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleRun handles POST /run to start a sweep.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Channel != "" {
		if _, ok := h.Bench.channel(req.Channel); !ok {
			http.Error(w, fmt.Sprintf("unknown channel %q", req.Channel), http.StatusNotFound)
			return
		}
	}

	if h.Run == nil {
		http.Error(w, "servo bench not configured", http.StatusServiceUnavailable)
		return
	}

	h.runningMu.Lock()
	if h.running {
		h.runningMu.Unlock()
		http.Error(w, "sweep already in progress", http.StatusConflict)
		return
	}
	ctx, cancel := context.WithCancel(h.baseCtx)
	h.running = true
	h.cancelRun = cancel
	h.runningMu.Unlock()

	label := req.Channel
	if label == "" {
		label = "all channels"
	}

	// Run in goroutine; clear running when done
	go func() {
		defer func() {
			cancel()
			h.runningMu.Lock()
			h.running = false
			h.cancelRun = nil
			h.runningMu.Unlock()
		}()

		start := time.Now()
		err := h.Run(ctx, req.Channel)
		switch {
		case errors.Is(err, context.Canceled):
			h.Broadcaster.Broadcast("info", "Sweep of "+label+" stopped")
		case err != nil:
			h.Broadcaster.Broadcast("error", "Sweep failed: "+err.Error())
			log.Printf("sweep failed: %v", err)
		default:
			h.Broadcaster.Broadcast("info", fmt.Sprintf("Sweep of %s complete in %s", label, time.Since(start).Round(time.Millisecond)))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "channel": label})
}

// HandleStop handles POST /stop: cancels the running sweep, if any.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.runningMu.Lock()
	cancel := h.cancelRun
	h.runningMu.Unlock()

	if cancel == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
		return
	}
	cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// HandleAngle handles POST /angle to move one servo.
func (h *Handlers) HandleAngle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AngleRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := h.Bench.ValidateAngleRequest(req); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	if h.SetAngle == nil {
		http.Error(w, "servo bench not configured", http.StatusServiceUnavailable)
		return
	}
	if err := h.SetAngle(req.Channel, req.Angle); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// statusFor maps motion errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, servo.ErrAngleOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, motion.ErrUnknownServo):
		return http.StatusNotFound
	case errors.Is(err, motion.ErrBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
