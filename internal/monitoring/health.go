// Package monitoring serves health and Prometheus metrics endpoints for
// long-running training loops.
package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-bodkin/internal/logger"
)

// Status is the payload served by /status.
type Status struct {
	Status    string     `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
	Uptime    string     `json:"uptime"`
	System    SystemInfo `json:"system"`
	Loop      LoopInfo   `json:"loop"`
}

// SystemInfo contains process-level information.
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// LoopInfo summarizes training loop progress.
type LoopInfo struct {
	Steps           int64     `json:"steps"`
	LastLoss        float64   `json:"last_loss"`
	TokensPerSecond float64   `json:"tokens_per_second"`
	LastStep        time.Time `json:"last_step"`
}

// HealthMonitor serves /health, /status and /metrics for one process.
type HealthMonitor struct {
	startTime time.Time
	server    *http.Server

	mu    sync.RWMutex
	steps int64
	loss  float64
	rate  float64
	last  time.Time
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{startTime: time.Now()}
}

// Start serves until the listener fails or Stop is called. Call it from
// its own goroutine.
func (hm *HealthMonitor) Start(addr string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth) // Kubernetes compatibility
	mux.HandleFunc("/status", hm.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	hm.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Log.Info("health monitor listening", "addr", addr)
	return hm.server.ListenAndServe()
}

// Stop shuts the server down.
func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// RecordStep records one completed training step.
func (hm *HealthMonitor) RecordStep(loss float64, tokens int, elapsed time.Duration) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.steps++
	hm.loss = loss
	if elapsed > 0 {
		hm.rate = float64(tokens) / elapsed.Seconds()
	}
	hm.last = time.Now()
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	loop := LoopInfo{
		Steps:           hm.steps,
		LastLoss:        hm.loss,
		TokensPerSecond: hm.rate,
		LastStep:        hm.last,
	}
	hm.mu.RUnlock()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := Status{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime).String(),
		System: SystemInfo{
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Arch:         runtime.GOARCH,
			NumCPU:       runtime.NumCPU(),
			MemoryMB:     int(m.Sys / 1024 / 1024),
			MemoryUsedMB: int(m.Alloc / 1024 / 1024),
		},
		Loop: loop,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
