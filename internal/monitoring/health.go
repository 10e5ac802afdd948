package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AlessioBray/he-compliant-approximation/internal/logger"
	"github.com/AlessioBray/he-compliant-approximation/internal/metrics"
)

// HealthStatus is the payload served on /status.
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Attention AttentionInfo `json:"attention"`
	Alerts    []Alert       `json:"alerts"`
}

// SystemInfo contains process-level information.
type SystemInfo struct {
	GoVersion      string  `json:"go_version"`
	OS             string  `json:"os"`
	Arch           string  `json:"arch"`
	NumCPU         int     `json:"num_cpu"`
	MemoryMB       int     `json:"memory_mb"`
	MemoryUsedMB   int     `json:"memory_used_mb"`
	MemoryUsagePct float64 `json:"memory_usage_pct"`
}

// AttentionInfo summarizes forward-pass activity.
type AttentionInfo struct {
	TotalForwards int64     `json:"total_forwards"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	P95LatencyMs  float64   `json:"p95_latency_ms"`
	LastForward   time.Time `json:"last_forward"`
}

// Alert represents a runtime alert.
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // attention, memory, system
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// HealthMonitor serves health and status endpoints alongside the Prometheus
// metrics handler.
type HealthMonitor struct {
	startTime   time.Time
	server      *http.Server
	mu          sync.RWMutex
	alerts      []Alert
	lastForward time.Time
	perfHistory []perfPoint

	// SlowForward is the latency above which a warning alert is raised.
	// Zero disables the check.
	SlowForward time.Duration
}

type perfPoint struct {
	timestamp time.Time
	duration  time.Duration
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		startTime:   time.Now(),
		alerts:      make([]Alert, 0),
		perfHistory: make([]perfPoint, 0),
	}
}

// Start serves the monitoring endpoints on addr. Blocks until the server
// stops.
func (hm *HealthMonitor) Start(addr string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth) // Kubernetes compatibility
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)

	hm.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Log.Info("health monitor starting", "addr", addr)
	return hm.server.ListenAndServe()
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// RecordForward records one forward pass for latency tracking.
func (hm *HealthMonitor) RecordForward(duration time.Duration) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	now := time.Now()
	hm.lastForward = now
	hm.perfHistory = append(hm.perfHistory, perfPoint{timestamp: now, duration: duration})
	if len(hm.perfHistory) > 1000 {
		hm.perfHistory = hm.perfHistory[1:]
	}

	if hm.SlowForward > 0 && duration > hm.SlowForward {
		hm.addAlertLocked("warning", "attention",
			"forward pass took "+duration.String())
	}
}

// RecordInstability raises an error alert for non-finite outputs. The
// Prometheus counter is incremented by the attention engine itself.
func (hm *HealthMonitor) RecordInstability(tensor string, nans, infs int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.addAlertLocked("error", "attention",
		fmt.Sprintf("non-finite values in %s (nans=%d infs=%d)", tensor, nans, infs))
}

// AddAlert records an alert.
func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.addAlertLocked(level, component, message)
}

func (hm *HealthMonitor) addAlertLocked(level, component, message string) {
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > 100 {
		hm.alerts = hm.alerts[1:]
	}
	logger.Log.Warn("alert raised", "level", level, "component", component, "message", message)
}

// ResolveAlert marks the alert at index as resolved.
func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.getHealthStatus()

	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	status := hm.getHealthStatus()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

func (hm *HealthMonitor) getHealthStatus() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		switch alert.Level {
		case "critical":
			status = "critical"
		case "error":
			if status == "healthy" {
				status = "degraded"
			}
		}
	}

	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime),
		System:    getSystemInfo(),
		Attention: hm.attentionInfoLocked(),
		Alerts:    hm.alerts,
	}
}

func (hm *HealthMonitor) attentionInfoLocked() AttentionInfo {
	info := AttentionInfo{
		TotalForwards: metrics.TotalForwards(),
		LastForward:   hm.lastForward,
	}
	if len(hm.perfHistory) == 0 {
		return info
	}

	durations := make([]time.Duration, len(hm.perfHistory))
	var total time.Duration
	for i, p := range hm.perfHistory {
		durations[i] = p.duration
		total += p.duration
	}
	info.AvgLatencyMs = float64(total.Microseconds()) / float64(len(durations)) / 1000

	// Nearest-rank p95 over the retained window.
	sorted := append([]time.Duration(nil), durations...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	idx := (95*len(sorted) + 99) / 100
	if idx > 0 {
		idx--
	}
	info.P95LatencyMs = float64(sorted[idx].Microseconds()) / 1000
	return info
}

func getSystemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	info := SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
	if m.Sys > 0 {
		info.MemoryUsagePct = float64(m.Alloc) / float64(m.Sys) * 100
	}
	return info
}
