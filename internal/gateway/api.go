// ABOUTME: HTTP handlers for health, device directory, and gateway status.
// ABOUTME: Merges live session state from the runner with the persisted device directory.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/2389/daq-gateway/internal/device"
	"github.com/2389/daq-gateway/internal/relay"
	"github.com/2389/daq-gateway/internal/store"
)

// DeviceResponse is one entry of GET /api/devices.
type DeviceResponse struct {
	*store.Device
	Channel     string       `json:"channel"`
	Subscribers int          `json:"subscribers"`
	Session     *device.Info `json:"session,omitempty"`
}

// ProcessStats is the process section of GET /api/status.
type ProcessStats struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes,omitempty"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads,omitempty"`
	Goroutines int     `json:"goroutines"`
}

// StatusResponse is the JSON response for GET /api/status.
type StatusResponse struct {
	StartedAt     time.Time    `json:"started_at"`
	UptimeSeconds float64      `json:"uptime_seconds"`
	Accepting     bool         `json:"accepting"`
	Devices       RunnerStats  `json:"devices"`
	Channels      []string     `json:"channels"`
	Subscribers   int          `json:"subscribers"`
	Process       ProcessStats `json:"process"`
}

func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	// Health endpoints
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	mux.HandleFunc("GET /api/devices", g.handleListDevices)
	mux.HandleFunc("GET /api/devices/{name...}", g.handleGetDevice)
	mux.HandleFunc("GET /api/status", g.handleStatus)

	// Websocket subscribers
	mux.Handle(relay.WSPathPrefix+"/", g.hub)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK while the device listener is accepting sessions.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.runner.Accepting() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("device listener not accepting"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleListDevices handles GET /api/devices.
func (g *Gateway) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := g.store.ListDevices(r.Context())
	if err != nil {
		g.logger.Error("listing devices", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}

	live := make(map[string]device.Info)
	for _, info := range g.runner.Sessions() {
		live[info.DeviceName] = info
	}

	response := make([]DeviceResponse, 0, len(devices))
	for _, d := range devices {
		response = append(response, g.deviceResponse(d, live))
		delete(live, d.Name)
	}
	// Sessions the directory has not caught up with still show as online.
	for name, info := range live {
		d := &store.Device{Name: name, Online: true, FirstSeen: info.ConnectedAt, LastConnected: info.ConnectedAt}
		response = append(response, g.deviceResponse(d, map[string]device.Info{name: info}))
	}

	g.sendJSON(w, http.StatusOK, response)
}

// handleGetDevice handles GET /api/devices/{name}.
func (g *Gateway) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	live := make(map[string]device.Info)
	if s, ok := g.runner.Registry().Lookup(name); ok {
		live[name] = s.Info()
	}

	d, err := g.store.GetDevice(r.Context(), name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		info, ok := live[name]
		if !ok {
			g.sendJSONError(w, http.StatusNotFound, "device not found")
			return
		}
		d = &store.Device{Name: name, Online: true, FirstSeen: info.ConnectedAt, LastConnected: info.ConnectedAt}
	case err != nil:
		g.logger.Error("getting device", "device", name, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to get device")
		return
	}

	g.sendJSON(w, http.StatusOK, g.deviceResponse(d, live))
}

func (g *Gateway) deviceResponse(d *store.Device, live map[string]device.Info) DeviceResponse {
	channel := relay.ChannelID(g.config.Relay.Prefix, d.Name)
	resp := DeviceResponse{
		Device:      d,
		Channel:     channel,
		Subscribers: g.hub.SubscriberCount(channel),
	}
	if info, ok := live[d.Name]; ok {
		resp.Session = &info
		resp.Online = true
	}
	return resp
}

// handleStatus handles GET /api/status.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	channels := g.hub.Channels()
	subscribers := 0
	for _, id := range channels {
		subscribers += g.hub.SubscriberCount(id)
	}

	g.sendJSON(w, http.StatusOK, StatusResponse{
		StartedAt:     g.startedAt.UTC(),
		UptimeSeconds: time.Since(g.startedAt).Seconds(),
		Accepting:     g.runner.Accepting(),
		Devices:       g.runner.Stats(),
		Channels:      channels,
		Subscribers:   subscribers,
		Process:       processStats(r.Context()),
	})
}

// processStats samples this process. Fields the platform cannot report stay zero.
func processStats(ctx context.Context) ProcessStats {
	stats := ProcessStats{
		PID:        int32(os.Getpid()),
		Goroutines: runtime.NumGoroutine(),
	}

	p, err := process.NewProcessWithContext(ctx, stats.PID)
	if err != nil {
		return stats
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if threads, err := p.NumThreadsWithContext(ctx); err == nil {
		stats.Threads = threads
	}
	return stats
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
