package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"towerdrop/broker/internal/lighting"
	"towerdrop/broker/internal/logging"
	"towerdrop/broker/internal/networking"
	"towerdrop/broker/internal/replay"
	"towerdrop/broker/internal/simulation"
	"towerdrop/broker/internal/tower"
)

// maxLightingBody bounds PUT /lighting request bodies.
const maxLightingBody = 4 << 10

// ReadinessProvider exposes broker state required for readiness checks.
type ReadinessProvider interface {
	SnapshotClientCounts() (clients, pending int)
	StartupError() error
	Uptime() time.Duration
}

// Telemetry is the simulation state exported on /metrics.
type Telemetry struct {
	Ticks           uint64
	DroppedSteps    uint64
	Tick            simulation.TickMetricsSnapshot
	FloorContacts   uint64
	CeilingContacts uint64
	GroundContacts  uint64
	Respawns        uint64
	CommandsApplied uint64
	// CommandDrops counts gate and validator rejections by reason.
	CommandDrops map[string]uint64
	TowerAngle   float64
	BallHeight   float64
}

// TelemetryFunc returns the current simulation telemetry.
type TelemetryFunc func() Telemetry

// ReplayDumper triggers a replay dump and optionally returns the artifact location.
type ReplayDumper interface {
	DumpReplay(ctx context.Context) (string, error)
}

// ReplayDumperFunc adapts a function into a ReplayDumper.
type ReplayDumperFunc func(ctx context.Context) (string, error)

// DumpReplay implements ReplayDumper.
func (f ReplayDumperFunc) DumpReplay(ctx context.Context) (string, error) { return f(ctx) }

// Scene is the viewer-facing description of the simulated world.
type Scene struct {
	Tower    tower.Description  `json:"tower"`
	Lighting lighting.Spotlight `json:"lighting"`
	// LightingVersion increments on every applied lighting patch.
	LightingVersion uint64          `json:"lighting_version"`
	Ball            BallScene       `json:"ball"`
	Frame           json.RawMessage `json:"frame,omitempty"`
}

// BallScene describes the ball parameters.
type BallScene struct {
	Radius  float64    `json:"radius"`
	Bounce  float64    `json:"bounce"`
	Gravity [3]float64 `json:"gravity"`
	GroundY float64    `json:"ground_y"`
	Spawn   [3]float64 `json:"spawn"`
}

// SceneProvider describes the live scene and applies lighting patches.
type SceneProvider interface {
	Scene() Scene
	ApplyLighting(patch lighting.Patch) (lighting.Spotlight, uint64, error)
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger       *logging.Logger
	Readiness    ReadinessProvider
	Telemetry    TelemetryFunc
	Delivery     *networking.DeliveryMetrics
	Bandwidth    *networking.BandwidthRegulator
	Scene        SceneProvider
	Replay       ReplayDumper
	AdminToken   string
	RateLimiter  RateLimiter
	TimeSource   func() time.Time
	ReplayStats  func() replay.Stats
	StorageStats func() replay.StorageStats
}

// HandlerSet bundles the broker operational handlers.
type HandlerSet struct {
	logger       *logging.Logger
	readiness    ReadinessProvider
	telemetry    TelemetryFunc
	delivery     *networking.DeliveryMetrics
	bandwidth    *networking.BandwidthRegulator
	scene        SceneProvider
	replay       ReplayDumper
	adminToken   string
	rateLimiter  RateLimiter
	now          func() time.Time
	replayStats  func() replay.Stats
	storageStats func() replay.StorageStats
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:       logger,
		readiness:    opts.Readiness,
		telemetry:    opts.Telemetry,
		delivery:     opts.Delivery,
		bandwidth:    opts.Bandwidth,
		scene:        opts.Scene,
		replay:       opts.Replay,
		adminToken:   strings.TrimSpace(opts.AdminToken),
		rateLimiter:  opts.RateLimiter,
		now:          now,
		replayStats:  opts.ReplayStats,
		storageStats: opts.StorageStats,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/replay/dump", h.ReplayDumpHandler())
	mux.HandleFunc("/scene", h.SceneHandler())
	mux.HandleFunc("/lighting", h.LightingHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports broker readiness, including client counts and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status         string  `json:"status"`
		Message        string  `json:"message,omitempty"`
		UptimeSeconds  float64 `json:"uptime_seconds"`
		Clients        int     `json:"clients"`
		PendingClients int     `json:"pending_clients"`
		Ticks          uint64  `json:"ticks"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			clients, pending := h.readiness.SnapshotClientCounts()
			resp.Clients = clients
			resp.PendingClients = pending
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		if h.telemetry != nil {
			resp.Ticks = h.telemetry().Ticks
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clients, pending, uptime := h.clientCounts()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		gauge(w, "towerdrop_uptime_seconds", "Broker uptime in seconds.", fmt.Sprintf("%.0f", uptime))
		gauge(w, "towerdrop_clients", "Current connected WebSocket viewers.", strconv.Itoa(clients))
		gauge(w, "towerdrop_pending_clients", "Pending WebSocket handshakes awaiting upgrade.", strconv.Itoa(pending))

		if h.telemetry != nil {
			t := h.telemetry()
			counter(w, "towerdrop_ticks_total", "Simulation steps executed.", t.Ticks)
			counter(w, "towerdrop_dropped_steps_total", "Steps skipped because the loop fell behind.", t.DroppedSteps)
			gauge(w, "towerdrop_tick_duration_seconds_avg", "Average step duration.", seconds(t.Tick.Average))
			gauge(w, "towerdrop_tick_duration_seconds_max", "Slowest observed step duration.", seconds(t.Tick.Max))
			counter(w, "towerdrop_tick_overruns_total", "Steps that exceeded the tick budget.", uint64(t.Tick.Overruns))
			fmt.Fprintf(w, "# HELP towerdrop_contacts_total Contacts resolved by pass.\n")
			fmt.Fprintf(w, "# TYPE towerdrop_contacts_total counter\n")
			fmt.Fprintf(w, "towerdrop_contacts_total{pass=\"floor\"} %d\n", t.FloorContacts)
			fmt.Fprintf(w, "towerdrop_contacts_total{pass=\"ceiling\"} %d\n", t.CeilingContacts)
			fmt.Fprintf(w, "towerdrop_contacts_total{pass=\"ground\"} %d\n", t.GroundContacts)
			counter(w, "towerdrop_respawns_total", "Ball resets applied.", t.Respawns)
			counter(w, "towerdrop_commands_applied_total", "Viewer commands applied between steps.", t.CommandsApplied)
			if len(t.CommandDrops) > 0 {
				fmt.Fprintf(w, "# HELP towerdrop_command_drops_total Viewer commands rejected by reason.\n")
				fmt.Fprintf(w, "# TYPE towerdrop_command_drops_total counter\n")
				for _, reason := range sortedKeys(t.CommandDrops) {
					fmt.Fprintf(w, "towerdrop_command_drops_total{reason=%q} %d\n", reason, t.CommandDrops[reason])
				}
			}
			gauge(w, "towerdrop_tower_angle_radians", "Current tower rotation.", strconv.FormatFloat(t.TowerAngle, 'f', 4, 64))
			gauge(w, "towerdrop_ball_height", "Current ball height.", strconv.FormatFloat(t.BallHeight, 'f', 3, 64))
		}
		if h.delivery != nil {
			counter(w, "towerdrop_deliveries_total", "Messages delivered to viewers.", uint64(h.delivery.Delivered()))
			if bytes := h.delivery.BytesPerClient(); len(bytes) > 0 {
				fmt.Fprintf(w, "# HELP towerdrop_frame_bytes_per_client Last delivered payload size per viewer.\n")
				fmt.Fprintf(w, "# TYPE towerdrop_frame_bytes_per_client gauge\n")
				for _, clientID := range sortedKeys(bytes) {
					fmt.Fprintf(w, "towerdrop_frame_bytes_per_client{client=%q} %d\n", clientID, bytes[clientID])
				}
			}
			if drops := h.delivery.DropCounts(); len(drops) > 0 {
				fmt.Fprintf(w, "# HELP towerdrop_delivery_drops_total Messages not delivered by reason.\n")
				fmt.Fprintf(w, "# TYPE towerdrop_delivery_drops_total counter\n")
				reasons := make([]string, 0, len(drops))
				for reason := range drops {
					reasons = append(reasons, string(reason))
				}
				sort.Strings(reasons)
				for _, reason := range reasons {
					fmt.Fprintf(w, "towerdrop_delivery_drops_total{reason=%q} %d\n", reason, drops[networking.DropReason(reason)])
				}
			}
		}
		if h.bandwidth != nil {
			if usage := h.bandwidth.SnapshotUsage(); len(usage) > 0 {
				ids := sortedKeys(usage)
				fmt.Fprintf(w, "# HELP towerdrop_bandwidth_bytes_per_second Observed outbound bandwidth per viewer.\n")
				fmt.Fprintf(w, "# TYPE towerdrop_bandwidth_bytes_per_second gauge\n")
				for _, id := range ids {
					fmt.Fprintf(w, "towerdrop_bandwidth_bytes_per_second{client=%q} %.2f\n", id, usage[id].BytesPerSecond)
				}
				fmt.Fprintf(w, "# HELP towerdrop_bandwidth_skipped_frames_total Frames skipped by the bandwidth budget per viewer.\n")
				fmt.Fprintf(w, "# TYPE towerdrop_bandwidth_skipped_frames_total counter\n")
				for _, id := range ids {
					fmt.Fprintf(w, "towerdrop_bandwidth_skipped_frames_total{client=%q} %d\n", id, usage[id].SkippedFrames)
				}
			}
		}
		if h.replayStats != nil {
			stats := h.replayStats()
			gauge(w, "towerdrop_replay_buffer_frames", "Frames held by the dump recorder.", strconv.Itoa(stats.BufferedFrames))
			gauge(w, "towerdrop_replay_buffer_events", "Events held by the dump recorder.", strconv.Itoa(stats.BufferedEvents))
			gauge(w, "towerdrop_replay_buffer_bytes", "Dump recorder payload size in bytes.", strconv.FormatInt(stats.BufferedBytes, 10))
			counter(w, "towerdrop_replay_dumps_total", "Replay dumps completed successfully.", uint64(stats.Dumps))
		}
		if h.storageStats != nil {
			stats := h.storageStats()
			gauge(w, "towerdrop_replay_bundles", "Replay bundles retained on disk.", strconv.Itoa(stats.Bundles))
			gauge(w, "towerdrop_replay_dump_files", "Replay dumps retained on disk.", strconv.Itoa(stats.Dumps))
			counter(w, "towerdrop_replay_retention_removed", "Artefacts removed by the last retention sweep.", uint64(stats.Removed))
			gauge(w, "towerdrop_replay_storage_bytes", "Disk footprint of retained replays.", strconv.FormatInt(stats.Bytes, 10))
		}
	}
}

// ReplayDumpHandler authorises and triggers replay dump creation.
func (h *HandlerSet) ReplayDumpHandler() http.HandlerFunc {
	type response struct {
		Status   string `json:"status"`
		Location string `json:"location,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "replay_dump"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !h.admit(w, r, reqLogger, "replay dump") {
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("replay dump denied: rate limit exceeded")
			if hinted, ok := h.rateLimiter.(interface{ RetryAfter() time.Duration }); ok {
				if wait := hinted.RetryAfter(); wait > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				}
			}
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.replay == nil {
			reqLogger.Warn("replay dump denied: no dumper configured")
			http.Error(w, "replay dumping is unavailable", http.StatusServiceUnavailable)
			return
		}
		location, err := h.replay.DumpReplay(r.Context())
		if err != nil {
			reqLogger.Error("replay dump trigger failed", logging.Error(err))
			http.Error(w, "failed to trigger replay dump", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("replay dump triggered", logging.String("location", location))
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Location: location})
	}
}

// SceneHandler returns the tower geometry, lighting and latest frame.
func (h *HandlerSet) SceneHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.scene == nil {
			http.Error(w, "scene unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, h.scene.Scene())
	}
}

// LightingHandler serves the spotlight settings on GET and applies an admin patch on PUT.
func (h *HandlerSet) LightingHandler() http.HandlerFunc {
	type response struct {
		Version  uint64             `json:"version"`
		Lighting lighting.Spotlight `json:"lighting"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if h.scene == nil {
			http.Error(w, "scene unavailable", http.StatusServiceUnavailable)
			return
		}
		switch r.Method {
		case http.MethodGet:
			scene := h.scene.Scene()
			writeJSON(w, http.StatusOK, response{Version: scene.LightingVersion, Lighting: scene.Lighting})
		case http.MethodPut, http.MethodPatch:
			reqLogger := h.logger.With(logging.String("handler", "lighting"), logging.String("remote_addr", r.RemoteAddr))
			if !h.admit(w, r, reqLogger, "lighting update") {
				return
			}
			var patch lighting.Patch
			decoder := json.NewDecoder(io.LimitReader(r.Body, maxLightingBody))
			decoder.DisallowUnknownFields()
			if err := decoder.Decode(&patch); err != nil {
				http.Error(w, "invalid lighting patch: "+err.Error(), http.StatusBadRequest)
				return
			}
			spot, version, err := h.scene.ApplyLighting(patch)
			if err != nil {
				status := http.StatusUnprocessableEntity
				if errors.Is(err, lighting.ErrEmptyPatch) {
					status = http.StatusBadRequest
				}
				http.Error(w, err.Error(), status)
				return
			}
			reqLogger.Info("lighting updated", logging.Uint64("version", version))
			writeJSON(w, http.StatusOK, response{Version: version, Lighting: spot})
		default:
			w.Header().Set("Allow", "GET, PUT, PATCH")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// admit enforces the admin token and writes the refusal when it fails.
func (h *HandlerSet) admit(w http.ResponseWriter, r *http.Request, logger *logging.Logger, action string) bool {
	if h.adminToken == "" {
		logger.Warn(action + " denied: admin auth disabled")
		http.Error(w, "admin authentication not configured", http.StatusForbidden)
		return false
	}
	if !h.authorise(r) {
		logger.Warn(action + " denied: unauthorized request")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (h *HandlerSet) clientCounts() (clients, pending int, uptime float64) {
	if h.readiness == nil {
		return 0, 0, 0
	}
	clients, pending = h.readiness.SnapshotClientCounts()
	return clients, pending, h.readiness.Uptime().Seconds()
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func gauge(w io.Writer, name, help, value string) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %s\n", name, help, name, name, value)
}

func counter(w io.Writer, name, help string, value uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, value)
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 6, 64)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
