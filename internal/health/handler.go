package health

import (
	"context"
	"crypto/subtle"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"lv-propdesk/internal/httputil"
	"lv-propdesk/internal/marketdata"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Check probes one dependency. A nil error means reachable.
type Check func(ctx context.Context) error

type Handler struct {
	checks      map[string]Check
	pool        *pgxpool.Pool
	book        *marketdata.QuoteBook
	quoteMaxAge time.Duration
	startedAt   time.Time
	httpAddr    string
	storeKind   string
	internalTok string
	now         func() time.Time
}

type Options struct {
	StartedAt     time.Time
	HTTPAddr      string
	StoreKind     string
	InternalToken string
	// Pool adds connection pool figures to the full report when postgres is used.
	Pool *pgxpool.Pool
	// Book and QuoteMaxAge report quote feed freshness.
	Book        *marketdata.QuoteBook
	QuoteMaxAge time.Duration
}

func NewHandler(opts Options) *Handler {
	start := opts.StartedAt.UTC()
	if start.IsZero() {
		start = time.Now().UTC()
	}
	return &Handler{
		checks:      map[string]Check{},
		pool:        opts.Pool,
		book:        opts.Book,
		quoteMaxAge: opts.QuoteMaxAge,
		startedAt:   start,
		httpAddr:    strings.TrimSpace(opts.HTTPAddr),
		storeKind:   strings.TrimSpace(opts.StoreKind),
		internalTok: strings.TrimSpace(opts.InternalToken),
		now:         time.Now,
	}
}

// Register adds a dependency probed by readiness. Failing dependencies make
// the service report degraded.
func (h *Handler) Register(name string, c Check) {
	h.checks[name] = c
}

type liveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	UptimeSec int64  `json:"uptime_sec"`
	Uptime    string `json:"uptime"`
}

type dependencyStat struct {
	Reachable bool   `json:"reachable"`
	PingMs    int64  `json:"ping_ms"`
	Error     string `json:"error,omitempty"`
}

type feedStat struct {
	Symbols int              `json:"symbols"`
	Stale   []string         `json:"stale,omitempty"`
	AgeMs   map[string]int64 `json:"age_ms,omitempty"`
}

type readinessResponse struct {
	Status       string                    `json:"status"`
	Timestamp    string                    `json:"timestamp"`
	UptimeSec    int64                     `json:"uptime_sec"`
	Uptime       string                    `json:"uptime"`
	Dependencies map[string]dependencyStat `json:"dependencies"`
	Feed         *feedStat                 `json:"feed,omitempty"`
}

type fullResponse struct {
	readinessResponse
	App     appStats     `json:"app"`
	Process processStats `json:"process"`
	Runtime runtimeStats `json:"runtime"`
	Memory  memoryStats  `json:"memory"`
	Pool    *poolStats   `json:"pool,omitempty"`
	Build   buildStats   `json:"build"`
}

type appStats struct {
	HTTPAddr string `json:"http_addr"`
	Store    string `json:"store"`
}

type processStats struct {
	PID      int    `json:"pid"`
	Hostname string `json:"hostname"`
	GoOS     string `json:"go_os"`
	GoArch   string `json:"go_arch"`
}

type runtimeStats struct {
	GoVersion  string `json:"go_version"`
	Goroutines int    `json:"goroutines"`
	GoMaxProcs int    `json:"gomaxprocs"`
	CPUCount   int    `json:"cpu_count"`
	NumGC      uint32 `json:"num_gc"`
}

type memoryStats struct {
	AllocBytes     uint64 `json:"alloc_bytes"`
	HeapInuseBytes uint64 `json:"heap_inuse_bytes"`
	SysBytes       uint64 `json:"sys_bytes"`
	HeapObjects    uint64 `json:"heap_objects"`
}

type poolStats struct {
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
	AcquireCount  int64 `json:"acquire_count"`
}

type buildStats struct {
	MainPath string `json:"main_path"`
	Version  string `json:"version"`
}

func (h *Handler) uptime(now time.Time) time.Duration {
	uptime := now.Sub(h.startedAt)
	if uptime < 0 {
		return 0
	}
	return uptime
}

func secureTokenEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (h *Handler) requireInternalToken(w http.ResponseWriter, r *http.Request) bool {
	if h.internalTok == "" {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, httputil.ErrorResponse{Error: "internal token is not configured"})
		return false
	}
	provided := strings.TrimSpace(r.Header.Get("X-Internal-Token"))
	if !secureTokenEqual(provided, h.internalTok) {
		httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "invalid internal token"})
		return false
	}
	return true
}

func (h *Handler) probe(ctx context.Context) (map[string]dependencyStat, bool) {
	out := make(map[string]dependencyStat, len(h.checks))
	healthy := true
	for name, check := range h.checks {
		start := time.Now()
		pctx, cancel := context.WithTimeout(ctx, time.Second)
		err := check(pctx)
		cancel()
		st := dependencyStat{Reachable: err == nil, PingMs: time.Since(start).Milliseconds()}
		if err != nil {
			st.Error = err.Error()
			healthy = false
		}
		out[name] = st
	}
	return out, healthy
}

// feed reports symbols whose last quote is older than the freshness limit.
// Stale symbols do not fail readiness: trading on them is already refused.
func (h *Handler) feed(now time.Time) *feedStat {
	if h.book == nil {
		return nil
	}
	quotes := h.book.Snapshot()
	st := &feedStat{Symbols: len(quotes), AgeMs: make(map[string]int64, len(quotes))}
	for _, q := range quotes {
		age := now.Sub(q.ObservedAt)
		st.AgeMs[q.Symbol] = age.Milliseconds()
		if h.quoteMaxAge > 0 && age > h.quoteMaxAge {
			st.Stale = append(st.Stale, q.Symbol)
		}
	}
	sort.Strings(st.Stale)
	return st
}

func (h *Handler) readiness(ctx context.Context) (readinessResponse, int) {
	now := h.now().UTC()
	uptime := h.uptime(now)
	deps, healthy := h.probe(ctx)
	resp := readinessResponse{
		Status:       "ok",
		Timestamp:    now.Format(time.RFC3339),
		UptimeSec:    int64(uptime.Seconds()),
		Uptime:       uptime.String(),
		Dependencies: deps,
		Feed:         h.feed(now),
	}
	if !healthy {
		resp.Status = "degraded"
		return resp, http.StatusServiceUnavailable
	}
	return resp, http.StatusOK
}

// Live does not touch any dependency.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()
	uptime := h.uptime(now)
	httputil.WriteJSON(w, http.StatusOK, liveResponse{
		Status:    "ok",
		Timestamp: now.Format(time.RFC3339),
		UptimeSec: int64(uptime.Seconds()),
		Uptime:    uptime.String(),
	})
}

// Ready returns 503 when a registered dependency is unreachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	resp, status := h.readiness(r.Context())
	httputil.WriteJSON(w, status, resp)
}

// Full returns full diagnostics and is protected by X-Internal-Token.
func (h *Handler) Full(w http.ResponseWriter, r *http.Request) {
	if !h.requireInternalToken(w, r) {
		return
	}
	ready, status := h.readiness(r.Context())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	build := buildStats{}
	if info, ok := debug.ReadBuildInfo(); ok && info != nil {
		build.MainPath = strings.TrimSpace(info.Main.Path)
		build.Version = strings.TrimSpace(info.Main.Version)
	}
	host, _ := os.Hostname()

	resp := fullResponse{
		readinessResponse: ready,
		App:               appStats{HTTPAddr: h.httpAddr, Store: h.storeKind},
		Process: processStats{
			PID:      os.Getpid(),
			Hostname: host,
			GoOS:     runtime.GOOS,
			GoArch:   runtime.GOARCH,
		},
		Runtime: runtimeStats{
			GoVersion:  runtime.Version(),
			Goroutines: runtime.NumGoroutine(),
			GoMaxProcs: runtime.GOMAXPROCS(0),
			CPUCount:   runtime.NumCPU(),
			NumGC:      mem.NumGC,
		},
		Memory: memoryStats{
			AllocBytes:     mem.Alloc,
			HeapInuseBytes: mem.HeapInuse,
			SysBytes:       mem.Sys,
			HeapObjects:    mem.HeapObjects,
		},
		Build: build,
	}
	if h.pool != nil {
		stat := h.pool.Stat()
		resp.Pool = &poolStats{
			TotalConns:    stat.TotalConns(),
			IdleConns:     stat.IdleConns(),
			AcquiredConns: stat.AcquiredConns(),
			MaxConns:      stat.MaxConns(),
			AcquireCount:  stat.AcquireCount(),
		}
	}
	httputil.WriteJSON(w, status, resp)
}
