package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb/maptile"
	"go.uber.org/zap"

	"tilepipe/internal/config"
	"tilepipe/internal/storage"
	"tilepipe/internal/tile"
)

// TileLoader fetches and parses a tile. *tile.Loader implements it.
type TileLoader interface {
	Load(ctx context.Context, id maptile.Tile) (*tile.Data, error)
}

// FileSource is the control surface of the file source. *storage.Source
// implements it.
type FileSource interface {
	SetReachability(reachable bool)
	ClearCache(ctx context.Context) error
}

type Handlers struct {
	config *config.Config
	logger *zap.Logger
	loader TileLoader
	source FileSource
}

func New(config *config.Config, logger *zap.Logger, loader TileLoader, source FileSource) *Handlers {
	return &Handlers{
		config: config,
		logger: logger,
		loader: loader,
		source: source,
	}
}

// Routes registers the inspection endpoints on mux.
func (h *Handlers) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/api/tiles/{z}/{x}/{y}", h.HandleTile)
	mux.HandleFunc("/api/reachability", h.HandleReachability)
	mux.HandleFunc("/api/cache", h.HandleCache)
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", h.extractIP(r)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		switch {
		case h.config.AllowedOrigin != "":
			allowedOrigin = h.config.AllowedOrigin
		case origin == "":
			allowedOrigin = "*"
		case strings.HasPrefix(origin, "http://"+r.Host) || strings.HasPrefix(origin, "https://"+r.Host):
			allowedOrigin = origin
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type bucketSummary struct {
	Type     string `json:"type"`
	Features int    `json:"features"`
	Vertices int    `json:"vertices"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

type tileResponse struct {
	Tile    string                   `json:"tile"`
	State   string                   `json:"state"`
	Error   string                   `json:"error,omitempty"`
	Buckets map[string]bucketSummary `json:"buckets"`
}

// HandleTile fetches and parses a tile and reports its buckets.
func (h *Handlers) HandleTile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := parseTileID(r.PathValue("z"), r.PathValue("x"), r.PathValue("y"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if h.config.TileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.TileTimeout)
		defer cancel()
	}

	d, err := h.loader.Load(ctx, id)
	resp := tileResponse{
		Tile:    strconv.Itoa(int(id.Z)) + "/" + strconv.Itoa(int(id.X)) + "/" + strconv.Itoa(int(id.Y)),
		Buckets: map[string]bucketSummary{},
	}
	if d != nil {
		resp.State = d.State().String()
		for name, b := range d.Buckets() {
			s := bucketSummary{Type: b.Type.String(), Features: len(b.Features), Vertices: b.Vertices()}
			if b.Raster != nil {
				s.Width, s.Height = b.Raster.Width, b.Raster.Height
			}
			resp.Buckets[name] = s
		}
	}

	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = statusFor(err)
		h.logger.Warn("Tile load failed", zap.String("tile", resp.Tile), zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// HandleReachability switches the file source between online and offline.
// POST /api/reachability?online=true
func (h *Handlers) HandleReachability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	online, err := strconv.ParseBool(r.URL.Query().Get("online"))
	if err != nil {
		http.Error(w, "online must be a boolean", http.StatusBadRequest)
		return
	}
	h.source.SetReachability(online)
	h.logger.Info("Reachability changed", zap.Bool("online", online))
	w.WriteHeader(http.StatusNoContent)
}

// HandleCache drops every cached resource.
// DELETE /api/cache
func (h *Handlers) HandleCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.source.ClearCache(r.Context()); err != nil {
		h.logger.Error("Failed to clear cache", zap.Error(err))
		http.Error(w, "Failed to clear cache", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseTileID(zs, xs, ys string) (maptile.Tile, error) {
	ys = strings.TrimSuffix(ys, ".json")
	z, err := strconv.ParseUint(zs, 10, 32)
	if err != nil || z > 30 {
		return maptile.Tile{}, errors.New("invalid zoom level")
	}
	x, err := strconv.ParseUint(xs, 10, 32)
	if err != nil || x >= 1<<z {
		return maptile.Tile{}, errors.New("invalid x coordinate")
	}
	y, err := strconv.ParseUint(ys, 10, 32)
	if err != nil || y >= 1<<z {
		return maptile.Tile{}, errors.New("invalid y coordinate")
	}
	return maptile.New(uint32(x), uint32(y), maptile.Zoom(z)), nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tile.ErrDecode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrOffline):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// Not for real production use due to potential spoofing
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
