package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"voxcache/internal/cache"
	"voxcache/internal/config"
	"voxcache/internal/dataset"
	"voxcache/internal/session"
	"voxcache/internal/viewer"
	"voxcache/internal/volume"
)

// Catalog lists the sources served as setups.
type Catalog interface {
	Sources() []dataset.Source
	ByID(id string) (dataset.Source, bool)
	CellSize() int
}

type Handlers struct {
	config   *config.Config
	logger   *zap.Logger
	catalog  Catalog
	cache    *cache.Cache
	sessions *session.Store
}

func New(config *config.Config, logger *zap.Logger, catalog Catalog, cellCache *cache.Cache, sessions *session.Store) *Handlers {
	return &Handlers{
		config:   config,
		logger:   logger,
		catalog:  catalog,
		cache:    cellCache,
		sessions: sessions,
	}
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin != "" && (strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host)) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Session-Id")
			w.Header().Set("Access-Control-Expose-Headers", "X-Session-Id, X-Cell-Dims, X-Cell-Min, X-Cell-Outcome, X-Session-Io-Bytes, X-Session-Io-Ms")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type sourceSummary struct {
	ID               string `json:"id"`
	Setup            int    `json:"setup"`
	OriginalFilename string `json:"original_filename"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	Bands            int    `json:"bands"`
	Levels           int    `json:"levels"`
}

func (h *Handlers) HandleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sources := h.catalog.Sources()
	summaries := make([]sourceSummary, 0, len(sources))
	for _, src := range sources {
		summaries = append(summaries, sourceSummary{
			ID:               src.ID,
			Setup:            src.Setup,
			OriginalFilename: src.OriginalFilename,
			Width:            src.Width,
			Height:           src.Height,
			Bands:            src.Bands,
			Levels:           src.Levels,
		})
	}
	writeJSON(w, summaries)
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, h.cache.Stats())
}

// HandleSession reports or ends a session: /api/sessions/{id}.
func (h *Handlers) HandleSession(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if !h.sessions.Remove(id) {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) HandleSourceRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sources/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}

	src, ok := h.catalog.ByID(parts[0])
	if !ok {
		http.Error(w, fmt.Sprintf("source not found: %s", parts[0]), http.StatusNotFound)
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "meta":
		h.handleSourceMeta(w, r, src)
	case len(parts) == 2 && parts[1] == "level":
		h.handleLevel(w, r, src)
	case len(parts) == 4 && parts[1] == "cells":
		h.handleCell(w, r, src, parts[2], parts[3])
	default:
		http.NotFound(w, r)
	}
}

type levelMeta struct {
	Level    int     `json:"level"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	GridDims []int64 `json:"grid_dims"`
	Cells    int64   `json:"cells"`
}

func (h *Handlers) handleSourceMeta(w http.ResponseWriter, r *http.Request, src dataset.Source) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	levels := make([]levelMeta, 0, src.Levels)
	for l := 0; l < src.Levels; l++ {
		grid, err := h.levelGrid(src, l)
		if err != nil {
			h.logger.Error("Failed to build level grid", zap.String("source_id", src.ID), zap.Int("level", l), zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		width, height := src.LevelDims(l)
		levels = append(levels, levelMeta{
			Level:    l,
			Width:    width,
			Height:   height,
			GridDims: grid.GridDims(),
			Cells:    grid.NumCells(),
		})
	}

	writeJSON(w, map[string]any{
		"id":               src.ID,
		"setup":            src.Setup,
		"width":            src.Width,
		"height":           src.Height,
		"bands":            src.Bands,
		"bytes_per_sample": 1,
		"cell_size":        h.catalog.CellSize(),
		"timepoints":       h.cache.KeySpace().NumTimepoints,
		"levels":           levels,
	})
}

// handleLevel picks the pyramid level to display at a zoom factor, where
// scale is screen pixels per full-resolution pixel.
func (h *Handlers) handleLevel(w http.ResponseWriter, r *http.Request, src dataset.Source) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	scale, err := parseFloat(query.Get("scale"), 1)
	if err != nil || scale <= 0 {
		http.Error(w, "Invalid scale", http.StatusBadRequest)
		return
	}
	screenScale, err := parseFloat(query.Get("screen_scale"), 1)
	if err != nil || screenScale <= 0 {
		http.Error(w, "Invalid screen scale", http.StatusBadRequest)
		return
	}
	timepoint, err := parseInt(query.Get("t"), 0)
	if err != nil {
		http.Error(w, "Invalid timepoint", http.StatusBadRequest)
		return
	}

	visible := viewer.AlwaysVisible
	if query.Get("visible") == "false" {
		visible = func(int, int) bool { return false }
	}

	level := viewer.BestMipmapLevel(
		viewer.Scale(scale, scale, scale),
		viewer.Scale(screenScale, screenScale, 1),
		viewer.NewPyramidSource(viewer.Identity(), src.Levels),
		src.Setup,
		timepoint,
		visible,
	)

	writeJSON(w, map[string]any{
		"level":  level,
		"levels": src.Levels,
	})
}

func (h *Handlers) handleCell(w http.ResponseWriter, r *http.Request, src dataset.Source, levelPart, indexPart string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	level, err := strconv.Atoi(levelPart)
	if err != nil || level < 0 || level >= src.Levels {
		http.Error(w, "Invalid level", http.StatusBadRequest)
		return
	}
	index, err := strconv.Atoi(indexPart)
	if err != nil || index < 0 {
		http.Error(w, "Invalid cell index", http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	timepoint, err := parseInt(query.Get("t"), 0)
	if err != nil {
		http.Error(w, "Invalid timepoint", http.StatusBadRequest)
		return
	}
	budget := h.config.IOBudget
	if v := query.Get("budget_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			http.Error(w, "Invalid budget", http.StatusBadRequest)
			return
		}
		budget = time.Duration(ms) * time.Millisecond
	}

	grid, err := h.levelGrid(src, level)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !grid.Contains(index) {
		http.Error(w, "Cell index out of range", http.StatusNotFound)
		return
	}
	dims, min := grid.CellBounds(index)

	stats, _ := h.sessions.Resolve(r.Header.Get("X-Session-Id"))
	if budget > 0 {
		sessionID := stats.ID()
		stats.SetDeadline(budget, func() {
			h.logger.Debug("I/O budget exhausted", zap.String("session_id", sessionID), zap.Duration("budget", budget))
		})
	} else {
		stats.ClearDeadline()
	}
	ctx := session.WithStats(r.Context(), stats)

	cell, outcome, err := h.cache.Accessor(timepoint, src.Setup, level).Fetch(ctx, index, dims, min)
	if err != nil {
		if errors.Is(err, cache.ErrKeyOutOfRange) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("Failed to load cell",
			zap.String("source_id", src.ID),
			zap.Int("level", level),
			zap.Int("index", index),
			zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(cell.Data)))
	w.Header().Set("X-Cell-Dims", joinInts(cell.Dims))
	w.Header().Set("X-Cell-Min", joinInt64s(cell.Min))
	w.Header().Set("X-Cell-Outcome", outcome.String())
	w.Header().Set("X-Session-Id", stats.ID())
	w.Header().Set("X-Session-Io-Bytes", strconv.FormatInt(stats.IoBytes(), 10))
	w.Header().Set("X-Session-Io-Ms", strconv.FormatInt(stats.IoTime().Milliseconds(), 10))
	if cell.Placeholder {
		w.Header().Set("Cache-Control", "no-store")
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Write(cell.Data)
}

func (h *Handlers) levelGrid(src dataset.Source, level int) (*volume.Grid, error) {
	width, height := src.LevelDims(level)
	cellSize := h.catalog.CellSize()
	return volume.NewGrid([]int64{int64(width), int64(height)}, []int{cellSize, cellSize})
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

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func parseInt(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

func parseFloat(s string, def float64) (float64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseFloat(s, 64)
}

func joinInts(vs []int) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func joinInt64s(vs []int64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return strings.Join(parts, ",")
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
