// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/landrop/landrop/internal/config"
	"github.com/landrop/landrop/internal/discovery"
	"github.com/landrop/landrop/internal/events"
	"github.com/landrop/landrop/internal/fileserve"
	"github.com/landrop/landrop/internal/logging"
	"github.com/landrop/landrop/internal/metrics"
	"github.com/landrop/landrop/internal/netutil"
	"github.com/landrop/landrop/webui"
)

// Package-level compiled regex for Range header parsing.
var rangeRegex = regexp.MustCompile(`bytes=(\d*)-(\d*)`)

// PeerSource yields the currently known peers. Nil when discovery is off.
type PeerSource interface {
	Peers() []discovery.Peer
}

// Server is the HTTP server.
type Server struct {
	store         *fileserve.Store
	broadcaster   *events.Broadcaster
	peers         PeerSource
	device        netutil.DeviceInfo
	maxUploadSize int64
	rateLimit     int
}

// NewServer creates a new server.
func NewServer(
	store *fileserve.Store,
	broadcaster *events.Broadcaster,
	peers PeerSource,
	device netutil.DeviceInfo,
	maxUploadSize int64,
	rateLimit int,
) *Server {
	return &Server{
		store:         store,
		broadcaster:   broadcaster,
		peers:         peers,
		device:        device,
		maxUploadSize: maxUploadSize,
		rateLimit:     rateLimit,
	}
}

// Handler returns the HTTP handler with logging, metrics and rate limit
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/device", s.handleDevice)
	mux.HandleFunc("GET /api/peers", s.handlePeers)

	mux.HandleFunc("GET /api/files", s.handleListFiles)
	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("GET /api/download/{path...}", s.handleDownload)

	mux.HandleFunc("GET /api/events", s.handleEvents)

	mux.Handle("GET /metrics", metrics.Handler())

	// Web app
	appFS, _ := fs.Sub(webui.Assets, ".")
	mux.Handle("/app/", http.StripPrefix("/app/", http.FileServer(http.FS(appFS))))
	mux.HandleFunc("GET /app", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/app/", http.StatusMovedPermanently)
	})

	// Redirect root to /app/
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/app/", http.StatusMovedPermanently)
	})

	return metrics.Middleware(logging.Middleware(s.rateLimited(mux)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "healthy",
		"service":   "landrop",
		"version":   config.Version,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.device)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := []discovery.Peer{}
	if s.peers != nil {
		peers = s.peers.Peers()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"peers": peers,
		"count": len(peers),
	})
}

// ─── Files ──────────────────────────────────────────────────────────────────

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	subdir := r.URL.Query().Get("subdir")
	entries, err := s.store.List(subdir)
	if err != nil {
		s.sendStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"files": entries,
		"count": len(entries),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	pathParam := r.PathValue("path")
	if pathParam == "" {
		s.sendError(w, http.StatusBadRequest, "file path required")
		return
	}

	f, entry, err := s.store.OpenForRead(pathParam)
	if err != nil {
		metrics.RecordDownload(0, false)
		s.sendStoreError(w, err)
		return
	}
	defer f.Close()

	offset, length, hasRange := parseRangeHeader(r.Header.Get("Range"), entry.Size)
	if hasRange && (offset < 0 || length <= 0 || offset >= entry.Size) {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", entry.Size))
		s.sendError(w, http.StatusRequestedRangeNotSatisfiable, "range not satisfiable")
		return
	}

	ct := entry.Mime
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": path.Base(pathParam)}))
	w.Header().Set("Accept-Ranges", "bytes")

	if hasRange {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			metrics.RecordDownload(0, false)
			s.sendError(w, http.StatusInternalServerError, "seek failed")
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, entry.Size))
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(entry.Size, 10))
		w.WriteHeader(http.StatusOK)
	}

	n, err := io.CopyN(w, f, length)
	if err != nil && !errors.Is(err, io.EOF) {
		logging.Warn("download transfer error", zap.String("path", pathParam), zap.Error(err))
	}
	metrics.RecordDownload(n, err == nil || errors.Is(err, io.EOF))
}

// ─── Upload ─────────────────────────────────────────────────────────────────

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	policy := fileserve.CollisionRename
	if p := r.URL.Query().Get("policy"); p != "" {
		var err error
		policy, err = fileserve.ParseCollisionPolicy(p)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	subdir := r.URL.Query().Get("subdir")

	// The limit is per request, not per file: N parts share one budget.
	if r.ContentLength > s.maxUploadSize {
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file too large: max %d bytes", s.maxUploadSize))
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "multipart form required")
		return
	}

	remaining := s.maxUploadSize
	var stored []fileserve.FileEntry
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			metrics.RecordUpload(0, false)
			s.sendError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}
		name := part.FileName()
		if name == "" {
			part.Close()
			continue
		}

		rel := path.Base(name)
		if subdir != "" {
			rel = path.Join(subdir, rel)
		}

		handle, err := s.store.CreateForWrite(rel, policy)
		if err != nil {
			part.Close()
			metrics.RecordUpload(0, false)
			s.sendStoreError(w, err)
			return
		}

		n, err := fileserve.CopyLimit(handle, part, remaining)
		part.Close()
		if err != nil {
			s.store.Abort(handle)
			metrics.RecordUpload(n, false)
			s.sendStoreError(w, err)
			return
		}
		remaining -= n

		entry, err := s.store.Finalize(handle)
		if err != nil {
			metrics.RecordUpload(n, false)
			s.sendStoreError(w, err)
			return
		}
		metrics.RecordUpload(n, true)
		stored = append(stored, entry)
	}

	if len(stored) == 0 {
		s.sendError(w, http.StatusBadRequest, "no files in request")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"files": stored,
		"count": len(stored),
	})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────
//
// File events are not published here: the directory watcher is the single
// source, so an upload surfaces exactly once, via its atomic rename into
// the shared directory.

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func parseRangeHeader(rangeHeader string, totalSize int64) (offset, length int64, hasRange bool) {
	if rangeHeader == "" {
		return 0, totalSize, false
	}

	matches := rangeRegex.FindStringSubmatch(rangeHeader)
	if matches == nil {
		return 0, totalSize, false
	}

	startStr, endStr := matches[1], matches[2]

	if startStr == "" && endStr != "" {
		suffix, _ := strconv.ParseInt(endStr, 10, 64)
		offset = totalSize - suffix
		if offset < 0 {
			offset = 0
		}
		length = totalSize - offset
		return offset, length, true
	}

	if startStr != "" {
		offset, _ = strconv.ParseInt(startStr, 10, 64)
	}

	if endStr != "" {
		end, _ := strconv.ParseInt(endStr, 10, 64)
		length = end - offset + 1
	} else {
		length = totalSize - offset
	}

	if offset+length > totalSize {
		length = totalSize - offset
	}

	// An inverted or past-EOF range surfaces here as a non-positive
	// length; the handler answers it with 416 rather than a broken 206.
	return offset, length, true
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorResponse{
		Error: message,
		Code:  code,
	})
}

// sendStoreError maps storage errors onto HTTP status codes.
func (s *Server) sendStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fileserve.ErrTraversal):
		s.sendError(w, http.StatusBadRequest, "invalid path")
	case errors.Is(err, fileserve.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "file not found")
	case errors.Is(err, fileserve.ErrExists):
		s.sendError(w, http.StatusConflict, "file already exists")
	case errors.Is(err, fileserve.ErrTooLarge):
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file too large: max %d bytes", s.maxUploadSize))
	default:
		logging.Error("request failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal error")
	}
}
