package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// ArchiveHandler lists and serves archived event batches.
type ArchiveHandler struct {
	blobs  domain.BlobReader
	prefix string
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler. Paths outside prefix are
// refused.
func NewArchiveHandler(blobs domain.BlobReader, prefix string, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{blobs: blobs, prefix: strings.TrimSuffix(prefix, "/"), logger: logHandler(logger, "archive")}
}

type blobResponse struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// List returns the archive objects under the optional sub-prefix.
// GET /api/archive?prefix=2026/10/18
func (h *ArchiveHandler) List(w http.ResponseWriter, r *http.Request) {
	prefix := h.prefix + "/"
	if sub := strings.Trim(r.URL.Query().Get("prefix"), "/"); sub != "" {
		prefix += sub
	}

	infos, err := h.blobs.List(r.Context(), prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list archive failed",
			slog.String("prefix", prefix),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list archive")
		return
	}
	out := make([]blobResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, blobResponse{Path: info.Path, Size: info.Size, LastModified: info.LastModified})
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": out})
}

// Get streams one archive object as JSON lines.
// GET /api/archive/object?path=archive/events/2026/10/18/...
func (h *ArchiveHandler) Get(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if !strings.HasPrefix(path, h.prefix+"/") || strings.Contains(path, "..") {
		writeError(w, http.StatusBadRequest, "path must be inside "+h.prefix)
		return
	}

	rc, err := h.blobs.Get(r.Context(), path)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "object not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get archive object failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read archive object")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.WarnContext(r.Context(), "archive stream interrupted", slog.String("error", err.Error()))
	}
}
