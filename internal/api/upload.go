package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/skuflow/skuflow/internal/jobstate"
	"github.com/skuflow/skuflow/internal/queue"
)

// handleUploadSubmit accepts a CSV file, stages it, registers an upload job,
// and enqueues the import. The job identifier is returned immediately; the
// client observes progress through the poll or stream endpoints.
func (s *Server) handleUploadSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+1024)

	mr, err := r.MultipartReader()
	if err != nil {
		respondError(w, http.StatusBadRequest, "expecting multipart form")
		return
	}
	part, err := nextFilePart(mr)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer part.Close()

	filename := part.FileName()
	if filename == "" {
		respondError(w, http.StatusBadRequest, "no file provided")
		return
	}
	if !strings.EqualFold(filepath.Ext(filename), ".csv") {
		respondError(w, http.StatusBadRequest, "file must be a CSV file")
		return
	}

	tmp, err := s.persistTemp(part)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer os.Remove(tmp.path)
	defer tmp.f.Close()
	if !csvContentType(tmp.contentType) {
		respondError(w, http.StatusBadRequest, "file must be a CSV file")
		return
	}

	job, err := s.jobs.Create(ctx)
	if err != nil {
		s.log.Error("create upload job failed", slog.String("err", err.Error()))
		respondError(w, http.StatusInternalServerError, "failed to create upload job")
		return
	}

	objectKey := fmt.Sprintf("uploads/%s/%s", job.ID, filepath.Base(filename))
	if err := s.objects.Put(ctx, objectKey, tmp.f, tmp.size); err != nil {
		s.log.Error("stage upload failed", slog.String("err", err.Error()))
		respondError(w, http.StatusInternalServerError, "failed to store file")
		return
	}

	payload := queue.ImportPayload{
		JobID:     job.ID,
		ObjectKey: objectKey,
		FileName:  filename,
	}
	if err := s.queue.EnqueueImport(ctx, payload); err != nil {
		s.log.Error("enqueue import failed", slog.String("err", err.Error()))
		respondError(w, http.StatusInternalServerError, "failed to queue import")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"job_id":   job.ID,
		"filename": filename,
		"status":   string(job.Status),
	})
}

// handleUploadProgress returns a point-in-time snapshot of the job state; the
// pull fallback for clients that cannot hold a stream open.
func (s *Server) handleUploadProgress(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, jobstate.ErrNotFound) {
			respondError(w, http.StatusNotFound, "upload job not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to load upload job")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// handleUploadEvents streams job state over SSE: the current snapshot first,
// then one frame per update, then a {"status":"done"} sentinel once the job
// is terminal, after which the stream closes.
func (s *Server) handleUploadEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	updates, err := s.jobs.Subscribe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, jobstate.ErrNotFound) {
			respondError(w, http.StatusNotFound, "upload job not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for job := range updates {
		frame, err := json.Marshal(job)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", frame)
		flusher.Flush()
	}
	// The channel closes after a terminal snapshot (or client disconnect);
	// the sentinel tells well-behaved clients to stop reconnecting.
	fmt.Fprint(w, "data: {\"status\":\"done\"}\n\n")
	flusher.Flush()
}

type tempUpload struct {
	f           *os.File
	path        string
	size        int64
	contentType string
}

// persistTemp streams the multipart part to a temp file, enforcing the size
// bound and sniffing the content type, without buffering the file in memory.
func (s *Server) persistTemp(part *multipart.Part) (*tempUpload, error) {
	tmpFile, err := os.CreateTemp("", "skuflow-*.csv")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	discard := func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}

	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.cfg.MaxUploadBytes {
				discard()
				return nil, fmt.Errorf("file exceeds limit (%d bytes)", s.cfg.MaxUploadBytes)
			}
			if len(sniff) < 512 {
				chunk := n
				if remain := 512 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				discard()
				return nil, fmt.Errorf("write temp file: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			discard()
			return nil, fmt.Errorf("read file: %w", readErr)
		}
	}
	if written == 0 {
		discard()
		return nil, errors.New("empty file")
	}
	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		discard()
		return nil, fmt.Errorf("rewind temp file: %w", err)
	}
	return &tempUpload{
		f:           tmpFile,
		path:        tmpFile.Name(),
		size:        written,
		contentType: http.DetectContentType(sniff),
	}, nil
}

// csvContentType accepts what CSVs actually sniff as; DetectContentType has
// no CSV signature so text/plain is the common case.
func csvContentType(ct string) bool {
	return strings.HasPrefix(ct, "text/") || strings.Contains(ct, "csv")
}

func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("no file provided")
			}
			return nil, err
		}
		if part.FormName() == "file" {
			return part, nil
		}
		part.Close()
	}
}
