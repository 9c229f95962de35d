package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ChuLiYu/tonebridge/internal/controller"
	"github.com/ChuLiYu/tonebridge/internal/jobmanager"
	"github.com/ChuLiYu/tonebridge/internal/statscache"
	"github.com/ChuLiYu/tonebridge/pkg/types"
)

const (
	maxUploadBytes   = 200 << 20
	multipartSlack   = 1 << 20 // multipart 邊界與標頭
	retryAfter       = "1"
)

// JobService is the orchestrator surface served over REST (*controller.Controller).
type JobService interface {
	Submit(ctx context.Context, req jobmanager.SubmitRequest) (*types.Job, error)
	Get(ctx context.Context, id types.JobID) (*types.Job, error)
	List(ctx context.Context, req controller.ListRequest) (*controller.ListResult, error)
	Stats(ctx context.Context, f types.StatsFilter) (statscache.Counts, error)
	Retry(ctx context.Context, id types.JobID) (*types.Job, error)
	Cancel(ctx context.Context, id types.JobID) (*types.Job, error)
}

// Blobs is the artifact store the upload and result endpoints read and write.
type Blobs interface {
	Put(key string, r io.Reader) (string, error)
	Open(key string) (*os.File, error)
	Exists(key string) bool
}

type Server struct {
	Jobs           JobService
	Blobs          Blobs
	BaseURL        string // optional, for absolute download URLs
	Logger         *slog.Logger
	MaxUploadBytes int64 // 0 means 200 MiB
}

// errUploadTooLarge maps to 413.
var errUploadTooLarge = errors.New("upload too large")

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger()))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Post("/uploads", s.handleUpload)
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/stats", s.handleStats)
		r.Get("/{id}", s.handleGet)
		r.Get("/{id}/result", s.handleResult)
		r.Post("/{id}/retry", s.handleRetry)
		r.Post("/{id}/cancel", s.handleCancel)
	})
	return r
}

type submitBody struct {
	Mode   string                 `json:"mode"`
	RefKey string                 `json:"ref_key"`
	TgtKey string                 `json:"tgt_key"`
	UserID string                 `json:"user_id"`
	Params map[string]interface{} `json:"params,omitempty"`
}

type jobView struct {
	*types.Job
	DownloadURL *string `json:"download_url"`
}

type listView struct {
	Items      []jobView `json:"items"`
	NextCursor *string   `json:"next_cursor"`
}

func (s Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&body); err != nil {
		writeErr(w, fmt.Errorf("%w: invalid JSON body: %v", types.ErrInvalidArgument, err))
		return
	}
	job, err := s.Jobs.Submit(r.Context(), jobmanager.SubmitRequest{
		UserID: body.UserID,
		Mode:   body.Mode,
		RefKey: body.RefKey,
		TgtKey: body.TgtKey,
		Params: body.Params,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.view(job))
}

func (s Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.Get(r.Context(), types.JobID(chi.URLParam(r, "id")))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(job))
}

func (s Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := controller.ListRequest{
		Limit:  controller.DefaultListLimit,
		Cursor: q.Get("cursor"),
		Filter: types.ListFilter{UserID: q.Get("user_id")},
	}

	var err error
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		if req.Filter.Status, err = types.ParseStatus(raw); err != nil {
			writeErr(w, err)
			return
		}
	}
	if req.SortBy, err = types.ParseSortField(q.Get("sort_by")); err != nil {
		writeErr(w, err)
		return
	}
	if req.Order, err = types.ParseSortOrder(q.Get("order")); err != nil {
		writeErr(w, err)
		return
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		if req.Limit, err = strconv.Atoi(raw); err != nil {
			writeErr(w, fmt.Errorf("%w: invalid limit %q", types.ErrInvalidArgument, raw))
			return
		}
	}
	for name, dst := range map[string]**time.Time{
		"created_after":  &req.Filter.CreatedAfter,
		"created_before": &req.Filter.CreatedBefore,
		"updated_after":  &req.Filter.UpdatedAfter,
		"updated_before": &req.Filter.UpdatedBefore,
	} {
		if *dst, err = types.ParseTimestamp(name, q.Get(name)); err != nil {
			writeErr(w, err)
			return
		}
	}

	res, err := s.Jobs.List(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := listView{Items: make([]jobView, 0, len(res.Items))}
	for _, job := range res.Items {
		out.Items = append(out.Items, s.view(job))
	}
	if res.NextCursor != "" {
		out.NextCursor = &res.NextCursor
	}
	writeJSON(w, http.StatusOK, out)
}

func (s Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := types.StatsFilter{UserID: q.Get("user_id")}
	var err error
	if f.CreatedAfter, err = types.ParseTimestamp("created_after", q.Get("created_after")); err != nil {
		writeErr(w, err)
		return
	}
	if f.CreatedBefore, err = types.ParseTimestamp("created_before", q.Get("created_before")); err != nil {
		writeErr(w, err)
		return
	}
	counts, err := s.Jobs.Stats(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.Retry(r.Context(), types.JobID(chi.URLParam(r, "id")))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(job))
}

func (s Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.Cancel(r.Context(), types.JobID(chi.URLParam(r, "id")))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(job))
}

func (s Server) handleResult(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.Get(r.Context(), types.JobID(chi.URLParam(r, "id")))
	if err != nil {
		writeErr(w, err)
		return
	}
	if job.ResultKey == nil || !s.Blobs.Exists(*job.ResultKey) {
		writeErr(w, fmt.Errorf("%w: result not ready", types.ErrNotFound))
		return
	}
	f, err := s.Blobs.Open(*job.ResultKey)
	if err != nil {
		writeErr(w, err)
		return
	}
	defer f.Close()

	contentType := mime.TypeByExtension(filepath.Ext(*job.ResultKey))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(*job.ResultKey)))
	http.ServeContent(w, r, filepath.Base(*job.ResultKey), job.UpdatedAt, f)
}

// handleUpload stores one audio file and returns the key to submit it under.
func (s Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.MaxUploadBytes
	if limit <= 0 {
		limit = maxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartSlack)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErr(w, fmt.Errorf("%w: limit is %d bytes", errUploadTooLarge, limit))
			return
		}
		writeErr(w, fmt.Errorf("%w: parse multipart: %v", types.ErrInvalidArgument, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, fmt.Errorf("%w: missing 'file' part: %v", types.ErrInvalidArgument, err))
		return
	}
	defer file.Close()
	if header.Size > limit {
		writeErr(w, fmt.Errorf("%w: %d bytes exceeds limit of %d", errUploadTooLarge, header.Size, limit))
		return
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext == "" {
		ext = ".wav"
	}
	key := "uploads/" + uuid.NewString() + ext
	if _, err := s.Blobs.Put(key, file); err != nil {
		writeErr(w, fmt.Errorf("store upload: %w", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"key": key})
}

func (s Server) view(job *types.Job) jobView {
	v := jobView{Job: job}
	if job.ResultKey != nil {
		u := strings.TrimRight(s.BaseURL, "/") + "/jobs/" + string(job.ID) + "/result"
		v.DownloadURL = &u
	}
	return v
}

func (s Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errUploadTooLarge):
		return http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"
	case errors.Is(err, types.ErrInvalidArgument):
		return http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, "JOB_NOT_FOUND"
	case errors.Is(err, types.ErrInvalidState):
		return http.StatusPreconditionFailed, "INVALID_STATE"
	case errors.Is(err, types.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	code, name := classify(err)
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfter)
	}
	var body errorBody
	body.Error.Code = name
	body.Error.Message = err.Error()
	if code == http.StatusInternalServerError {
		body.Error.Message = "internal error"
		slog.Default().Error("Request failed", "error", err)
	}
	writeJSON(w, code, body)
}
