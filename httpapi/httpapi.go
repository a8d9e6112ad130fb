// Package httpapi is the thin request/response façade over the core:
// manual job submission and status queries. It holds no pipeline logic —
// it translates HTTP into scheduler calls and back.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/hazyhaar/tablemill/job"
	"github.com/hazyhaar/tablemill/scheduler"
)

// maxUploadSize caps manual uploads; larger documents are rejected
// before they touch disk.
const maxUploadSize = 100 * 1024 * 1024

// Service serves the intake and query endpoints.
type Service struct {
	sched      *scheduler.Scheduler
	storageDir string
	logger     *slog.Logger
}

// New creates the API service. Uploaded documents land in storageDir.
func New(sched *scheduler.Scheduler, storageDir string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{sched: sched, storageDir: storageDir, logger: logger}
}

// Router builds the chi router.
func (s *Service) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleStatus)
	return r
}

// SubmitRequest is the JSON body for POST /jobs when submitting a
// document already on disk. Multipart uploads use the "document" field
// instead, with an optional "rule_id" form value.
type SubmitRequest struct {
	Path   string `json:"path"`
	RuleID int64  `json:"rule_id,omitempty"`
}

// SubmitResponse echoes the accepted job id.
type SubmitResponse struct {
	JobID string `json:"job_id"`
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.buildSubmission(w, r)
	if !ok {
		return
	}

	id, err := s.sched.Submit(r.Context(), sub)
	if errors.Is(err, scheduler.ErrQueueFull) {
		http.Error(w, "intake queue full, retry later", http.StatusTooManyRequests)
		return
	}
	if err != nil {
		s.logger.Error("httpapi: submit failed", "error", err)
		http.Error(w, "submit failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(SubmitResponse{JobID: id})
}

func (s *Service) buildSubmission(w http.ResponseWriter, r *http.Request) (scheduler.Submission, bool) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	// JSON path submission.
	if ct == "" || ct == "application/json" {
		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
			http.Error(w, "path required", http.StatusBadRequest)
			return scheduler.Submission{}, false
		}
		if _, err := os.Stat(req.Path); err != nil {
			http.Error(w, "document not found", http.StatusBadRequest)
			return scheduler.Submission{}, false
		}
		return scheduler.Submission{
			Origin:     job.OriginManual,
			SourcePath: req.Path,
			SourceName: filepath.Base(req.Path),
			RuleID:     req.RuleID,
		}, true
	}

	// Multipart upload.
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		http.Error(w, "invalid multipart body", http.StatusBadRequest)
		return scheduler.Submission{}, false
	}
	file, header, err := r.FormFile("document")
	if err != nil {
		http.Error(w, "document field required", http.StatusBadRequest)
		return scheduler.Submission{}, false
	}
	defer file.Close()

	var ruleID int64
	if v := r.FormValue("rule_id"); v != "" {
		ruleID, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid rule_id", http.StatusBadRequest)
			return scheduler.Submission{}, false
		}
	}

	path := filepath.Join(s.storageDir, uuid.NewString()+"_"+filepath.Base(header.Filename))
	dst, err := os.Create(path)
	if err != nil {
		s.logger.Error("httpapi: save upload failed", "error", err)
		http.Error(w, "could not store upload", http.StatusInternalServerError)
		return scheduler.Submission{}, false
	}
	defer dst.Close()
	if _, err := io.Copy(dst, io.LimitReader(file, maxUploadSize)); err != nil {
		os.Remove(path)
		http.Error(w, "could not store upload", http.StatusInternalServerError)
		return scheduler.Submission{}, false
	}

	return scheduler.Submission{
		Origin:     job.OriginManual,
		SourcePath: path,
		SourceName: header.Filename,
		RuleID:     ruleID,
	}, true
}

// StatusResponse is the job view returned by GET /jobs/{id}.
type StatusResponse struct {
	JobID      string    `json:"job_id"`
	State      job.State `json:"state"`
	Attempts   int       `json:"attempts"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	ErrorMsg   string    `json:"error,omitempty"`
	OutputPath string    `json:"output_path,omitempty"`
	Submitted  time.Time `json:"submitted_at"`
	Finished   time.Time `json:"finished_at,omitzero"`
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.sched.Status(r.Context(), id)
	if err != nil {
		s.logger.Error("httpapi: status lookup failed", "id", id, "error", err)
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if j == nil {
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(StatusResponse{
		JobID:      j.ID,
		State:      j.State,
		Attempts:   j.Attempts,
		ErrorKind:  string(j.ErrorKind),
		ErrorMsg:   j.ErrorMsg,
		OutputPath: j.OutputPath,
		Submitted:  j.SubmittedAt,
		Finished:   j.FinishedAt,
	})
}
