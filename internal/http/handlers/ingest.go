package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/saathi-ai-platform/internal/ingest"
	"github.com/wolfman30/saathi-ai-platform/internal/memory"
	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
)

// DocumentIngester stores a document synchronously.
type DocumentIngester interface {
	IngestDocument(ctx context.Context, doc ingest.Document) (int, error)
}

// JobEnqueuer hands a job to the ingest worker.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job ingest.Job) (string, error)
}

// JobReader returns the status of an async ingest job.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (*ingest.JobRecord, error)
}

type IngestHandler struct {
	ingester  DocumentIngester
	publisher JobEnqueuer
	jobs      JobReader
	logger    *logging.Logger
}

// NewIngestHandler accepts a nil publisher and job reader; the async routes
// then answer 503.
func NewIngestHandler(ingester DocumentIngester, publisher JobEnqueuer, jobs JobReader, logger *logging.Logger) *IngestHandler {
	if ingester == nil {
		panic("handlers: ingester cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &IngestHandler{ingester: ingester, publisher: publisher, jobs: jobs, logger: logger}
}

type ingestRequest struct {
	OwnerID         string `json:"owner_id,omitempty"`
	SourceURIOrText string `json:"source_uri_or_text"`
	Filename        string `json:"filename,omitempty"`
}

func (h *IngestHandler) document(w http.ResponseWriter, r *http.Request) (ingest.Document, bool) {
	var req ingestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return ingest.Document{}, false
	}
	owner, consent, err := resolveOwner(r, req.OwnerID, &consentBody{DataStorage: true})
	if err != nil {
		jsonError(w, err.Error(), ownerErrorStatus(err))
		return ingest.Document{}, false
	}
	if !consent.DataStorage {
		jsonError(w, "data storage consent required", http.StatusForbidden)
		return ingest.Document{}, false
	}
	if strings.TrimSpace(req.SourceURIOrText) == "" {
		jsonError(w, "source_uri_or_text is required", http.StatusBadRequest)
		return ingest.Document{}, false
	}
	return ingest.Document{OwnerID: owner, SourceURIOrText: req.SourceURIOrText, Filename: req.Filename}, true
}

// Ingest handles POST /v1/ingest.
func (h *IngestHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.document(w, r)
	if !ok {
		return
	}
	n, err := h.ingester.IngestDocument(r.Context(), doc)
	var backendErr *memory.RetrievalBackendError
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]any{"chunks_ingested": n})
	case ingest.IsIngestionError(err):
		jsonError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.As(err, &backendErr):
		h.logger.Warn("ingest backend unavailable", "error", err, "owner_id", doc.OwnerID)
		jsonError(w, "memory backend unavailable, retry later", http.StatusServiceUnavailable)
	default:
		h.logger.Error("ingest failed", "error", err, "owner_id", doc.OwnerID)
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

// Enqueue handles POST /v1/ingest/jobs.
func (h *IngestHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	if h.publisher == nil {
		jsonError(w, "async ingestion is not configured", http.StatusServiceUnavailable)
		return
	}
	doc, ok := h.document(w, r)
	if !ok {
		return
	}
	jobID, err := h.publisher.Enqueue(r.Context(), ingest.Job{
		Kind:        ingest.JobKindDocument,
		OwnerID:     doc.OwnerID,
		Document:    &doc,
		TrackStatus: h.jobs != nil,
	})
	if err != nil {
		h.logger.Error("enqueue ingest job failed", "error", err, "owner_id", doc.OwnerID)
		jsonError(w, "failed to enqueue job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": string(ingest.JobStatusPending)})
}

// JobStatus handles GET /v1/ingest/jobs/{jobID}. Jobs owned by someone else
// are reported as missing.
func (h *IngestHandler) JobStatus(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		jsonError(w, "job tracking is not configured", http.StatusServiceUnavailable)
		return
	}
	job, err := h.jobs.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	switch {
	case errors.Is(err, ingest.ErrJobNotFound):
		jsonError(w, "job not found", http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error("get ingest job failed", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	owner, _, err := resolveOwner(r, r.URL.Query().Get("owner_id"), nil)
	if err != nil || owner != job.OwnerID {
		jsonError(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
