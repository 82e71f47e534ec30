package ingest

import (
	"context"
	"errors"
	"strings"

	"github.com/wolfman30/saathi-ai-platform/internal/memory"
	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
)

// MemoryWriter stores owner text as memory chunks.
type MemoryWriter interface {
	Ingest(ctx context.Context, ownerID, text string, source memory.Source) ([]memory.Chunk, error)
}

// Service ingests documents and conversation text.
type Service struct {
	extractor *Extractor
	memory    MemoryWriter
	logger    *logging.Logger
}

func NewService(extractor *Extractor, mem MemoryWriter, logger *logging.Logger) *Service {
	if mem == nil {
		panic("ingest: memory writer cannot be nil")
	}
	if extractor == nil {
		extractor = NewExtractor(nil, 0)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{extractor: extractor, memory: mem, logger: logger}
}

// IngestDocument extracts and stores a document. Extraction problems return
// *IngestionError; an unreachable embedding backend returns
// *memory.RetrievalBackendError so callers can retry. Other storage errors
// pass through unchanged.
func (s *Service) IngestDocument(ctx context.Context, doc Document) (int, error) {
	if strings.TrimSpace(doc.OwnerID) == "" {
		return 0, &IngestionError{Source: doc.Filename, Reason: "owner id required"}
	}
	text, err := s.extractor.Extract(ctx, doc)
	if err != nil {
		return 0, err
	}
	return s.store(ctx, doc.OwnerID, doc.Filename, text, memory.SourceDocument)
}

// IngestTurn stores a finished conversation exchange.
func (s *Service) IngestTurn(ctx context.Context, ownerID, text string) (int, error) {
	return s.store(ctx, ownerID, "conversation", text, memory.SourceConversation)
}

func (s *Service) store(ctx context.Context, ownerID, label, text string, source memory.Source) (int, error) {
	chunks, err := s.memory.Ingest(ctx, ownerID, text, source)
	if err != nil {
		switch {
		case errors.Is(err, memory.ErrEmptyDocument):
			return 0, &IngestionError{Source: label, Reason: "no extractable text", Err: err}
		case errors.Is(err, memory.ErrOwnerPurged):
			return 0, &IngestionError{Source: label, Reason: "owner data was erased", Err: err}
		case errors.Is(err, memory.ErrOwnerRequired), errors.Is(err, memory.ErrDimensionMismatch):
			return 0, &IngestionError{Source: label, Reason: "rejected by memory store", Err: err}
		default:
			return 0, err
		}
	}
	s.logger.Info("memory ingested", "owner_id", ownerID, "source", source, "chunks", len(chunks))
	return len(chunks), nil
}
