package rag

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"

	"school-chatbot/internal/config"
)

// Service owns the current index and the chain reading from it. Queries use
// whichever index is current when they start; Refresh swaps in a fully built
// replacement.
type Service struct {
	cfg      config.RAGConfig
	embedder embeddings.Embedder
	index    atomic.Pointer[Index]
	chain    *Chain

	refreshMu sync.Mutex
}

func NewService(cfg *config.Config, llm llms.Model, embedder embeddings.Embedder, index *Index) *Service {
	s := &Service{cfg: cfg.RAG, embedder: embedder}
	s.index.Store(index)
	s.chain = NewChain(llm, NewRetriever(s.Index, cfg.RAG.TopK), &cfg.LLM, &cfg.School)
	return s
}

// Index is the index currently serving queries.
func (s *Service) Index() *Index { return s.index.Load() }

// BuiltAt is when the current index was built or loaded.
func (s *Service) BuiltAt() time.Time {
	if idx := s.Index(); idx != nil {
		return idx.BuiltAt()
	}
	return time.Time{}
}

// Len is the number of chunks in the current index.
func (s *Service) Len() int {
	if idx := s.Index(); idx != nil {
		return idx.Len()
	}
	return 0
}

func (s *Service) Answer(ctx context.Context, question string) (*Answer, error) {
	return s.chain.Answer(ctx, question)
}

func (s *Service) Ask(ctx context.Context, question string) string {
	return s.chain.Ask(ctx, question)
}

func (s *Service) Apology(err error) string {
	return s.chain.Apology(err)
}

// Refresh rebuilds the index from the document folder. The old index keeps
// serving until the new one is complete and stays in place if the rebuild
// fails. Concurrent calls run one after another.
func (s *Service) Refresh(ctx context.Context) (int, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	idx, err := BuildIndex(ctx, &s.cfg, s.embedder)
	if err != nil {
		log.Error().Err(err).Msg("Index refresh failed, keeping current index")
		return 0, err
	}
	s.index.Store(idx)
	log.Info().Int("chunks", idx.Len()).Msg("Index refreshed")
	return idx.Len(), nil
}
