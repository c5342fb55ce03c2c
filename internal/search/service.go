package search

import (
	"context"
	"log"
	"sync"

	"trackx/sync/internal/store"
)

// Service tries the index first and falls back to the repository searcher.
type Service struct {
	index    Index
	fallback Searcher
	logger   *log.Logger
	wg       sync.WaitGroup
}

// NewService creates a search service. index may be nil when Meilisearch is
// not configured.
func NewService(index Index, fallback Searcher, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{index: index, fallback: fallback, logger: logger}
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.indexReady() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: s.index.Name()}
		}
		s.logger.Printf("search: %s error, falling back to %s: %v", s.index.Name(), s.fallback.Name(), err)
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Printf("search: %s error: %v", s.fallback.Name(), err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Backend: s.fallback.Name()}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: s.fallback.Name()}
}

// IndexCase pushes c to the index in the background.
func (s *Service) IndexCase(c store.CaseRecord) {
	if !s.indexReady() {
		return
	}
	doc := DocumentFromCase(c)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.index.IndexCases(context.Background(), []CaseDocument{doc}); err != nil {
			s.logger.Printf("search: index case %s: %v", doc.ID, err)
		}
	}()
}

// DeleteCase removes a case from the index in the background.
func (s *Service) DeleteCase(caseID string) {
	if !s.indexReady() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.index.DeleteCase(context.Background(), caseID); err != nil {
			s.logger.Printf("search: delete case %s: %v", caseID, err)
		}
	}()
}

// Reindex loads every case and pushes it to the index.
func (s *Service) Reindex(ctx context.Context, lister CaseLister) (int, error) {
	if !s.indexReady() {
		return 0, nil
	}
	cases, err := lister.ListAllCases(ctx)
	if err != nil {
		return 0, err
	}
	docs := make([]CaseDocument, 0, len(cases))
	for _, c := range cases {
		docs = append(docs, DocumentFromCase(c))
	}
	if err := s.index.IndexCases(ctx, docs); err != nil {
		return 0, err
	}
	return len(docs), nil
}

// Wait blocks until background index writes have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
