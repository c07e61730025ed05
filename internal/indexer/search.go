package indexer

import (
	"fmt"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/ChamsBouzaiene/agentsessions/internal/session"
)

// maxIndexedText caps how much transcript text one session contributes to the index.
const maxIndexedText = 4 << 20

// SearchHit is one matching session.
type SearchHit struct {
	SessionID string
	Source    session.Source
	Score     float64
}

// TranscriptIndex is a full-text index over hydrated transcripts.
// Hydration is process-local, so the index lives in memory only.
type TranscriptIndex struct {
	index bleve.Index
}

// NewTranscriptIndex creates an empty in-memory index.
func NewTranscriptIndex() (*TranscriptIndex, error) {
	idx, err := bleve.NewMemOnly(buildTranscriptMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript index: %w", err)
	}
	return &TranscriptIndex{index: idx}, nil
}

func buildTranscriptMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()

	doc := bleve.NewDocumentMapping()

	idField := bleve.NewTextFieldMapping()
	idField.Analyzer = keyword.Name
	idField.Store = true
	idField.Index = true
	doc.AddFieldMappingsAt("session_id", idField)

	sourceField := bleve.NewTextFieldMapping()
	sourceField.Analyzer = keyword.Name
	sourceField.Store = true
	sourceField.Index = true
	doc.AddFieldMappingsAt("source", sourceField)

	titleField := bleve.NewTextFieldMapping()
	titleField.Analyzer = standard.Name
	titleField.Store = false
	titleField.Index = true
	doc.AddFieldMappingsAt("title", titleField)

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name
	textField.Store = false
	textField.Index = true
	doc.AddFieldMappingsAt("text", textField)

	indexMapping.DefaultMapping = doc
	indexMapping.DefaultAnalyzer = standard.Name
	return indexMapping
}

// IndexSession adds or replaces the transcript of a hydrated session.
// Lightweight sessions are removed instead, so they never match.
func (ti *TranscriptIndex) IndexSession(s session.Session) error {
	if !s.IsHydrated() {
		return ti.Remove(s.ID)
	}
	doc := map[string]interface{}{
		"session_id": s.ID,
		"source":     string(s.Source),
		"title":      s.Title,
		"text":       transcriptText(s.Events),
	}
	if err := ti.index.Index(s.ID, doc); err != nil {
		return fmt.Errorf("failed to index session %s: %w", s.ID, err)
	}
	return nil
}

// Remove drops sessions from the index. Unknown ids are ignored.
func (ti *TranscriptIndex) Remove(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	batch := ti.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	return ti.index.Batch(batch)
}

// Search returns hydrated sessions matching query, best first.
func (ti *TranscriptIndex) Search(query string, sources []session.Source, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 50
	}

	textQuery := bleve.NewMatchQuery(query)
	textQuery.SetField("text")
	titleQuery := bleve.NewMatchQuery(query)
	titleQuery.SetField("title")
	titleQuery.SetBoost(2)
	combined := bleve.NewConjunctionQuery(bleve.NewDisjunctionQuery(textQuery, titleQuery))

	if len(sources) > 0 {
		sourceFilter := bleve.NewDisjunctionQuery()
		for _, src := range sources {
			q := bleve.NewTermQuery(string(src))
			q.SetField("source")
			sourceFilter.AddQuery(q)
		}
		combined.AddQuery(sourceFilter)
	}

	req := bleve.NewSearchRequest(combined)
	req.Size = limit
	req.Fields = []string{"source"}

	res, err := ti.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("transcript search failed: %w", err)
	}

	hits := make([]SearchHit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		h := SearchHit{SessionID: hit.ID, Score: hit.Score}
		if src, ok := hit.Fields["source"].(string); ok {
			h.Source = session.Source(src)
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// Count returns the number of indexed sessions.
func (ti *TranscriptIndex) Count() uint64 {
	n, err := ti.index.DocCount()
	if err != nil {
		return 0
	}
	return n
}

// Close releases the index.
func (ti *TranscriptIndex) Close() error {
	return ti.index.Close()
}

func transcriptText(events []session.Event) string {
	var b strings.Builder
	for _, ev := range events {
		if b.Len() >= maxIndexedText {
			break
		}
		if ev.Text != "" {
			b.WriteString(ev.Text)
			b.WriteByte('\n')
		}
		for _, tool := range ev.Tools {
			b.WriteString(tool)
			b.WriteByte('\n')
		}
	}
	return b.String()
}
