package retrieval

import (
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/loom-ai/loom/internal/knowledge"
)

// MaxResults caps how many scored documents a retrieval returns.
const MaxResults = 5

// QueryContext holds everything a caller knows about the generation request.
// Its parts are concatenated into a single query string for scoring.
type QueryContext struct {
	Prompt           string
	ThingDescription map[string]any
	CapabilityData   map[string]any
	Tags             []string
}

// queryString flattens the context into the text that gets tokenized.
func (q QueryContext) queryString() string {
	parts := []string{q.Prompt}
	if q.ThingDescription != nil {
		if encoded, err := json.Marshal(q.ThingDescription); err == nil {
			parts = append(parts, string(encoded))
		}
	}
	if q.CapabilityData != nil {
		if encoded, err := json.Marshal(q.CapabilityData); err == nil {
			parts = append(parts, string(encoded))
		}
	}
	parts = append(parts, q.Tags...)
	return strings.Join(parts, " ")
}

// ScoredDocument pairs a corpus document with its cosine similarity score.
type ScoredDocument struct {
	Document knowledge.Document
	Score    float64
}

// Engine performs lexical term-frequency retrieval over a document corpus.
// The same engine grounds both UI generation and device selection; callers
// differ only in the query context they pass.
type Engine struct{}

// NewEngine constructs a retrieval engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Retrieve scores every document against the query context and returns up to
// MaxResults documents in non-increasing score order. Documents with zero
// term overlap are excluded; ties keep corpus order.
func (e *Engine) Retrieve(documents []knowledge.Document, query QueryContext) []ScoredDocument {
	queryVector := termFrequency(Tokenize(query.queryString()))
	if len(queryVector) == 0 {
		return nil
	}

	var scored []ScoredDocument
	for _, doc := range documents {
		docVector := termFrequency(Tokenize(doc.Content))
		score := cosine(queryVector, docVector)
		if score <= 0 {
			continue
		}
		scored = append(scored, ScoredDocument{Document: doc, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if len(scored) > MaxResults {
		scored = scored[:MaxResults]
	}
	return scored
}

// Tokenize lowercases the input and splits it on every non-alphanumeric
// character, dropping empty tokens.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

func termFrequency(tokens []string) map[string]float64 {
	if len(tokens) == 0 {
		return nil
	}
	vector := make(map[string]float64, len(tokens))
	for _, token := range tokens {
		vector[token]++
	}
	return vector
}

// cosine computes cosine similarity between two term-frequency vectors.
// Returns 0 for empty vectors or vectors with no shared terms.
func cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for term, weight := range a {
		normA += weight * weight
		if other, ok := b[term]; ok {
			dot += weight * other
		}
	}
	for _, weight := range b {
		normB += weight * weight
	}

	if dot == 0 || normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
