package core

import (
	"fmt"
	"strings"
	"time"
)

// DocumentType classifies the origin of a document.
type DocumentType string

const (
	DocTypeKnowledge    DocumentType = "rag_knowledge"
	DocTypeConversation DocumentType = "mem_conversation"
	DocTypeWorkLog      DocumentType = "work_log"
	DocTypeLifeRecord   DocumentType = "life_record"
)

// Valid reports whether t is one of the closed document types.
func (t DocumentType) Valid() bool {
	switch t {
	case DocTypeKnowledge, DocTypeConversation, DocTypeWorkLog, DocTypeLifeRecord:
		return true
	}
	return false
}

// DataLayer is the storage temperature of a document, derived from its age.
type DataLayer string

const (
	LayerHot  DataLayer = "hot"  // 0-7 days
	LayerWarm DataLayer = "warm" // 7-30 days
	LayerCold DataLayer = "cold" // 30+ days
)

// LayerForAge maps an age to its storage layer.
func LayerForAge(age time.Duration) DataLayer {
	days := age.Hours() / 24
	switch {
	case days < 7:
		return LayerHot
	case days < 30:
		return LayerWarm
	default:
		return LayerCold
	}
}

// RetentionType governs whether and how long a memory persists.
type RetentionType string

const (
	RetentionPermanent  RetentionType = "permanent"
	RetentionTemporary  RetentionType = "temporary"
	RetentionCasualChat RetentionType = "casual_chat"
)

func (r RetentionType) Valid() bool {
	switch r {
	case RetentionPermanent, RetentionTemporary, RetentionCasualChat:
		return true
	}
	return false
}

// RetrievalStrategy selects a pipeline in Retrieve.
type RetrievalStrategy string

const (
	StrategyVectorOnly RetrievalStrategy = "vector_only"
	StrategyGraphOnly  RetrievalStrategy = "graph_only"
	StrategyHybrid     RetrievalStrategy = "hybrid"
	StrategyAdaptive   RetrievalStrategy = "adaptive"
)

// LevelTag identifies which inference level produced a result.
type LevelTag string

const (
	LevelRule      LevelTag = "rule"
	LevelFastModel LevelTag = "fast_model"
	LevelLLM       LevelTag = "llm"
)

// ResultSource identifies which retrieval path produced a candidate.
type ResultSource string

const (
	SourceVector ResultSource = "vector"
	SourceGraph  ResultSource = "graph"
	SourceHybrid ResultSource = "hybrid"
)

// Document is the unit of storage. Immutable after creation except for
// importance, access stats, and re-embedding.
type Document struct {
	ID             string         `json:"id"`
	Content        string         `json:"content"`
	DocType        DocumentType   `json:"doc_type"`
	Source         string         `json:"source,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Embedding      []float32      `json:"embedding,omitempty"`
	Entities       []string       `json:"entities,omitempty"`
	Importance     float64        `json:"importance"`
	Retention      RetentionType  `json:"retention_type"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	AccessCount    int64          `json:"access_count"`
	LastAccess     time.Time      `json:"last_access,omitempty"`
	StoredInVector bool           `json:"stored_in_vector"`
	StoredInGraph  bool           `json:"stored_in_graph"`
	Layer          DataLayer      `json:"layer,omitempty"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
}

// Validate checks the fields a write must satisfy.
func (d *Document) Validate() error {
	if strings.TrimSpace(d.Content) == "" {
		return fmt.Errorf("%w: empty content", ErrValidation)
	}
	if d.Importance < 0 || d.Importance > 1 {
		return fmt.Errorf("%w: importance %v outside [0,1]", ErrValidation, d.Importance)
	}
	if d.DocType != "" && !d.DocType.Valid() {
		return fmt.Errorf("%w: unknown doc_type %q", ErrValidation, d.DocType)
	}
	if d.Retention != "" && !d.Retention.Valid() {
		return fmt.Errorf("%w: unknown retention_type %q", ErrValidation, d.Retention)
	}
	return nil
}

// Filter restricts retrieval to documents matching all set fields.
// After and Before are inclusive bounds on Timestamp.
type Filter struct {
	DocType  DocumentType
	After    time.Time
	Before   time.Time
	MinScore float64
}

// Matches reports whether doc passes the doc_type and time bounds.
// MinScore is a post-stage prune and is not evaluated here.
func (f *Filter) Matches(doc *Document) bool {
	if f == nil {
		return true
	}
	if f.DocType != "" && doc.DocType != f.DocType {
		return false
	}
	if !f.After.IsZero() && doc.Timestamp.Before(f.After) {
		return false
	}
	if !f.Before.IsZero() && doc.Timestamp.After(f.Before) {
		return false
	}
	return true
}

// Result is a scored retrieval candidate.
type Result struct {
	DocID           string         `json:"doc_id"`
	Content         string         `json:"content,omitempty"`
	Score           float64        `json:"score"`
	Source          ResultSource   `json:"source"`
	MatchedEntities []string       `json:"matched_entities,omitempty"`
	HopDistance     int            `json:"hop_distance,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}
