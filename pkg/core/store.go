package core

import "context"

// SearchRequest carries the inputs a store understands how to search by.
// The vector store reads Vector; the catalog reads Text and Filter.
type SearchRequest struct {
	Vector []float32
	Text   string
	Filter *Filter
	TopK   int
}

// Hit is a store-level search match before pipeline scoring.
type Hit struct {
	ID    string
	Score float64
}

// Stats summarizes a store's contents.
type Stats struct {
	Count      int64 `json:"count"`
	Total      int64 `json:"total,omitempty"` // live + tombstoned, where applicable
	Dimensions int   `json:"dimensions,omitempty"`
}

// Store is the uniform contract all three storage primitives implement.
// A store may return ErrUnsupported for operations outside its shape
// (the vector store's Get, for example).
type Store interface {
	Initialize(ctx context.Context) error
	Add(ctx context.Context, doc *Document) error
	Get(ctx context.Context, id string) (*Document, error)
	Update(ctx context.Context, doc *Document) error
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, req SearchRequest) ([]Hit, error)
	Count(ctx context.Context) (int64, error)
	Clear(ctx context.Context) error
	Close() error
}
