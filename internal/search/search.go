package search

import (
	"context"
	"errors"
	"time"
)

var ErrUnavailable = errors.New("search provider unavailable")

// Kind narrows a query the way the indexer protocol does.
type Kind string

const (
	KindGeneric Kind = "search"
	KindMovie   Kind = "movie"
	KindTV      Kind = "tvsearch"
)

// Query is one indexer request. Season and Episode are zero when unset.
type Query struct {
	Kind    Kind   `json:"kind"`
	Text    string `json:"q"`
	Season  int    `json:"season,omitempty"`
	Episode int    `json:"episode,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

// Result is one candidate file on the hosting service.
type Result struct {
	Title       string    `json:"title"`
	ShareURL    string    `json:"shareUrl"`
	SizeBytes   int64     `json:"sizeBytes"`
	Score       float64   `json:"score"`
	Season      int       `json:"season,omitempty"`
	Episode     int       `json:"episode,omitempty"`
	Category    string    `json:"category,omitempty"`
	PublishedAt time.Time `json:"publishedAt,omitempty"`
}

// Provider finds candidate files. Ranking is the provider's business; the
// indexer adapter returns results in the order given.
type Provider interface {
	Search(ctx context.Context, q Query) ([]Result, error)
}

// Func adapts a function to Provider.
type Func func(ctx context.Context, q Query) ([]Result, error)

func (f Func) Search(ctx context.Context, q Query) ([]Result, error) {
	return f(ctx, q)
}

// Disabled answers every query with no results. It stands in when no
// provider endpoint is configured.
type Disabled struct{}

func (Disabled) Search(context.Context, Query) ([]Result, error) {
	return nil, nil
}
