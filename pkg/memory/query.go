package memory

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// QueryOptions tunes MultiQuery.
type QueryOptions struct {
	// Iterate multiplies the candidates fetched per query before filtering.
	Iterate int
	// MaxTokens caps the combined size of the result. Zero means unbounded.
	MaxTokens int
	// Limit is the number of documents kept per query.
	Limit int
	Where Where
	// Filter drops documents when it returns false.
	Filter func(Document) bool
	// Formatter rewrites the text of kept documents.
	Formatter func(Document) string
	// CountTokens measures a formatted document. Defaults to len/4.
	CountTokens func(string) int
}

// MultiQuery runs every query concurrently, then merges the results in query
// order, dropping duplicates and stopping once MaxTokens is reached.
func MultiQuery(ctx context.Context, m Memory, queries []string, opts QueryOptions) ([]Document, error) {
	if opts.Limit <= 0 {
		opts.Limit = 3
	}
	if opts.Iterate <= 0 {
		opts.Iterate = 1
	}
	count := opts.CountTokens
	if count == nil {
		count = func(s string) int { return (len(s) + 3) / 4 }
	}

	results := make([][]Document, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			docs, err := m.Query(gctx, q, opts.Limit*opts.Iterate, opts.Where)
			if err != nil {
				return fmt.Errorf("failed to query %q: %w", q, err)
			}
			kept := make([]Document, 0, opts.Limit)
			for _, d := range docs {
				if opts.Filter != nil && !opts.Filter(d) {
					continue
				}
				kept = append(kept, d)
				if len(kept) == opts.Limit {
					break
				}
			}
			results[i] = kept
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []Document
	used := 0
	for _, docs := range results {
		for _, d := range docs {
			if _, dup := seen[d.ID]; dup {
				continue
			}
			seen[d.ID] = struct{}{}
			if opts.Formatter != nil {
				d.Text = opts.Formatter(d)
			}
			n := count(d.Text)
			if opts.MaxTokens > 0 && used+n > opts.MaxTokens {
				return out, nil
			}
			used += n
			out = append(out, d)
		}
	}
	return out, nil
}
