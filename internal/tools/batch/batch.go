package batch

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the outcome of one item of a batch.
type Result[T any] struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Value  *T     `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Summary aggregates the results of a batch in input order.
type Summary[T any] struct {
	Total      int         `json:"total"`
	Successful int         `json:"successful"`
	Failed     int         `json:"failed"`
	Results    []Result[T] `json:"results"`
}

// ParseStringOrArray accepts a tool argument given either as one string or
// as an array of strings. Repeated ids are kept once.
func ParseStringOrArray(param any, name string) ([]string, error) {
	var raw []any
	switch v := param.(type) {
	case nil:
		return nil, fmt.Errorf("%s is required", name)
	case string:
		if v == "" {
			return nil, fmt.Errorf("%s is required", name)
		}
		return []string{v}, nil
	case []any:
		if len(v) == 0 {
			return nil, fmt.Errorf("%s cannot be empty", name)
		}
		raw = v
	default:
		return nil, fmt.Errorf("%s must be a string or array of strings", name)
	}

	ids := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for i, item := range raw {
		s, ok := item.(string)
		switch {
		case !ok:
			return nil, fmt.Errorf("%s[%d] must be a string", name, i)
		case s == "":
			return nil, fmt.Errorf("%s[%d] cannot be empty", name, i)
		case seen[s]:
			continue
		}
		seen[s] = true
		ids = append(ids, s)
	}
	return ids, nil
}

// Process calls fn for every id with at most limit calls in flight, or one
// at a time when limit is below 1. Items not started before ctx is done
// fail with the context error.
func Process[T any](ctx context.Context, ids []string, limit int, fn func(ctx context.Context, id string) (T, error)) Summary[T] {
	if limit < 1 {
		limit = 1
	}
	results := make([]Result[T], len(ids))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, id := range ids {
		g.Go(func() error {
			r := Result[T]{ID: id, Status: StatusSuccess}
			var (
				v   T
				err = ctx.Err()
			)
			if err == nil {
				v, err = fn(ctx, id)
			}
			if err != nil {
				r.Status, r.Error = StatusError, err.Error()
			} else {
				r.Value = &v
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()

	s := Summary[T]{Total: len(ids), Results: results}
	for _, r := range results {
		if r.Status == StatusSuccess {
			s.Successful++
		} else {
			s.Failed++
		}
	}
	return s
}
