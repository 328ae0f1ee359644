package scoring

import (
	"context"
	"fmt"
	"log"
	"sync"

	"daggle/internal/models"

	"golang.org/x/sync/singleflight"
)

// TruthSet is the held-out ground truth of a competition. Target values never
// leave this package; callers only see the identifier universe.
type TruthSet struct {
	ids     IDSet
	order   []string
	targets map[string]float64
}

// ParseTruthSet reads a truth CSV with an id column and a target column
func ParseTruthSet(ctx context.Context, raw []byte, idColumn, targetColumn string) (*TruthSet, error) {
	res, err := Validate(ctx, raw, FileSpec{
		IDColumn:     idColumn,
		ValueColumns: []string{targetColumn},
		Kind:         KindFloat,
	})
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		return nil, fmt.Errorf("invalid truth set (%d errors): %s", len(res.Errors), res.Errors[0].Message)
	}

	ts := &TruthSet{
		ids:     make(IDSet, len(res.File.Rows)),
		order:   make([]string, 0, len(res.File.Rows)),
		targets: make(map[string]float64, len(res.File.Rows)),
	}
	for _, row := range res.File.Rows {
		ts.ids[row.ID] = struct{}{}
		ts.order = append(ts.order, row.ID)
		ts.targets[row.ID] = row.Values[0]
	}
	return ts, nil
}

// IDs returns the expected identifier universe. The set must not be modified.
func (t *TruthSet) IDs() IDSet {
	return t.ids
}

// Len returns the number of truth rows
func (t *TruthSet) Len() int {
	return len(t.order)
}

// Source reads stored objects by key
type Source interface {
	Load(ctx context.Context, key string) ([]byte, error)
}

// TruthCache loads truth sets once and shares them read-only across
// concurrent scoring tasks. Concurrent misses for the same key are coalesced.
type TruthCache struct {
	source Source
	group  singleflight.Group

	mu   sync.RWMutex
	sets map[string]*TruthSet
}

// NewTruthCache creates a cache reading from source
func NewTruthCache(source Source) *TruthCache {
	return &TruthCache{
		source: source,
		sets:   make(map[string]*TruthSet),
	}
}

func cacheKey(comp *models.Competition) string {
	id, _, target := comp.Columns()
	return comp.TruthSetKey + "|" + id + "|" + target
}

// Get returns the truth set of comp
func (c *TruthCache) Get(ctx context.Context, comp *models.Competition) (*TruthSet, error) {
	key := cacheKey(comp)

	c.mu.RLock()
	ts, ok := c.sets[key]
	c.mu.RUnlock()
	if ok {
		return ts, nil
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		// detached so one caller's cancellation does not fail the others
		loadCtx := context.WithoutCancel(ctx)
		raw, err := c.source.Load(loadCtx, comp.TruthSetKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load truth set %q: %w", comp.TruthSetKey, err)
		}

		id, _, target := comp.Columns()
		ts, err := ParseTruthSet(loadCtx, raw, id, target)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.sets[key] = ts
		c.mu.Unlock()

		log.Printf("✓ Loaded truth set for competition %d (%d rows)", comp.ID, ts.Len())
		return ts, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*TruthSet), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
