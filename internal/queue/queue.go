package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"relentless-harvester/internal/models"
)

// DefaultColdQuiet is how long a cold target sits out after its last scan.
const DefaultColdQuiet = 6 * time.Hour

// TargetLister reads the targets eligible for scanning.
type TargetLister interface {
	ListEnabledTargets(ctx context.Context) ([]models.ScanTarget, error)
}

// Queue is the ordered set of targets for one session. It is consumed destructively
// and never refilled.
type Queue struct {
	mu    sync.Mutex
	items []models.ScanTarget
	total int
}

// Build loads enabled targets, drops cold targets still inside their quiet period and
// orders the rest.
func Build(ctx context.Context, store TargetLister, now time.Time, coldQuiet time.Duration) (*Queue, error) {
	targets, err := store.ListEnabledTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	return FromTargets(targets, now, coldQuiet), nil
}

// FromTargets builds a queue from an in-memory target list.
func FromTargets(targets []models.ScanTarget, now time.Time, coldQuiet time.Duration) *Queue {
	ordered := Order(targets, now, coldQuiet)
	return &Queue{items: ordered, total: len(ordered)}
}

// Order applies the quiet-period filter and sorts: hot targets first (most qualifying
// first), then warm and cold together by ascending empty-scan streak, then oldest scan
// first. Never-scanned targets count as oldest.
func Order(targets []models.ScanTarget, now time.Time, coldQuiet time.Duration) []models.ScanTarget {
	if coldQuiet <= 0 {
		coldQuiet = DefaultColdQuiet
	}
	out := make([]models.ScanTarget, 0, len(targets))
	for _, t := range targets {
		if !t.Enabled {
			continue
		}
		t.Tier = models.ClassifyTier(t.LastQualifying, t.ConsecutiveEmpty)
		if t.Tier == models.TierCold && t.LastScannedAt != nil && now.Sub(*t.LastScannedAt) <= coldQuiet {
			continue
		}
		out = append(out, t)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		aHot, bHot := a.Tier == models.TierHot, b.Tier == models.TierHot
		if aHot != bHot {
			return aHot
		}
		if aHot && a.LastQualifying != b.LastQualifying {
			return a.LastQualifying > b.LastQualifying
		}
		if a.ConsecutiveEmpty != b.ConsecutiveEmpty {
			return a.ConsecutiveEmpty < b.ConsecutiveEmpty
		}
		if !scannedAtEqual(a.LastScannedAt, b.LastScannedAt) {
			return scannedBefore(a.LastScannedAt, b.LastScannedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// Pop removes and returns the next target. ok is false once the queue is exhausted.
func (q *Queue) Pop() (models.ScanTarget, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return models.ScanTarget{}, false
	}
	next := q.items[0]
	q.items = q.items[1:]
	return next, true
}

// Len is the number of targets not yet popped.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Total is the number of targets the queue was built with.
func (q *Queue) Total() int {
	return q.total
}

func scannedAtEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func scannedBefore(a, b *time.Time) bool {
	if a == nil {
		return true
	}
	if b == nil {
		return false
	}
	return a.Before(*b)
}
