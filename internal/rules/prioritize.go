// internal/rules/prioritize.go
package rules

import (
	"context"
	"errors"
	"sort"

	"golang.org/x/sync/errgroup"
)

/*
 * Priority-tiered scheduling.
 *
 * Items are grouped by priority (stable, highest first). Tiers run one
 * after another; the members of a tier run concurrently and the tier
 * settles before the next one starts. After each tier the halt predicate
 * inspects the tier's results. When it fires, lower tiers are never
 * started and their items stay unevaluated.
 *
 *   all:   halt when any result is false
 *   any:   halt when any result is true
 *   rules: never halt on results; only the before hook can stop the run
 *
 * The first error cancels the tier's context and is returned once the tier
 * settles. A tier holding a single item runs inline.
 */

// errHalt is returned by a before hook to stop scheduling without error.
var errHalt = errors.New("halt")

type schedule[T any] struct {
	// priority returns the tier of an item.
	priority func(T) int
	// run evaluates item i and reports its boolean result.
	run func(ctx context.Context, i int, item T) (bool, error)
	// halt inspects one result after its tier settles. May be nil.
	halt func(result bool) bool
	// before is called ahead of every tier. errHalt stops quietly. May be nil.
	before func() error
	// settled is called with the indexes of each tier once it completes,
	// before halt is consulted. May be nil.
	settled func(tier []int) error
}

// tiers returns item indexes grouped by descending priority, keeping
// declaration order inside each tier.
func tiers[T any](items []T, priority func(T) int) [][]int {
	order := make([]int, len(items))
	prios := make([]int, len(items))
	for i, item := range items {
		order[i] = i
		prios[i] = priority(item)
	}
	sort.SliceStable(order, func(a, b int) bool {
		return prios[order[a]] > prios[order[b]]
	})

	var out [][]int
	for i, idx := range order {
		if i == 0 || prios[idx] != prios[order[i-1]] {
			out = append(out, nil)
		}
		out[len(out)-1] = append(out[len(out)-1], idx)
	}
	return out
}

// execute runs items tier by tier. It reports whether every tier ran.
func (s schedule[T]) execute(ctx context.Context, items []T) (complete bool, err error) {
	for _, tier := range tiers(items, s.priority) {
		if s.before != nil {
			if err := s.before(); err != nil {
				if errors.Is(err, errHalt) {
					return false, nil
				}
				return false, err
			}
		}

		results := make([]bool, len(tier))
		if len(tier) == 1 {
			r, err := s.run(ctx, tier[0], items[tier[0]])
			if err != nil {
				return false, err
			}
			results[0] = r
		} else {
			g, gctx := errgroup.WithContext(ctx)
			for slot, idx := range tier {
				g.Go(func() error {
					r, err := s.run(gctx, idx, items[idx])
					if err != nil {
						return err
					}
					results[slot] = r
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return false, err
			}
		}

		if s.settled != nil {
			if err := s.settled(tier); err != nil {
				return false, err
			}
		}
		if s.halt != nil {
			for _, r := range results {
				if s.halt(r) {
					return false, nil
				}
			}
		}
	}
	return true, nil
}
