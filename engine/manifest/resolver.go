package manifest

import (
	"fmt"

	"github.com/spaghettifunk/presto/engine/core"
)

type visitState uint8

const (
	unvisited visitState = iota
	onStack
	done
)

// Resolve returns the requested ids (duplicates removed) in an order where
// every known dependency precedes its dependents. Unknown ids are skipped
// silently; warning about unknown *requested* ids is the caller's job.
// A cycle in the dependency graph yields core.ErrDependencyCycle.
func (s *Store) Resolve(ids []string) ([]string, error) {
	state := make(map[string]visitState, len(ids))
	out := make([]string, 0, len(ids))

	var visit func(id string) error
	visit = func(id string) error {
		entry, ok := s.entries[id]
		if !ok {
			return nil
		}
		switch state[id] {
		case done:
			return nil
		case onStack:
			return fmt.Errorf("%w: asset '%s' participates in a cycle", core.ErrDependencyCycle, id)
		}
		state[id] = onStack
		for _, dep := range entry.Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		out = append(out, id)
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// checkCycles walks every entry once so a bad manifest is rejected at
// startup instead of surfacing mid-load.
func (s *Store) checkCycles() error {
	all := make([]string, 0, len(s.entries))
	for id := range s.entries {
		all = append(all, id)
	}
	if _, err := s.Resolve(all); err != nil {
		return err
	}
	return nil
}
