package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSelfDependency    = errors.New("task cannot depend on itself")
	ErrDependencyCycle   = errors.New("dependency cycle")
	ErrUnknownDependency = errors.New("unknown dependency")
)

// MaxDependencyDepth bounds the traversal in ValidateDependencies.
const MaxDependencyDepth = 1024

// ValidateDependencies checks that giving task id the dependency list deps
// keeps the graph formed with all acyclic. The stored dependencies of id in
// all are ignored in favour of deps.
func ValidateDependencies(id string, deps []string, all []Task) error {
	graph := make(map[string][]string, len(all))
	for _, t := range all {
		graph[t.ID] = t.Dependencies
	}
	for _, dep := range deps {
		if dep == id {
			return ErrSelfDependency
		}
		if _, ok := graph[dep]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
		}
	}
	if id == "" {
		// A task that does not exist yet cannot be reached from anything.
		return nil
	}
	graph[id] = deps

	visited := make(map[string]bool)
	var reaches func(node string, depth int) error
	reaches = func(node string, depth int) error {
		if depth > MaxDependencyDepth {
			return fmt.Errorf("%w: chain deeper than %d", ErrDependencyCycle, MaxDependencyDepth)
		}
		if node == id {
			return fmt.Errorf("%w through %s", ErrDependencyCycle, id)
		}
		if visited[node] {
			return nil
		}
		visited[node] = true
		for _, next := range graph[node] {
			if err := reaches(next, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	for _, dep := range deps {
		if err := reaches(dep, 1); err != nil {
			return err
		}
	}
	return nil
}
