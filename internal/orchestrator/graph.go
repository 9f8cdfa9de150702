package orchestrator

import (
	"fmt"
	"sort"

	"github.com/ShayCichocki/switchboard/pkg/models"
)

// Validate checks that ids are unique and non-empty, that every dependency
// exists, and that the graph is acyclic.
func Validate(tasks []*models.SubTask) error {
	if len(tasks) == 0 {
		return fmt.Errorf("%w: no sub-tasks", ErrInvalidGraph)
	}

	byID := make(map[string]*models.SubTask, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return fmt.Errorf("%w: sub-task with empty id", ErrInvalidGraph)
		}
		if _, dup := byID[t.ID]; dup {
			return fmt.Errorf("%w: duplicate sub-task id %s", ErrInvalidGraph, t.ID)
		}
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return &UnknownDependencyError{SubTask: t.ID, Dependency: dep}
			}
		}
	}

	if _, err := Levels(tasks); err != nil {
		return err
	}
	return nil
}

// Levels groups sub-tasks into batches with Kahn's algorithm: every
// sub-task's dependencies lie in earlier batches. Within a batch, sub-tasks
// keep their input order. Dependencies must already be known to exist.
func Levels(tasks []*models.SubTask) ([][]string, error) {
	order := make(map[string]int, len(tasks))
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for i, t := range tasks {
		order[t.ID] = i
		indegree[t.ID] += 0
		for _, dep := range uniq(t.DependsOn) {
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var current []string
	for _, t := range tasks {
		if indegree[t.ID] == 0 {
			current = append(current, t.ID)
		}
	}

	var levels [][]string
	seen := 0
	for len(current) > 0 {
		levels = append(levels, current)
		seen += len(current)

		var next []string
		for _, id := range current {
			for _, child := range dependents[id] {
				indegree[child]--
				if indegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return order[next[i]] < order[next[j]] })
		current = next
	}

	if seen != len(tasks) {
		var stuck []string
		for _, t := range tasks {
			if indegree[t.ID] > 0 {
				stuck = append(stuck, t.ID)
			}
		}
		return nil, &DependencyCycleError{IDs: stuck}
	}
	return levels, nil
}

// ready returns pending sub-tasks whose dependencies all have results, in
// input order.
func ready(tasks []*models.SubTask, results map[string]models.WorkerResult) []*models.SubTask {
	var out []*models.SubTask
	for _, t := range tasks {
		if t.Status != models.SubTaskStatusPending {
			continue
		}
		ok := true
		for _, dep := range t.DependsOn {
			if _, done := results[dep]; !done {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, t)
		}
	}
	return out
}

func uniq(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
