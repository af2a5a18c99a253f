package taskstore

import (
	"context"
	"fmt"
	"strings"
)

// BatchInput is one entry in a createBatch call. Key is intra-batch only
// (never persisted); DependsOn may reference either another entry's Key or
// an id already present in the store.
type BatchInput struct {
	Key       string
	Title     string
	DependsOn []string
	Opts      CreateOptions
}

// BatchResult is the outcome of a successful createBatch.
type BatchResult struct {
	Issues []*Issue
	KeyMap map[string]string
}

// CreateBatch inserts every input in dependency order. A single failure
// (cycle, duplicate key, unknown dependency, empty title, empty batch)
// rolls back every issue inserted by this call, leaving the store
// byte-identical to its pre-call state.
func (s *Store) CreateBatch(ctx context.Context, inputs []BatchInput) (*BatchResult, error) {
	v, err := s.queue.submit(ctx, func() (interface{}, error) {
		return s.createBatchLocked(inputs)
	})
	if err != nil {
		return nil, err
	}
	s.publishIssuesChanged(ctx)
	s.publishReadyChanged(ctx)
	return v.(*BatchResult), nil
}

func (s *Store) createBatchLocked(inputs []BatchInput) (*BatchResult, error) {
	if len(inputs) == 0 {
		return nil, ErrEmptyBatch
	}

	byKey := make(map[string]*BatchInput, len(inputs))
	for i := range inputs {
		in := &inputs[i]
		if in.Key == "" {
			return nil, fmt.Errorf("%w: entry %d has empty key", ErrDuplicateKey, i)
		}
		if _, exists := byKey[in.Key]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, in.Key)
		}
		byKey[in.Key] = in
		if isBlank(in.Title) {
			return nil, fmt.Errorf("%w: entry %s", ErrEmptyTitle, in.Key)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate dependencies: each must be either another batch key or an
	// existing issue id.
	for _, in := range inputs {
		for _, dep := range in.DependsOn {
			if dep == in.Key {
				return nil, fmt.Errorf("%w: %s depends on itself", ErrSelfDependency, in.Key)
			}
			if _, isKey := byKey[dep]; isKey {
				continue
			}
			if _, exists := s.issues[dep]; exists {
				continue
			}
			return nil, fmt.Errorf("%w: %s (from %s)", ErrDependencyMissing, dep, in.Key)
		}
	}

	order, err := topoSort(inputs)
	if err != nil {
		return nil, err
	}

	var created []*Issue
	keyMap := make(map[string]string, len(inputs))

	rollback := func() {
		for _, issue := range created {
			delete(s.issues, issue.ID)
			_ = s.removeIssueFile(issue.ID)
		}
	}

	for _, key := range order {
		in := byKey[key]

		resolvedDeps := make([]string, 0, len(in.DependsOn))
		for _, dep := range in.DependsOn {
			if id, ok := keyMap[dep]; ok {
				resolvedDeps = append(resolvedDeps, id)
			} else {
				resolvedDeps = append(resolvedDeps, dep)
			}
		}
		opts := in.Opts
		opts.DependsOn = resolvedDeps

		issue, err := s.insertIssueLocked(in.Title, "", opts)
		if err != nil {
			rollback()
			return nil, err
		}
		created = append(created, issue)
		keyMap[key] = issue.ID
	}

	s.appendActivityLocked(ActivityCreateBatch, "", "", map[string]interface{}{"count": len(created)})
	if err := s.flushIndexAndActivityLocked(); err != nil {
		rollback()
		return nil, err
	}

	out := make([]*Issue, len(created))
	for i, issue := range created {
		out[i] = issue.Clone()
	}
	return &BatchResult{Issues: out, KeyMap: keyMap}, nil
}

// insertIssueLocked is the shared body of Create, used both by the public
// Create path and by createBatchLocked where dependency ids are already
// resolved to real issue ids and s.mu is already held by the caller.
func (s *Store) insertIssueLocked(title, description string, opts CreateOptions) (*Issue, error) {
	issue, err := s.buildIssueLocked(title, description, opts)
	if err != nil {
		return nil, err
	}
	s.issues[issue.ID] = issue
	if err := s.writeIssueFile(issue); err != nil {
		delete(s.issues, issue.ID)
		return nil, err
	}
	s.appendActivityLocked(ActivityCreate, issue.ID, "", nil)
	return issue, nil
}

// topoSort orders batch entries by their intra-batch DependsOn references,
// returning an error naming the cycle path if one exists.
func topoSort(inputs []BatchInput) ([]string, error) {
	byKey := make(map[string]*BatchInput, len(inputs))
	edges := make(map[string][]string, len(inputs))
	for i := range inputs {
		in := &inputs[i]
		byKey[in.Key] = in
	}
	for _, in := range inputs {
		for _, dep := range in.DependsOn {
			if _, isKey := byKey[dep]; isKey {
				edges[in.Key] = append(edges[in.Key], dep)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(inputs))
	var order []string
	var path []string

	var visit func(key string) error
	visit = func(key string) error {
		color[key] = gray
		path = append(path, key)

		for _, dep := range edges[key] {
			switch color[dep] {
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			case gray:
				cycleStart := indexOf(path, dep)
				cycle := append(append([]string(nil), path[cycleStart:]...), dep)
				return fmt.Errorf("%w: %s", ErrCycle, strings.Join(cycle, " -> "))
			}
		}

		path = path[:len(path)-1]
		color[key] = black
		order = append(order, key)
		return nil
	}

	for i := range inputs {
		key := inputs[i].Key
		if color[key] == white {
			if err := visit(key); err != nil {
				return nil, err
			}
		}
	}

	return order, nil
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
