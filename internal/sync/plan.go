package sync

import "github.com/schaermu/starsync/internal/github"

// Plan holds the repositories a run will star on the import account
type Plan struct {
	ToStar []github.Repository
}

// BuildPlan returns the repositories in source whose identity is absent from
// target, in source order and without duplicates.
func BuildPlan(source, target []github.Repository) *Plan {
	have := make(map[string]struct{}, len(target))
	for _, r := range target {
		have[r.Key()] = struct{}{}
	}

	plan := &Plan{ToStar: make([]github.Repository, 0)}
	seen := make(map[string]struct{}, len(source))
	for _, r := range source {
		key := r.Key()
		if _, ok := have[key]; ok {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		plan.ToStar = append(plan.ToStar, r)
	}
	return plan
}

// Names returns the full names of the repositories to star
func (p *Plan) Names() []string {
	names := make([]string, 0, len(p.ToStar))
	for _, r := range p.ToStar {
		names = append(names, r.FullName)
	}
	return names
}

// Outcome summarizes one sync run
type Outcome struct {
	RunID       string
	DryRun      bool
	SourceLogin string
	TargetLogin string
	SourceCount int
	TargetCount int
	ToStar      []string
	Starred     []string
	Skipped     []SkippedRepo
}

// SkippedRepo is a repository that could not be starred
type SkippedRepo struct {
	FullName string
	Reason   string
}
