package cron

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Job is one unit of periodic ledger maintenance.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Registry holds jobs keyed by name in registration order.
type Registry struct {
	jobs  []Job
	index map[string]int
}

// NewRegistry registers jobs in order and panics on a duplicate name, which is
// a wiring mistake in main.
func NewRegistry(jobs ...Job) *Registry {
	registry := &Registry{index: map[string]int{}}
	for _, job := range jobs {
		if err := registry.Register(job); err != nil {
			panic(err)
		}
	}
	return registry
}

// Register adds job. Nil jobs are ignored.
func (r *Registry) Register(job Job) error {
	if job == nil {
		return nil
	}
	if r.index == nil {
		r.index = map[string]int{}
	}
	name := job.Name()
	if _, ok := r.index[name]; ok {
		return fmt.Errorf("cron job %q registered twice", name)
	}
	r.index[name] = len(r.jobs)
	r.jobs = append(r.jobs, job)
	return nil
}

// Jobs returns a copy of the registered jobs in registration order.
func (r *Registry) Jobs() []Job {
	jobs := make([]Job, len(r.jobs))
	copy(jobs, r.jobs)
	return jobs
}

// Names lists job names sorted alphabetically.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.jobs))
	for _, job := range r.jobs {
		names = append(names, job.Name())
	}
	sort.Strings(names)
	return names
}

// Select narrows the registry to a comma-separated list of job names. An empty
// list keeps every job.
func (r *Registry) Select(list string) (*Registry, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return r, nil
	}
	wanted := map[string]bool{}
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := r.index[name]; !ok {
			return nil, fmt.Errorf("unknown cron job %q (known: %s)", name, strings.Join(r.Names(), ", "))
		}
		wanted[name] = true
	}
	selected := &Registry{index: map[string]int{}}
	for _, job := range r.jobs {
		if wanted[job.Name()] {
			_ = selected.Register(job)
		}
	}
	return selected, nil
}
