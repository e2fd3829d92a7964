package pipeline

import (
	"path"
	"sync"
	"time"
)

// Filter decides whether an event continues down the pipeline.
// Filters apply to state-change events; enrichment events always pass,
// since their producers already decided they are wanted.
type Filter interface {
	// Name identifies the filter in metrics and logs.
	Name() string
	// Allow reports whether the event should be processed.
	Allow(ev NormalizedEvent) bool
}

// DomainFilter admits only entities in the allowed domains. An empty
// allowlist admits everything.
type DomainFilter struct {
	allowed map[string]bool
}

// NewDomainFilter builds a domain allowlist filter.
func NewDomainFilter(domains []string) *DomainFilter {
	f := &DomainFilter{allowed: make(map[string]bool, len(domains))}
	for _, d := range domains {
		f.allowed[d] = true
	}
	return f
}

func (f *DomainFilter) Name() string { return "domain" }

func (f *DomainFilter) Allow(ev NormalizedEvent) bool {
	if ev.Kind != KindStateChange || len(f.allowed) == 0 {
		return true
	}
	return f.allowed[ev.Domain]
}

// GlobFilter admits only entities matching one of the patterns
// (path.Match syntax, e.g. "sensor.*" or "light.kitchen_*"). An empty
// pattern list admits everything.
type GlobFilter struct {
	patterns []string
}

// NewGlobFilter builds an entity-ID glob allowlist filter.
func NewGlobFilter(patterns []string) *GlobFilter {
	return &GlobFilter{patterns: patterns}
}

func (f *GlobFilter) Name() string { return "entity_glob" }

func (f *GlobFilter) Allow(ev NormalizedEvent) bool {
	if ev.Kind != KindStateChange || len(f.patterns) == 0 {
		return true
	}
	for _, p := range f.patterns {
		if ok, err := path.Match(p, ev.EntityID); err == nil && ok {
			return true
		}
	}
	return false
}

// UnavailableFilter drops states that carry no measurable value:
// "unavailable", "unknown", and empty. These show up in bursts when an
// integration reloads and would otherwise pollute every series.
type UnavailableFilter struct{}

func (UnavailableFilter) Name() string { return "unavailable" }

func (UnavailableFilter) Allow(ev NormalizedEvent) bool {
	if ev.Kind != KindStateChange {
		return true
	}
	switch ev.State {
	case "", "unavailable", "unknown":
		return false
	}
	return true
}

// RateLimitFilter suppresses per-entity updates arriving closer
// together than the minimum interval, judged by source timestamp. A
// chatty power sensor reporting every 200ms gets thinned without
// affecting any other entity.
type RateLimitFilter struct {
	min time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// NewRateLimitFilter builds a per-entity rate limiter. min must be
// positive.
func NewRateLimitFilter(min time.Duration) *RateLimitFilter {
	return &RateLimitFilter{
		min:  min,
		last: make(map[string]time.Time),
	}
}

func (f *RateLimitFilter) Name() string { return "rate_limit" }

func (f *RateLimitFilter) Allow(ev NormalizedEvent) bool {
	if ev.Kind != KindStateChange {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	last, seen := f.last[ev.EntityID]
	if seen && ev.SourceTime.Sub(last) < f.min {
		return false
	}
	f.last[ev.EntityID] = ev.SourceTime
	return true
}
