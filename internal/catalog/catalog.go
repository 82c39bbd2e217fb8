// Package catalog holds the fixed value universes the event synthesizer
// samples from, together with their relative weights.
package catalog

import (
	"fmt"
	"sync"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/jobmatch/eventgen/pkg/types"
)

// Assignment is one experiment arm. The zero value means the user is not
// enrolled in any experiment.
type Assignment struct {
	ExperimentID string
	Variant      types.Variant
}

// Assigned reports whether the assignment enrolls the user in an experiment.
func (a Assignment) Assigned() bool {
	return a.ExperimentID != ""
}

// WeightedEvent pairs an event name with its relative sampling weight.
type WeightedEvent struct {
	Name   types.EventName
	Weight float32
}

// Spec describes the contents of a catalog.
type Spec struct {
	Events      []WeightedEvent
	Assignments []Assignment
	JobCount    int
	Queries     []string
	Platforms   []types.Platform
	DeviceTypes []types.DeviceType
	MaxRank     int
}

// DefaultSpec returns the production value universes.
func DefaultSpec() Spec {
	return Spec{
		Events: []WeightedEvent{
			{types.EventSessionStart, 10},
			{types.EventSearch, 12},
			{types.EventImpression, 25},
			{types.EventClick, 15},
			{types.EventApply, 6},
			{types.EventSignup, 2},
		},
		Assignments: []Assignment{
			{ExperimentID: "ranking_v1", Variant: types.VariantControl},
			{ExperimentID: "ranking_v1", Variant: types.VariantTreatment},
			{},
		},
		JobCount: 2000,
		Queries: []string{
			"data engineer",
			"backend engineer",
			"sre",
			"ml engineer",
			"python",
			"kubernetes",
			"tokyo",
			"new grad",
		},
		Platforms:   []types.Platform{types.PlatformWeb, types.PlatformIOS, types.PlatformAndroid},
		DeviceTypes: []types.DeviceType{types.DeviceDesktop, types.DeviceMobile},
		MaxRank:     types.MaxRankPosition,
	}
}

// Catalog is an immutable, validated set of value universes.
// It is safe for concurrent use; randomness is supplied by the caller.
type Catalog struct {
	eventOptions []any
	eventWeights []float32
	assignments  []Assignment
	jobIDs       []string
	queries      []string
	platforms    []types.Platform
	devices      []types.DeviceType
	maxRank      int
}

// New validates spec and builds a catalog from it.
func New(spec Spec) (*Catalog, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	c := &Catalog{
		eventOptions: make([]any, len(spec.Events)),
		eventWeights: make([]float32, len(spec.Events)),
		assignments:  append([]Assignment(nil), spec.Assignments...),
		jobIDs:       make([]string, spec.JobCount),
		queries:      append([]string(nil), spec.Queries...),
		platforms:    append([]types.Platform(nil), spec.Platforms...),
		devices:      append([]types.DeviceType(nil), spec.DeviceTypes...),
		maxRank:      spec.MaxRank,
	}
	for i, e := range spec.Events {
		c.eventOptions[i] = e.Name
		c.eventWeights[i] = e.Weight
	}
	for i := range c.jobIDs {
		c.jobIDs[i] = JobID(i + 1)
	}
	return c, nil
}

// MustNew is like New but panics on an invalid spec.
func MustNew(spec Spec) *Catalog {
	c, err := New(spec)
	if err != nil {
		panic(err)
	}
	return c
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the process-wide production catalog.
func Default() *Catalog {
	defaultOnce.Do(func() {
		defaultCatalog = MustNew(DefaultSpec())
	})
	return defaultCatalog
}

// JobID formats the n-th job identifier of the universe.
func JobID(n int) string {
	return fmt.Sprintf("job_%05d", n)
}

// Validate checks that every universe is non-empty and well formed.
func (s Spec) Validate() error {
	if len(s.Events) == 0 {
		return fmt.Errorf("catalog: no event names")
	}
	var total float32
	seen := make(map[types.EventName]bool, len(s.Events))
	for _, e := range s.Events {
		if !e.Name.Valid() {
			return fmt.Errorf("catalog: unknown event name %q", e.Name)
		}
		if seen[e.Name] {
			return fmt.Errorf("catalog: duplicate event name %q", e.Name)
		}
		seen[e.Name] = true
		if e.Weight < 0 {
			return fmt.Errorf("catalog: negative weight for %q", e.Name)
		}
		total += e.Weight
	}
	if total <= 0 {
		return fmt.Errorf("catalog: event weights sum to zero")
	}

	if len(s.Assignments) == 0 {
		return fmt.Errorf("catalog: no experiment assignments")
	}
	for _, a := range s.Assignments {
		if a.Assigned() != (a.Variant != "") {
			return fmt.Errorf("catalog: assignment %q/%q is half set", a.ExperimentID, a.Variant)
		}
	}

	if s.JobCount < 1 || s.JobCount > 99999 {
		return fmt.Errorf("catalog: job count %d outside 1..99999", s.JobCount)
	}
	if seen[types.EventSearch] && len(s.Queries) == 0 {
		return fmt.Errorf("catalog: search events need at least one query")
	}
	if len(s.Platforms) == 0 || len(s.DeviceTypes) == 0 {
		return fmt.Errorf("catalog: platforms and device types must be non-empty")
	}
	if s.MaxRank < 1 || s.MaxRank > types.MaxRankPosition {
		return fmt.Errorf("catalog: max rank %d outside 1..%d", s.MaxRank, types.MaxRankPosition)
	}
	return nil
}

// EventName draws an event name according to the configured weights.
func (c *Catalog) EventName(f *gofakeit.Faker) types.EventName {
	v, err := f.Weighted(c.eventOptions, c.eventWeights)
	if err != nil {
		// Unreachable for a catalog built by New.
		panic(fmt.Sprintf("catalog: weighted draw: %v", err))
	}
	return v.(types.EventName)
}

// Assignment draws an experiment assignment uniformly.
func (c *Catalog) Assignment(f *gofakeit.Faker) Assignment {
	return c.assignments[f.Number(0, len(c.assignments)-1)]
}

// JobID draws a job identifier uniformly from the job universe.
func (c *Catalog) JobID(f *gofakeit.Faker) string {
	return c.jobIDs[f.Number(0, len(c.jobIDs)-1)]
}

// SearchQuery draws a search term uniformly.
func (c *Catalog) SearchQuery(f *gofakeit.Faker) string {
	return f.RandomString(c.queries)
}

// RankPosition draws a rank uniformly in [1, MaxRank].
func (c *Catalog) RankPosition(f *gofakeit.Faker) int {
	return f.Number(1, c.maxRank)
}

// Platform draws a platform uniformly.
func (c *Catalog) Platform(f *gofakeit.Faker) types.Platform {
	return c.platforms[f.Number(0, len(c.platforms)-1)]
}

// DeviceType draws a device type uniformly.
func (c *Catalog) DeviceType(f *gofakeit.Faker) types.DeviceType {
	return c.devices[f.Number(0, len(c.devices)-1)]
}

// EventWeights returns a copy of the event weights keyed by name.
func (c *Catalog) EventWeights() map[types.EventName]float32 {
	out := make(map[types.EventName]float32, len(c.eventOptions))
	for i, o := range c.eventOptions {
		out[o.(types.EventName)] = c.eventWeights[i]
	}
	return out
}

// Assignments returns a copy of the assignment universe.
func (c *Catalog) Assignments() []Assignment {
	return append([]Assignment(nil), c.assignments...)
}

// JobCount returns the cardinality of the job universe.
func (c *Catalog) JobCount() int { return len(c.jobIDs) }

// Queries returns a copy of the search term universe.
func (c *Catalog) Queries() []string {
	return append([]string(nil), c.queries...)
}

// MaxRank returns the highest rank position the catalog draws.
func (c *Catalog) MaxRank() int { return c.maxRank }
