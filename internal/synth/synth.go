// Package synth turns draws from a catalog into single event records.
package synth

import (
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"

	"github.com/jobmatch/eventgen/internal/catalog"
	"github.com/jobmatch/eventgen/pkg/types"
)

// DefaultSource tags records produced by the bulk-load path.
const DefaultSource = "go_load_job"

// IDFunc returns a fresh event identifier.
type IDFunc func() string

// NewEventID returns a random UUIDv4 from the crypto source.
func NewEventID() string {
	return uuid.NewString()
}

// Synthesizer produces one record per call. It is not safe for concurrent
// use because it owns its random source; use Fork to derive one per worker.
type Synthesizer struct {
	cat    *catalog.Catalog
	faker  *gofakeit.Faker
	source string
	newID  IDFunc
	maxLag time.Duration
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithSource sets the producer tag stamped on every record.
func WithSource(source string) Option {
	return func(s *Synthesizer) { s.source = source }
}

// WithIDFunc replaces the event id generator.
func WithIDFunc(fn IDFunc) Option {
	return func(s *Synthesizer) { s.newID = fn }
}

// WithMaxLag caps the reporting lag between event_ts and ingested_at.
// Values outside [0, types.MaxReportingLag] are ignored.
func WithMaxLag(d time.Duration) Option {
	return func(s *Synthesizer) {
		if d >= 0 && d <= types.MaxReportingLag {
			s.maxLag = d
		}
	}
}

// New creates a synthesizer drawing from cat with randomness from faker.
func New(cat *catalog.Catalog, faker *gofakeit.Faker, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		cat:    cat,
		faker:  faker,
		source: DefaultSource,
		newID:  NewEventID,
		maxLag: types.MaxReportingLag,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fork returns a synthesizer with the same catalog and options but its own
// random source.
func (s *Synthesizer) Fork(faker *gofakeit.Faker) *Synthesizer {
	cp := *s
	cp.faker = faker
	return &cp
}

// Source returns the producer tag.
func (s *Synthesizer) Source() string { return s.source }

// Catalog returns the catalog the synthesizer draws from.
func (s *Synthesizer) Catalog() *catalog.Catalog { return s.cat }

// Synthesize builds one record observed around ref for the given user and
// session. ref becomes ingested_at; event_ts trails it by a whole number of
// seconds in [0, max lag].
func (s *Synthesizer) Synthesize(ref time.Time, userID, sessionID string) types.EventRecord {
	f := s.faker
	name := s.cat.EventName(f)
	assignment := s.cat.Assignment(f)

	rec := types.EventRecord{
		EventName:     name,
		UserID:        userID,
		SessionID:     sessionID,
		Source:        s.source,
		SchemaVersion: types.SchemaVersion,
	}

	if assignment.Assigned() {
		exp, variant := assignment.ExperimentID, assignment.Variant
		rec.ExperimentID = &exp
		rec.Variant = &variant
	}

	switch {
	case name.HasQuery():
		q := s.cat.SearchQuery(f)
		rec.SearchQuery = &q
	case name.HasJob():
		job := s.cat.JobID(f)
		rank := s.cat.RankPosition(f)
		rec.JobID = &job
		rec.RankPosition = &rank
	}

	ref = ref.UTC()
	lag := time.Duration(f.Number(0, int(s.maxLag/time.Second))) * time.Second
	rec.IngestedAt = ref
	rec.EventTS = ref.Add(-lag)

	rec.Platform = s.cat.Platform(f)
	rec.DeviceType = s.cat.DeviceType(f)
	rec.EventID = s.newID()
	return rec
}
