// Package population drives the synthesizer across a simulated population
// of users, one session per user, producing one ingestion batch per run.
package population

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"

	"github.com/jobmatch/eventgen/internal/synth"
	"github.com/jobmatch/eventgen/pkg/types"
)

// Config holds population parameters.
type Config struct {
	// Users is the number of simulated users (default 200).
	Users int

	// MinEvents and MaxEvents bound the per-session event count, inclusive.
	MinEvents int
	MaxEvents int

	// Lookback is the window before Now that reference times fall in.
	Lookback time.Duration

	// Workers is the number of users generated concurrently (default 1).
	Workers int

	// Now anchors the lookback window. Zero means the wall clock at Generate.
	Now time.Time
}

// DefaultConfig returns the production population parameters.
func DefaultConfig() Config {
	return Config{
		Users:     200,
		MinEvents: 10,
		MaxEvents: 40,
		Lookback:  24 * time.Hour,
		Workers:   1,
	}
}

// Validate checks the population parameters.
func (c Config) Validate() error {
	if c.Users < 1 {
		return fmt.Errorf("population: users must be at least 1, got %d", c.Users)
	}
	if c.MinEvents < 1 || c.MaxEvents < c.MinEvents {
		return fmt.Errorf("population: invalid session event range %d..%d", c.MinEvents, c.MaxEvents)
	}
	if c.Lookback < 0 {
		return fmt.Errorf("population: lookback must not be negative, got %s", c.Lookback)
	}
	if c.Workers < 0 {
		return fmt.Errorf("population: workers must not be negative, got %d", c.Workers)
	}
	return nil
}

// SessionIDFunc returns the session id for the user at the given index.
type SessionIDFunc func(userIndex int) string

// NewSessionID returns session_ followed by 12 hex characters of a random UUID.
func NewSessionID(int) string {
	u := uuid.New()
	return "session_" + hex.EncodeToString(u[:6])
}

// UserID formats the id of the user at index i.
func UserID(i int) string {
	return fmt.Sprintf("user_%05d", i)
}

// session is the identity shared by every event of one simulated user.
type session struct {
	userID    string
	sessionID string
}

// Generator produces batches. It is not safe for concurrent use.
type Generator struct {
	synth     *synth.Synthesizer
	faker     *gofakeit.Faker
	cfg       Config
	sessionID SessionIDFunc
}

// Option configures a Generator.
type Option func(*Generator)

// WithSessionIDFunc replaces the session id generator.
func WithSessionIDFunc(fn SessionIDFunc) Option {
	return func(g *Generator) { g.sessionID = fn }
}

// New creates a generator. faker seeds the per-user random sources; s
// supplies the catalog and record options.
func New(s *synth.Synthesizer, faker *gofakeit.Faker, cfg Config, opts ...Option) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	g := &Generator{
		synth:     s,
		faker:     faker,
		cfg:       cfg,
		sessionID: NewSessionID,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Config returns the generator's parameters.
func (g *Generator) Config() Config { return g.cfg }

// Generate produces one batch: the concatenation of every user's events in
// user order. The result depends only on the seed of the generator's faker,
// never on the worker count. Reference times are drawn independently per
// event, so events of one session are not in time order.
func (g *Generator) Generate(ctx context.Context) (types.Batch, error) {
	now := g.cfg.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	runSeed := g.faker.Int64()

	perUser := make([]types.Batch, g.cfg.Users)

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(g.cfg.Workers)
	for i := 0; i < g.cfg.Users; i++ {
		i := i
		group.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			perUser[i] = g.generateUser(i, runSeed, now)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	total := 0
	for _, events := range perUser {
		total += len(events)
	}
	batch := make(types.Batch, 0, total)
	for _, events := range perUser {
		batch = append(batch, events...)
	}
	return batch, nil
}

func (g *Generator) generateUser(i int, runSeed int64, now time.Time) types.Batch {
	f := gofakeit.New(userSeed(runSeed, i))
	s := g.synth.Fork(f)
	sess := session{userID: UserID(i), sessionID: g.sessionID(i)}

	lookbackMinutes := int(g.cfg.Lookback / time.Minute)
	count := f.Number(g.cfg.MinEvents, g.cfg.MaxEvents)
	events := make(types.Batch, 0, count)
	for n := 0; n < count; n++ {
		ref := now.Add(-time.Duration(f.Number(0, lookbackMinutes)) * time.Minute)
		events = append(events, s.Synthesize(ref, sess.userID, sess.sessionID))
	}
	return events
}

// userSeed derives the seed of one user's random source from the run seed.
func userSeed(runSeed int64, userIndex int) int64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(runSeed))
	binary.LittleEndian.PutUint64(buf[8:], uint64(userIndex))
	seed := int64(murmur3.Sum64(buf[:]) &^ (1 << 63))
	if seed == 0 {
		// gofakeit treats 0 as a request for a crypto seed.
		seed = 1
	}
	return seed
}
