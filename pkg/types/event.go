// Package types provides core data types for the job-matching event producers.
package types

import (
	"fmt"
	"regexp"
	"time"
)

// EventName is the kind of user-behavior observation an event records.
type EventName string

const (
	EventSessionStart EventName = "session_start"
	EventSearch       EventName = "search"
	EventImpression   EventName = "impression"
	EventClick        EventName = "click"
	EventApply        EventName = "apply"
	EventSignup       EventName = "signup"
)

// AllEventNames lists every event name in catalog order.
var AllEventNames = []EventName{
	EventSessionStart,
	EventSearch,
	EventImpression,
	EventClick,
	EventApply,
	EventSignup,
}

// Valid reports whether n is a known event name.
func (n EventName) Valid() bool {
	for _, known := range AllEventNames {
		if n == known {
			return true
		}
	}
	return false
}

// HasJob reports whether events of this kind carry job_id and rank_position.
func (n EventName) HasJob() bool {
	return n == EventImpression || n == EventClick || n == EventApply
}

// HasQuery reports whether events of this kind carry search_query.
func (n EventName) HasQuery() bool {
	return n == EventSearch
}

// Platform is the client platform an event was emitted from.
type Platform string

const (
	PlatformWeb     Platform = "web"
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// DeviceType is the device class an event was emitted from.
type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
)

// Variant is the experiment arm a user was assigned to.
type Variant string

const (
	VariantControl   Variant = "control"
	VariantTreatment Variant = "treatment"
)

const (
	// SchemaVersion is the version stamped on every produced record.
	SchemaVersion = 1

	// MaxReportingLag bounds how far event_ts may trail ingested_at.
	MaxReportingLag = 20 * time.Second

	// MaxRankPosition is the highest rank a job can be shown at.
	MaxRankPosition = 20
)

var (
	userIDPattern    = regexp.MustCompile(`^user_\d{5,}$`)
	sessionIDPattern = regexp.MustCompile(`^session_[0-9a-f]{12}$`)
	jobIDPattern     = regexp.MustCompile(`^job_\d{5}$`)
)

// EventRecord is one synthesized analytics event.
// Optional fields are pointers so that absent values serialize as explicit nulls.
type EventRecord struct {
	EventID       string     `json:"event_id"`
	EventName     EventName  `json:"event_name"`
	EventTS       time.Time  `json:"event_ts"`
	IngestedAt    time.Time  `json:"ingested_at"`
	UserID        string     `json:"user_id"`
	SessionID     string     `json:"session_id"`
	JobID         *string    `json:"job_id"`
	SearchQuery   *string    `json:"search_query"`
	RankPosition  *int       `json:"rank_position"`
	ExperimentID  *string    `json:"experiment_id"`
	Variant       *Variant   `json:"variant"`
	Platform      Platform   `json:"platform"`
	DeviceType    DeviceType `json:"device_type"`
	Source        string     `json:"source"`
	SchemaVersion int        `json:"schema_version"`
}

// Validate checks the structural invariants of a record: field presence
// conditioned on event_name, joint experiment assignment, timestamp ordering
// and identifier formats.
func (r *EventRecord) Validate() error {
	if r.EventID == "" {
		return fmt.Errorf("event: event_id is required")
	}
	if !r.EventName.Valid() {
		return r.errorf("unknown event_name %q", r.EventName)
	}
	if !userIDPattern.MatchString(r.UserID) {
		return r.errorf("user_id %q does not match user_NNNNN", r.UserID)
	}
	if !sessionIDPattern.MatchString(r.SessionID) {
		return r.errorf("session_id %q does not match session_<12 hex>", r.SessionID)
	}

	if r.EventName.HasJob() {
		if r.JobID == nil || r.RankPosition == nil {
			return r.errorf("%s requires job_id and rank_position", r.EventName)
		}
		if !jobIDPattern.MatchString(*r.JobID) {
			return r.errorf("job_id %q does not match job_NNNNN", *r.JobID)
		}
		if *r.RankPosition < 1 || *r.RankPosition > MaxRankPosition {
			return r.errorf("rank_position %d outside 1..%d", *r.RankPosition, MaxRankPosition)
		}
	} else if r.JobID != nil || r.RankPosition != nil {
		return r.errorf("%s must not carry job_id or rank_position", r.EventName)
	}

	if r.EventName.HasQuery() != (r.SearchQuery != nil) {
		return r.errorf("search_query presence does not match event_name %s", r.EventName)
	}

	if (r.ExperimentID == nil) != (r.Variant == nil) {
		return r.errorf("experiment_id and variant must be set together")
	}

	if r.EventTS.Location() != time.UTC || r.IngestedAt.Location() != time.UTC {
		return r.errorf("timestamps must be UTC")
	}
	if r.EventTS.After(r.IngestedAt) {
		return r.errorf("event_ts %s is after ingested_at %s", r.EventTS, r.IngestedAt)
	}
	if lag := r.IngestedAt.Sub(r.EventTS); lag > MaxReportingLag {
		return r.errorf("reporting lag %s exceeds %s", lag, MaxReportingLag)
	}

	switch r.Platform {
	case PlatformWeb, PlatformIOS, PlatformAndroid:
	default:
		return r.errorf("unknown platform %q", r.Platform)
	}
	switch r.DeviceType {
	case DeviceDesktop, DeviceMobile:
	default:
		return r.errorf("unknown device_type %q", r.DeviceType)
	}

	if r.Source == "" {
		return r.errorf("source is required")
	}
	if r.SchemaVersion != SchemaVersion {
		return r.errorf("schema_version %d, want %d", r.SchemaVersion, SchemaVersion)
	}
	return nil
}

func (r *EventRecord) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("event %s: %s", r.EventID, fmt.Sprintf(format, args...))
}

// Batch is an ordered sequence of records handed to an ingestion path as a unit.
type Batch []EventRecord

// Len returns the number of records in the batch.
func (b Batch) Len() int {
	return len(b)
}

// CountByName returns the number of records per event name.
func (b Batch) CountByName() map[EventName]int {
	counts := make(map[EventName]int, len(AllEventNames))
	for i := range b {
		counts[b[i].EventName]++
	}
	return counts
}

// Sessions maps every session_id in the batch to the user_id it belongs to.
// It returns an error if a session is attributed to more than one user.
func (b Batch) Sessions() (map[string]string, error) {
	sessions := make(map[string]string)
	for i := range b {
		rec := &b[i]
		if owner, ok := sessions[rec.SessionID]; ok && owner != rec.UserID {
			return nil, fmt.Errorf("session %s spans users %s and %s", rec.SessionID, owner, rec.UserID)
		}
		sessions[rec.SessionID] = rec.UserID
	}
	return sessions, nil
}

// Validate validates every record, returning the first failure.
func (b Batch) Validate() error {
	for i := range b {
		if err := b[i].Validate(); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	return nil
}
