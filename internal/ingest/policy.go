package ingest

import (
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/jobmatch/eventgen/internal/errors"
)

// RowFailurePolicy decides whether a streaming insert with rejected rows
// counts as a failed run. Accepted rows stay durable either way.
type RowFailurePolicy interface {
	Evaluate(res InsertResult) error
	String() string
}

// FailOnAnyRowError fails the run if any row was rejected.
var FailOnAnyRowError RowFailurePolicy = tolerance(0)

// TolerateFraction fails the run only when more than f of the attempted
// rows were rejected. f is clamped to [0, 1].
func TolerateFraction(f float64) RowFailurePolicy {
	switch {
	case f < 0:
		f = 0
	case f > 1:
		f = 1
	}
	return tolerance(f)
}

type tolerance float64

func (t tolerance) Evaluate(res InsertResult) error {
	rejected := len(res.RowErrors)
	if rejected == 0 {
		return nil
	}
	if t > 0 && res.RowsAttempted > 0 && float64(rejected)/float64(res.RowsAttempted) <= float64(t) {
		return nil
	}
	return apperrors.NewIngestError(apperrors.CodeRowErrors,
		fmt.Sprintf("%d of %d rows rejected", rejected, res.RowsAttempted)).
		WithDetails(map[string]interface{}{"rejected": rejected, "attempted": res.RowsAttempted})
}

func (t tolerance) String() string {
	if t == 0 {
		return "fail_on_any"
	}
	return "tolerate:" + strconv.FormatFloat(float64(t), 'f', -1, 64)
}

// ParsePolicy parses "fail_on_any" (or "") and "tolerate:<fraction>".
func ParsePolicy(s string) (RowFailurePolicy, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch {
	case s == "" || s == "fail_on_any":
		return FailOnAnyRowError, nil
	case strings.HasPrefix(s, "tolerate:"):
		f, err := strconv.ParseFloat(strings.TrimPrefix(s, "tolerate:"), 64)
		if err != nil || f < 0 || f > 1 {
			return nil, apperrors.NewConfigError(fmt.Sprintf("invalid row policy %q", s), err)
		}
		return TolerateFraction(f), nil
	default:
		return nil, apperrors.NewConfigError(fmt.Sprintf("unknown row policy %q", s), nil)
	}
}
