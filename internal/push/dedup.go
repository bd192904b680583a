// Package push implements the core delivery pipeline: dedup-key
// construction, the idempotent enqueue contract, and the worker that claims
// due jobs and fans them out to registered devices.
package push

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"pushdesk/internal/types"
)

// DedupPrefix names a notification scenario. The prefix anchors the dedup
// key so keys from different scenarios can never collide.
type DedupPrefix string

const (
	PrefixCleanSchedule      DedupPrefix = "CLEAN_SCHEDULE"
	PrefixWorkAssigned       DedupPrefix = "WORK_ASSIGNED"
	PrefixWorkUnassigned     DedupPrefix = "WORK_UNASSIGNED"
	PrefixWorkFinishing      DedupPrefix = "WORK_FINISHING"
	PrefixSupplementsPending DedupPrefix = "SUPPLEMENTS_PENDING"
	PrefixWorkApplyOpen      DedupPrefix = "WORK_APPLY_OPEN"
)

// KeyPart is one typed segment of a dedup key: a date, an integer, or a
// non-empty string. Construct parts with DatePart, IntPart, and StringPart.
type KeyPart struct {
	date time.Time
	num  float64
	str  string
	kind partKind
}

type partKind int

const (
	partDate partKind = iota
	partInt
	partString
)

// DatePart yields a part that normalizes to the calendar day of t in the
// builder's time zone. Two enqueue attempts for the same logical day collide
// regardless of the wall-clock time of invocation.
func DatePart(t time.Time) KeyPart {
	return KeyPart{kind: partDate, date: t}
}

// IntPart yields a numeric part. Non-finite values are rejected at build
// time.
func IntPart(n float64) KeyPart {
	return KeyPart{kind: partInt, num: n}
}

// StringPart yields a string part. Empty-after-trim values are rejected at
// build time.
func StringPart(s string) KeyPart {
	return KeyPart{kind: partString, str: s}
}

// KeyBuilder constructs canonical dedup keys. It is pure; the only state is
// the fixed service time zone used to derive calendar-day keys.
type KeyBuilder struct {
	loc *time.Location
}

// NewKeyBuilder creates a KeyBuilder anchored to the given time zone. A nil
// location falls back to UTC.
func NewKeyBuilder(loc *time.Location) *KeyBuilder {
	if loc == nil {
		loc = time.UTC
	}
	return &KeyBuilder{loc: loc}
}

// Location returns the builder's fixed time zone. Callers that parse
// calendar dates from external input should parse them in this zone so the
// date segment round-trips.
func (b *KeyBuilder) Location() *time.Location {
	return b.loc
}

// Build joins the prefix and normalized parts with ":". Part ordering is
// caller-determined and must stay stable across repeated enqueue attempts
// for the same logical event.
func (b *KeyBuilder) Build(prefix DedupPrefix, parts ...KeyPart) (string, error) {
	segments := make([]string, 0, len(parts)+1)
	segments = append(segments, string(prefix))

	for i, part := range parts {
		normalized, err := b.normalize(part)
		if err != nil {
			return "", types.NewAppError(
				types.ErrCodeValidationDedupKeyPart,
				fmt.Sprintf("dedup key part %d: %v", i, err),
				err,
			)
		}
		segments = append(segments, normalized)
	}

	return strings.Join(segments, ":"), nil
}

func (b *KeyBuilder) normalize(part KeyPart) (string, error) {
	switch part.kind {
	case partDate:
		return part.date.In(b.loc).Format("2006-01-02"), nil
	case partInt:
		if math.IsNaN(part.num) || math.IsInf(part.num, 0) {
			return "", fmt.Errorf("numeric segment must be finite")
		}
		return strconv.FormatFloat(part.num, 'f', -1, 64), nil
	default:
		trimmed := strings.TrimSpace(part.str)
		if trimmed == "" {
			return "", fmt.Errorf("string segment cannot be empty")
		}
		return trimmed, nil
	}
}
