// Package ids generates the store's identifiers. UUIDv7 gives globally
// unique, millisecond-ordered values whose canonical string form sorts
// lexicographically by creation time, which is all the event log needs.
package ids

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	TaskPrefix     = "task_"
	EventPrefix    = "ev_"
	ArtifactPrefix = "art_"
	InstancePrefix = "inst_"
)

var (
	actorRe       = regexp.MustCompile(`^[a-z][a-z0-9_-]*:[^\s:]+$`)
	projectCodeRe = regexp.MustCompile(`^[A-Z]{1,5}$`)
)

func newV7() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the random source does; fall back to v4
		// rather than panic in a CLI path.
		return uuid.NewString()
	}
	return id.String()
}

// NewTaskID returns a fresh task identifier.
func NewTaskID() string { return TaskPrefix + newV7() }

// NewEventID returns a fresh event identifier.
func NewEventID() string { return EventPrefix + newV7() }

// NewArtifactID returns a fresh artifact identifier.
func NewArtifactID() string { return ArtifactPrefix + newV7() }

// NewInstanceID returns a fresh instance identifier for config bootstrap.
func NewInstanceID() string { return InstancePrefix + newV7() }

// ValidActor reports whether actor matches the kind:name identity format
// (e.g. human:ada, agent:claude).
func ValidActor(actor string) bool {
	return actorRe.MatchString(actor)
}

// CheckActor validates an actor identity and returns a descriptive error.
func CheckActor(actor string) error {
	if actor == "" {
		return fmt.Errorf("actor identity is required (e.g. human:ada)")
	}
	if !ValidActor(actor) {
		return fmt.Errorf("invalid actor %q: expected kind:name (e.g. human:ada, agent:claude)", actor)
	}
	return nil
}

// ValidProjectCode reports whether code is 1-5 uppercase ASCII letters.
func ValidProjectCode(code string) bool {
	return projectCodeRe.MatchString(code)
}

// NormalizeProjectCode upper-cases and trims a user-supplied code.
func NormalizeProjectCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
