package ids

import (
	"sort"
	"strings"
	"testing"
)

func TestIDPrefixes(t *testing.T) {
	cases := []struct {
		id     string
		prefix string
	}{
		{NewTaskID(), TaskPrefix},
		{NewEventID(), EventPrefix},
		{NewArtifactID(), ArtifactPrefix},
		{NewInstanceID(), InstancePrefix},
	}
	for _, c := range cases {
		if !strings.HasPrefix(c.id, c.prefix) {
			t.Fatalf("id %q missing prefix %q", c.id, c.prefix)
		}
		if len(c.id) <= len(c.prefix) {
			t.Fatalf("id %q has no body", c.id)
		}
	}
}

// UUIDv7 ids generated in sequence sort in generation order, which is
// what makes id ordering a usable tiebreaker in merged event streams.
func TestTaskIDsAreTimeOrdered(t *testing.T) {
	var generated []string
	for i := 0; i < 50; i++ {
		generated = append(generated, NewTaskID())
	}
	if !sort.StringsAreSorted(generated) {
		t.Fatal("sequentially generated ids are not lexicographically ordered")
	}
}

func TestUniqueIDs(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := NewEventID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestValidActor(t *testing.T) {
	valid := []string{"human:alice", "agent:claude", "service:ci-runner", "bot:x_1"}
	for _, a := range valid {
		if !ValidActor(a) {
			t.Fatalf("%q should be a valid actor", a)
		}
	}
	invalid := []string{"", "alice", "human:", ":alice", "Human:alice", "human:a b"}
	for _, a := range invalid {
		if ValidActor(a) {
			t.Fatalf("%q should be rejected", a)
		}
	}
	if err := CheckActor("nope"); err == nil {
		t.Fatal("CheckActor should reject bare names")
	}
	if err := CheckActor("human:alice"); err != nil {
		t.Fatalf("CheckActor: %v", err)
	}
}

func TestProjectCodes(t *testing.T) {
	if !ValidProjectCode("LAT") || !ValidProjectCode("A") || !ValidProjectCode("ABCDE") {
		t.Fatal("expected codes to be valid")
	}
	for _, code := range []string{"", "ABCDEF", "LA1", "la-t"} {
		if ValidProjectCode(code) {
			t.Fatalf("%q should be rejected", code)
		}
	}
	if got := NormalizeProjectCode(" lat "); got != "LAT" {
		t.Fatalf("NormalizeProjectCode = %q, want LAT", got)
	}
}
