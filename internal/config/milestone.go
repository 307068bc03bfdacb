package config

import "fmt"

// Milestone selects how far down the validate/download/exec pipeline
// a capsule invocation is allowed to travel, independent of whether
// the inputs actually hit cache. It's a rollout lever: a capsule can
// be wired up end to end while still running for real every time.
type Milestone int

const (
	// Placebo looks the inputs up but never uses a cache hit: the
	// command always runs, and its result is still published, so the
	// cache can be warmed and compared without affecting the build.
	Placebo Milestone = iota
	// BluePill is accepted as a setting; the wrapper treats it like
	// RedPill (only Placebo disqualifies a hit).
	BluePill
	// OrangePill is accepted as a setting; the wrapper treats it like
	// RedPill (only Placebo disqualifies a hit).
	OrangePill
	// RedPill is full operation: hits are trusted and returned
	// without re-executing.
	RedPill
)

func (m Milestone) String() string {
	switch m {
	case Placebo:
		return "placebo"
	case BluePill:
		return "bluepill"
	case OrangePill:
		return "orangepill"
	case RedPill:
		return "redpill"
	default:
		return fmt.Sprintf("Milestone(%d)", int(m))
	}
}

// ParseMilestone parses the --milestone flag/config value.
func ParseMilestone(s string) (Milestone, error) {
	switch s {
	case "", "placebo":
		return Placebo, nil
	case "bluepill":
		return BluePill, nil
	case "orangepill":
		return OrangePill, nil
	case "redpill":
		return RedPill, nil
	default:
		return Placebo, fmt.Errorf("unknown milestone %q: want one of placebo, bluepill, orangepill, redpill", s)
	}
}
