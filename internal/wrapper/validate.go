package wrapper

import (
	"github.com/bmatcuk/doublestar/v4"

	"github.com/valeryz/capsules/internal/config"
	"github.com/valeryz/capsules/internal/iohashing"
	"github.com/valeryz/capsules/internal/wpath"
)

// validate runs the four disqualifiers in order (SPEC_FULL.md §4.4).
// Disqualifier 4 (download failure) is checked separately by
// download, which validate does not attempt.
func (e *Engine) validate(cfg *config.Config, record *iohashing.InputOutputBundle) bool {
	if cfg.Milestone == config.Placebo {
		e.logger().Debug("placebo milestone: ignoring cache hit for capsule %q", cfg.CapsuleID)
		return false
	}

	if !cfg.AllowCachedFailure {
		if code, ok := cachedExitCode(record); ok && code != 0 {
			e.logger().Debug("cached exit code %d for capsule %q is non-zero and cache_failure is disabled: ignoring hit", code, cfg.CapsuleID)
			return false
		}
	}

	if !outputPatternsMatch(cfg.OutputFiles, record) {
		e.logger().Debug("output pattern mismatch for capsule %q: ignoring hit", cfg.CapsuleID)
		return false
	}

	return true
}

// cachedExitCode extracts the ExitCode output from a record, if any.
func cachedExitCode(record *iohashing.InputOutputBundle) (int, bool) {
	for _, item := range record.Outputs.Items {
		if item.Output.Kind == iohashing.OutputExitCode {
			return item.Output.Code, true
		}
	}
	return 0, false
}

// outputPatternsMatch implements the symmetric predicate from
// SPEC_FULL.md §9's Open Question decision: every cached output file
// path must match at least one configured pattern, AND every pattern
// must match at least one cached path. A subset match either way is
// rejected, matching the reference behavior.
func outputPatternsMatch(patterns []string, record *iohashing.InputOutputBundle) bool {
	var cachedPaths []string
	for _, item := range record.Outputs.Items {
		if item.Output.Kind == iohashing.OutputFile {
			cachedPaths = append(cachedPaths, wpath.New(item.Output.Path).String())
		}
	}

	if len(patterns) == 0 && len(cachedPaths) == 0 {
		return true
	}

	patternMatched := make([]bool, len(patterns))
	for _, path := range cachedPaths {
		matchedAny := false
		for i, pattern := range patterns {
			norm := wpath.New(pattern).String()
			ok, err := doublestar.Match(norm, path)
			if err == nil && ok {
				matchedAny = true
				patternMatched[i] = true
			}
		}
		if !matchedAny {
			return false
		}
	}
	for _, matched := range patternMatched {
		if !matched {
			return false
		}
	}
	return true
}
