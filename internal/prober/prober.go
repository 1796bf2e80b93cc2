// Package prober discovers the newest published issue by walking forward from a known
// issue until consecutive issues are missing.
package prober

import (
	"context"
	"log/slog"
)

// DefaultMissThreshold is the number of consecutive absent issues that ends a probe.
// A single miss is tolerated as a numbering gap.
const DefaultMissThreshold = 2

// ExistenceChecker reports whether an issue is currently published. The error return is
// reserved for cancellation; network trouble is reported as "does not exist".
type ExistenceChecker interface {
	Exists(ctx context.Context, number int) (bool, error)
}

// ExistsFunc adapts a plain function to ExistenceChecker.
type ExistsFunc func(ctx context.Context, number int) (bool, error)

// Exists calls f.
func (f ExistsFunc) Exists(ctx context.Context, number int) (bool, error) {
	return f(ctx, number)
}

// Prober finds the latest published issue.
type Prober struct {
	checker       ExistenceChecker
	floor         int
	missThreshold int
	logger        *slog.Logger
}

// New creates a Prober that never answers below floor. missThreshold < 1 falls back to
// DefaultMissThreshold.
func New(checker ExistenceChecker, floor, missThreshold int, logger *slog.Logger) *Prober {
	if missThreshold < 1 {
		missThreshold = DefaultMissThreshold
	}
	return &Prober{checker: checker, floor: floor, missThreshold: missThreshold, logger: logger}
}

// FindLatest probes issues after startingIssue and returns the highest one found, or
// max(floor, startingIssue) if none are. Probing stops after missThreshold consecutive
// absent issues. Issues inside a tolerated gap are skipped over when a later one exists.
func (p *Prober) FindLatest(ctx context.Context, startingIssue int) (int, error) {
	current := max(p.floor, startingIssue)
	misses := 0
	probes := 0
	p.logger.Info("Probing for latest published issue.", slog.Int("start", current), slog.Int("miss_threshold", p.missThreshold))

	for misses < p.missThreshold {
		candidate := current + misses + 1
		probes++
		found, err := p.checker.Exists(ctx, candidate)
		if err != nil {
			p.logger.Warn("Latest-issue probe interrupted.", slog.Int("issue", candidate), "error", err)
			return current, err
		}
		if found {
			p.logger.Debug("Issue is published.", slog.Int("issue", candidate))
			current = candidate
			misses = 0
			continue
		}
		misses++
		p.logger.Debug("Issue not found.", slog.Int("issue", candidate), slog.Int("consecutive_misses", misses))
	}

	p.logger.Info("Latest published issue resolved.", slog.Int("latest", current), slog.Int("probes", probes))
	return current, nil
}
