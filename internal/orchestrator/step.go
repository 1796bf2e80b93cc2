package orchestrator

// Step is the decision taken after one issue has been handled.
type Step int

const (
	// Continue means the issue was merged.
	Continue Step = iota
	// SkipAndContinue means the issue was skipped and the next one should be tried.
	SkipAndContinue
	// SkipAndStop means the issue was skipped and the build should stop.
	SkipAndStop
)

func (s Step) String() string {
	switch s {
	case Continue:
		return "continue"
	case SkipAndContinue:
		return "skip"
	case SkipAndStop:
		return "skip-and-stop"
	default:
		return "unknown"
	}
}

// decide maps the result of one issue onto the next step.
func decide(err error, stopOnFirstSkip bool) Step {
	switch {
	case err == nil:
		return Continue
	case stopOnFirstSkip:
		return SkipAndStop
	default:
		return SkipAndContinue
	}
}
