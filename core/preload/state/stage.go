package state

// Stage is one step of an identifier's preload pipeline.
type Stage string

const (
	Pending       Stage = "pending"
	TokenAcquired Stage = "token_acquired"
	Requested     Stage = "requested"
	Queued        Stage = "queued"
	Downloading   Stage = "downloading"
	Extracting    Stage = "extracting"
	Processing    Stage = "processing"
	Done          Stage = "done"
	Failed        Stage = "failed"
	TimedOut      Stage = "timed_out"
	Cancelled     Stage = "cancelled"
)

var (
	terminalStages = map[Stage]bool{
		Done:      true,
		Failed:    true,
		TimedOut:  true,
		Cancelled: true,
	}
	allowedTransitions = map[Stage][]Stage{
		Pending:       {TokenAcquired, Failed, Cancelled},
		TokenAcquired: {Requested, Failed, TimedOut, Cancelled},
		Requested:     {Queued, Failed, TimedOut, Cancelled},
		Queued:        {Requested, Downloading, Failed, TimedOut, Cancelled},
		Downloading:   {Requested, Extracting, Failed, TimedOut, Cancelled},
		Extracting:    {Processing, Failed, Cancelled},
		Processing:    {Done, Failed, Cancelled},
		Done:          {},
		Failed:        {},
		TimedOut:      {},
		Cancelled:     {},
	}
)

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	return terminalStages[s]
}

func (s Stage) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// IsAllowedTransition applies the pipeline order; re-entering the same stage
// is always allowed (poll loop, re-request).
func IsAllowedTransition(from, to Stage) bool {
	if from == to {
		return !from.Terminal()
	}
	allowed, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	for _, target := range allowed {
		if target == to {
			return true
		}
	}
	return false
}
