package swap

var transitions = map[Status][]Status{
	StatusRequested:  {StatusHandshake, StatusFeePending, StatusCancelled, StatusExpired},
	StatusHandshake:  {StatusFeePending, StatusCancelled, StatusExpired},
	StatusFeePending: {StatusFeePaid, StatusRefunded},
	StatusFeePaid:    {StatusExecuting, StatusDisputed},
	StatusExecuting:  {StatusProofing, StatusDisputed},
	StatusProofing:   {StatusCompleted, StatusDisputed, StatusFailed},
	StatusDisputed:   {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the swap lifecycle.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal states never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// Active states are those a deadline applies to.
func (s Status) Active() bool {
	switch s {
	case StatusRequested, StatusHandshake, StatusFeePending, StatusFeePaid, StatusExecuting:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	if s.Terminal() {
		return true
	}
	_, ok := transitions[s]
	return ok
}

var activeStatuses = []Status{StatusRequested, StatusHandshake, StatusFeePending, StatusFeePaid, StatusExecuting}
