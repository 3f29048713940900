package scan

// statusTransitions defines the valid lifecycle transitions. Completed is
// strictly terminal; failed is recoverable only through the explicit retry
// operation, which resets the record for a fresh dispatch.
var statusTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {StatusPending}, // retry only
}

// ValidateTransition checks whether from -> to is a permitted lifecycle
// transition.
func ValidateTransition(from, to Status) error {
	for _, s := range statusTransitions[from] {
		if s == to {
			return nil
		}
	}
	return ErrInvalidTransition
}
