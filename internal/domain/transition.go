package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for an edge the state machine does not have.
var ErrInvalidTransition = errors.New("invalid incident transition")

var allowedTransitions = map[IncidentStatus]map[IncidentStatus]struct{}{
	IncidentStatusDetected: {
		IncidentStatusDiagnosing: {},
		IncidentStatusFailed:     {},
	},
	IncidentStatusDiagnosing: {
		IncidentStatusFixing:     {},
		IncidentStatusRolledBack: {},
		IncidentStatusFailed:     {},
	},
	IncidentStatusFixing: {
		IncidentStatusDeploying: {},
		IncidentStatusFailed:    {},
	},
	IncidentStatusDeploying: {
		IncidentStatusResolved:   {},
		IncidentStatusRolledBack: {},
		IncidentStatusFailed:     {},
	},
	IncidentStatusResolved:   {},
	IncidentStatusRolledBack: {},
	IncidentStatusFailed:     {},
}

// ValidateIncidentStatus rejects statuses outside the state machine.
func ValidateIncidentStatus(status IncidentStatus) error {
	if _, ok := allowedTransitions[status]; !ok {
		return fmt.Errorf("invalid incident status: %q", status)
	}
	return nil
}

// ValidateTransition checks that from -> to is an edge of the state machine.
func ValidateTransition(from, to IncidentStatus) error {
	if err := ValidateIncidentStatus(from); err != nil {
		return err
	}
	if err := ValidateIncidentStatus(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
