package domain

import "errors"

var (
	// ErrInvalidStepDefinition marks an authoring bug in a campaign's step
	// plan. Fatal to the action, never retried.
	ErrInvalidStepDefinition = errors.New("invalid step definition")

	// ErrNoIdentityAvailable and ErrNoProxyAvailable are resource-contention
	// conditions, not delivery failures. The message stays pending and is
	// picked up on a later scan without consuming its retry budget.
	ErrNoIdentityAvailable = errors.New("no identity available")
	ErrNoProxyAvailable    = errors.New("no proxy available")

	ErrStepsFrozen   = errors.New("steps are frozen once a recipient has progressed")
	ErrMissingFields = errors.New("missing required fields")
	ErrNotFound      = errors.New("not found")
)
