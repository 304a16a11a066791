// Package broker collects the error vocabulary shared across the
// scheduler, catalog, runtime adapter and HTTP layers (spec §7), and
// hosts the Broker façade that cmd/broker wires up.
package broker

import "errors"

// Error kinds from spec §7. Layers wrap these with fmt.Errorf("...: %w", Err*)
// to add context; the HTTP layer unwraps with errors.Is to pick a status code.
var (
	// ErrUnknownChallenge: caller referenced a challenge not in the Catalog.
	ErrUnknownChallenge = errors.New("unknown challenge")
	// ErrAlreadyAssigned: user already has a live assignment.
	ErrAlreadyAssigned = errors.New("user already assigned")
	// ErrForbidden: reset/detach referencing an instance the user is not on.
	ErrForbidden = errors.New("forbidden")
	// ErrMissingField: incomplete add-challenge payload.
	ErrMissingField = errors.New("missing field")
	// ErrBuildFailed: image build failed.
	ErrBuildFailed = errors.New("build failed")
	// ErrRuntimeUnavailable: the container runtime could not service a request.
	ErrRuntimeUnavailable = errors.New("runtime unavailable")
	// ErrNoPortAvailable: port allocation exhausted its collision budget.
	ErrNoPortAvailable = errors.New("no port available")
	// ErrNotFound: an id lookup missed.
	ErrNotFound = errors.New("not found")
)
