package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrDisconnected is reported when the store's message stream ends
	// without the broker having been closed. Messages may have been lost,
	// so the process should not keep serving from its replicas.
	ErrDisconnected = errors.New("broker lost its store connection")

	// ErrClosed is returned by operations on a closed broker.
	ErrClosed = errors.New("broker closed")

	// ErrUnknownScript is returned by Call for a name that was never registered.
	ErrUnknownScript = errors.New("unknown script")
)

// ArityError is returned when a script is called with fewer arguments than
// it declares. It is raised before any store call.
type ArityError struct {
	Script string
	Want   int
	Got    int
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("script %s: want at least %d args, got %d", e.Script, e.Want, e.Got)
}

// ScriptRegistrationError is returned when the store rejects a script or
// reports a digest other than the one computed locally. Startup must abort.
type ScriptRegistrationError struct {
	Err  error
	Name string
	Want string
	Got  string
}

func (e *ScriptRegistrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("register script %s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("register script %s: store digest %s, want %s", e.Name, e.Got, e.Want)
}

func (e *ScriptRegistrationError) Unwrap() error { return e.Err }
