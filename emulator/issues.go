package emulator

import "github.com/cockroachdb/errors"

// Faults surfaced synchronously by lifecycle commands. They leave module
// state unchanged and never terminate the process; the host maps them onto
// its own issue reporting.
var (
	// ErrInvalidConfiguration marks a configuration document whose values
	// fail range validation.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrInvalidTriggerInterval marks a non-positive trigger interval at
	// start or resume.
	ErrInvalidTriggerInterval = errors.New("invalid trigger interval")

	// ErrBadState marks a command issued outside its precondition, e.g.
	// start before configure or resume while not paused.
	ErrBadState = errors.New("command not allowed in current state")
)

func invalidConfigurationf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidConfiguration, format, args...)
}

func invalidTriggerIntervalf(interval uint64) error {
	return errors.Wrapf(ErrInvalidTriggerInterval, "an invalid trigger interval of %d was requested", interval)
}

func badStatef(format string, args ...interface{}) error {
	return errors.Wrapf(ErrBadState, format, args...)
}
