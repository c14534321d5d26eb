package step

import (
	"errors"
	"fmt"
)

// ErrInterruptNotSupported is the cause reported by RunInline when it meets
// an interrupting step.
var ErrInterruptNotSupported = errors.New("interrupting steps are not supported by the inline executor")

// StepError carries the name of the failed step and the original cause.
type StepError struct {
	Step  string
	Cause error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("Step %q failed: %v", e.Step, e.Cause)
}

func (e *StepError) Unwrap() error { return e.Cause }

// ConfigError reports a step whose Spec could not be resolved.
type ConfigError struct {
	Step  string
	Cause error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("specification of step %q does not produce a step: %v", e.Step, e.Cause)
}

func (e *ConfigError) Unwrap() error { return e.Cause }
