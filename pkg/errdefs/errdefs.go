// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package errdefs defines the kinds of fatal errors a training run can fail with.
//
// Per-step numerical problems (overflow skips, NaN losses) are not errors: they are reported
// in the step results and absorbed by the training loop.
package errdefs

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigError is returned during setup when the configuration is inconsistent: mismatched world size,
// a non-integral number of micro-batches, a non-positive seed, etc.
//
// It is always fatal, and all ranks are expected to fail with the same error since the configuration
// is the same everywhere.
type ConfigError struct {
	// Field is the name of the offending configuration option, if known.
	Field string
	msg   string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.msg
	}
	return fmt.Sprintf("configuration error in %q: %s", e.Field, e.msg)
}

// NewConfigError creates a ConfigError for the given field, with a formatted message.
// The returned error carries a stack trace.
func NewConfigError(field, format string, args ...any) error {
	return errors.WithStack(&ConfigError{Field: field, msg: fmt.Sprintf(format, args...)})
}

// CheckpointIOError is returned when reading or writing a checkpoint fails.
// A failed save aborts the run: continuing would leave persisted state out of sync with the training.
type CheckpointIOError struct {
	// Op is either "save" or "load".
	Op string

	// Iteration of the checkpoint being saved or loaded, -1 if not known.
	Iteration int64

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *CheckpointIOError) Error() string {
	if e.Iteration < 0 {
		return fmt.Sprintf("checkpoint %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("checkpoint %s of iteration %d failed: %v", e.Op, e.Iteration, e.Err)
}

// Unwrap returns the underlying cause.
func (e *CheckpointIOError) Unwrap() error { return e.Err }

// NewCheckpointIOError wraps err as a CheckpointIOError. It returns nil if err is nil.
func NewCheckpointIOError(op string, iteration int64, err error) error {
	if err == nil {
		return nil
	}
	return &CheckpointIOError{Op: op, Iteration: iteration, Err: err}
}

// IsConfig returns whether err (or any error it wraps) is a ConfigError.
func IsConfig(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}

// IsCheckpointIO returns whether err (or any error it wraps) is a CheckpointIOError.
func IsCheckpointIO(err error) bool {
	var target *CheckpointIOError
	return errors.As(err, &target)
}
