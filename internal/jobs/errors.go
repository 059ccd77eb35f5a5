// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package jobs

import "errors"

// TerminalError marks a handler failure that must not be retried:
// revoked credentials, unknown job kinds, schema violations. The dispatcher
// moves the job straight to terminal error instead of scheduling a retry.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err so the retry policy treats it as non-retryable.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IsTerminal reports whether err or any wrapped cause is terminal.
func IsTerminal(err error) bool {
	var t *TerminalError
	return errors.As(err, &t)
}

// ErrCanceled is returned by a handler that observed a cooperative cancel
// request at a checkpoint. The dispatcher finishes the job as canceled
// rather than errored.
var ErrCanceled = errors.New("job canceled")

// ErrNotFound is returned by lookups for a job id that does not exist.
var ErrNotFound = errors.New("job not found")

// ErrNotCancelable is returned when a cancel targets a job already in a
// terminal state.
var ErrNotCancelable = errors.New("job already finished")
