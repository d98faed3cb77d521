/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 MeshTalk Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package session

import (
	"errors"
	"fmt"
)

// ErrCallInProgress is returned when StartCall is invoked while another
// session is active.
var ErrCallInProgress = errors.New("session: a call is already in progress")

// ErrNoActiveCall is returned by HangUp when there is nothing to hang up.
var ErrNoActiveCall = errors.New("session: no active call")

// ErrNotRinging is returned by AcceptIncoming/RejectIncoming when no
// incoming call is waiting.
var ErrNotRinging = errors.New("session: no incoming call to act on")

// CallError couples a failure with the end reason recorded on the session.
// It is returned from the operations that terminated a call; the same
// reason is delivered to subscribers in the ended event, never thrown
// across the session boundary.
type CallError struct {
	Reason EndReason
	Err    error
}

// Error implements the error interface.
func (e *CallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("call ended (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("call ended (%s)", e.Reason)
}

// Unwrap returns the wrapped error, if any.
func (e *CallError) Unwrap() error {
	return e.Err
}

// ReasonOf extracts the end reason from an error chain. The second return
// is false when err carries no CallError.
func ReasonOf(err error) (EndReason, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Reason, true
	}
	return "", false
}
