// Package mbraceerr implements the error taxonomy of spec §7 as typed Go
// errors, so error kinds are distinct types errors.As can tell apart
// instead of string matching. The Process Manager does not dispatch on
// them; it returns them to the client as they are.
package mbraceerr

import "fmt"

// UserError is an invalid submission or a serialization failure of the
// user computation. Surfaced to the client as-is; the process transitions
// to Failed with an InitError result.
type UserError struct{ Err error }

func (e *UserError) Error() string { return fmt.Sprintf("user error: %v", e.Err) }
func (e *UserError) Unwrap() error { return e.Err }

// TransientWorkerError is a communication failure or worker crash caught
// at the dispatch site. Never surfaced to the client: the Task Manager
// converts it into a RetryTask.
type TransientWorkerError struct{ Err error }

func (e *TransientWorkerError) Error() string { return fmt.Sprintf("transient worker error: %v", e.Err) }
func (e *TransientWorkerError) Unwrap() error { return e.Err }

// ActivationError is a recoverable cluster error: activation of a
// per-process component failed. Surfaced to the client as a typed
// exception; the cluster is not torn down.
type ActivationError struct{ Err error }

func (e *ActivationError) Error() string { return fmt.Sprintf("activation failed: %v", e.Err) }
func (e *ActivationError) Unwrap() error { return e.Err }

// BroadcastFailure is returned by the Task Log when fewer than
// replicationFactor peers ack a SyncReplicated write, or a quorum timeout
// expires.
type BroadcastFailure struct{ Err error }

func (e *BroadcastFailure) Error() string { return fmt.Sprintf("broadcast failure: %v", e.Err) }
func (e *BroadcastFailure) Unwrap() error { return e.Err }

// SystemFault is an unrecoverable condition in the process-management
// plane. The Process Manager replies with it after triggerSystemFault
// (deactivate self, signal cluster-wide FailCluster) when
// CreateDynamicProcess panics, and for every create after that. The Task
// Log also returns it (write on a non-leader, corrupt log); that return
// value is passed back to the caller as an ordinary error and does not
// trigger triggerSystemFault, and neither does a BroadcastFailure.
type SystemFault struct{ Err error }

func (e *SystemFault) Error() string { return fmt.Sprintf("system fault: %v", e.Err) }
func (e *SystemFault) Unwrap() error { return e.Err }
