// Package mbrace defines the core data model shared by every component of
// the distributed task-execution subsystem: process and task identifiers,
// the task payload and log entry shapes, worker references, and the
// terminal result envelope.
package mbrace

import "time"

// ProcessId uniquely identifies a submitted computation within the cluster.
type ProcessId string

// TaskId uniquely identifies a single dispatched unit of work.
type TaskId string

// ClientRequestId is the client-supplied idempotency token for
// CreateDynamicProcess; the Process Manager deduplicates on this, not on
// ProcessId.
type ClientRequestId string

// DependencyManifest is an opaque list of assembly/dependency ids resolved
// by the out-of-scope code-distribution subsystem.
type DependencyManifest []string

// TaskPayload is created by the Scheduler and consumed by a worker.
type TaskPayload struct {
	ProcessId ProcessId
	TaskId    TaskId
	ParentId  TaskId // empty for a root task
	Body      []byte // opaque; interpreted by the worker-side runtime
	Deps      DependencyManifest
}

// Permissions is a bit set over what a node is allowed to host.
type Permissions uint8

const (
	PermNone   Permissions = 0
	PermSlave  Permissions = 1 << 0
	PermMaster Permissions = 1 << 1
	PermAll    Permissions = PermSlave | PermMaster
)

func (p Permissions) CanExecuteTasks() bool { return p&PermSlave != 0 }
func (p Permissions) CanHostManagers() bool { return p&PermMaster != 0 }

func (p Permissions) String() string {
	switch p {
	case PermNone:
		return "None"
	case PermSlave:
		return "Slave"
	case PermMaster:
		return "Master"
	case PermAll:
		return "All"
	default:
		return "Unknown"
	}
}

// NodeType classifies a cluster member for the admin surface (spec §6).
type NodeType int

const (
	NodeMaster NodeType = iota
	NodeAlt
	NodeSlave
	NodeIdle
)

func (t NodeType) String() string {
	switch t {
	case NodeMaster:
		return "Master"
	case NodeAlt:
		return "Alt"
	case NodeSlave:
		return "Slave"
	case NodeIdle:
		return "Idle"
	default:
		return "Unknown"
	}
}

// WorkerRef names a node capable of executing tasks and the permissions it
// currently holds. Membership-managed: it may appear or disappear from the
// Worker Pool at any time.
type WorkerRef struct {
	Id          string
	Address     string
	Permissions Permissions

	// LoadFactor is the worker's self-reported system load (0 idle and
	// up), refreshed on every heartbeat. The Worker Pool weighs it
	// alongside assigned-task count when selecting among otherwise
	// equally-loaded workers (spec §4.2: "selection balances load").
	LoadFactor float64
}

// TaskLogEntry is the unit of record in the replicated Task Log.
type TaskLogEntry struct {
	TaskId       TaskId
	ParentTaskId TaskId // empty for a root task
	Worker       WorkerRef
	Payload      TaskPayload
}

// ProcessState is the monotone per-process lifecycle state (spec §3).
// Recovering is a transient overlay only meaningful while Running.
type ProcessState int

const (
	ProcessInitialized ProcessState = iota
	ProcessCreated
	ProcessRunning
	ProcessRecovering
	ProcessCompleted
	ProcessFailed
	ProcessKilled
)

func (s ProcessState) String() string {
	switch s {
	case ProcessInitialized:
		return "Initialized"
	case ProcessCreated:
		return "Created"
	case ProcessRunning:
		return "Running"
	case ProcessRecovering:
		return "Recovering"
	case ProcessCompleted:
		return "Completed"
	case ProcessFailed:
		return "Failed"
	case ProcessKilled:
		return "Killed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the state ends a process's lifecycle.
func (s ProcessState) Terminal() bool {
	switch s {
	case ProcessCompleted, ProcessFailed, ProcessKilled:
		return true
	default:
		return false
	}
}

// ResultKind discriminates the terminal outcome of a process or task.
type ResultKind int

const (
	ResultInitError ResultKind = iota
	ResultFault
	ResultSuccess
	ResultKilled
)

// Result is the terminal outcome produced by a worker, or by the Process
// Manager on kill. Exactly one of Err/Value is meaningful per Kind.
type Result struct {
	Kind  ResultKind
	Err   string
	Value []byte
}

func SuccessResult(value []byte) Result { return Result{Kind: ResultSuccess, Value: value} }
func FaultResult(err string) Result     { return Result{Kind: ResultFault, Err: err} }
func InitErrorResult(err string) Result { return Result{Kind: ResultInitError, Err: err} }
func KilledResult() Result              { return Result{Kind: ResultKilled} }

// ProcessRecord is the Process Manager's durable view of one process.
type ProcessRecord struct {
	Id         ProcessId
	RequestId  ClientRequestId
	Name       string
	ReturnType string
	Deps       DependencyManifest
	State      ProcessState
	InitTime   time.Time
	ExecTime   time.Time
	Result     *Result
}

// ProcessImage is the client-submitted description of a computation.
type ProcessImage struct {
	Name       string
	Body       []byte
	ReturnType string
	TypeName   string
	ClientId   string
	Deps       DependencyManifest
}
