package tasklog

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/Codesmith28/mbrace/pkg/mbrace"
)

// command is the envelope applied through the raft log, mirroring the
// op/data shape cuemby-warren's WarrenFSM uses for its Apply switch.
type command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opLog   = "log"
	opUnlog = "unlog"
)

// fsm is the raft.FSM backing the replicated Task Log: every Log/Unlog
// call is first appended to the raft log, then applied here on every
// member, keeping entries identical across the cluster.
type fsm struct {
	mu      sync.RWMutex
	entries map[mbrace.TaskId]mbrace.TaskLogEntry
}

func newFSM() *fsm {
	return &fsm{entries: make(map[mbrace.TaskId]mbrace.TaskLogEntry)}
}

func (f *fsm) Apply(l *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("tasklog: failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opLog:
		var entries []mbrace.TaskLogEntry
		if err := json.Unmarshal(cmd.Data, &entries); err != nil {
			return err
		}
		for _, entry := range entries {
			f.entries[entry.TaskId] = entry
		}
		return nil

	case opUnlog:
		var taskIds []mbrace.TaskId
		if err := json.Unmarshal(cmd.Data, &taskIds); err != nil {
			return err
		}
		for _, id := range taskIds {
			delete(f.entries, id)
		}
		return nil

	default:
		return fmt.Errorf("tasklog: unknown command op %q", cmd.Op)
	}
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries := make([]mbrace.TaskLogEntry, 0, len(f.entries))
	for _, e := range f.entries {
		entries = append(entries, e)
	}
	return &fsmSnapshot{entries: entries}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var entries []mbrace.TaskLogEntry
	if err := json.NewDecoder(rc).Decode(&entries); err != nil {
		return fmt.Errorf("tasklog: failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries = make(map[mbrace.TaskId]mbrace.TaskLogEntry, len(entries))
	for _, e := range entries {
		f.entries[e.TaskId] = e
	}
	return nil
}

// readers used by TaskLog's query operations; called directly, bypassing
// raft since reads don't need to go through the log.

func (f *fsm) get(taskId mbrace.TaskId) (mbrace.TaskLogEntry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.entries[taskId]
	return e, ok
}

func (f *fsm) byWorker(workerId string) []mbrace.TaskLogEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []mbrace.TaskLogEntry
	for _, e := range f.entries {
		if e.Worker.Id == workerId {
			out = append(out, e)
		}
	}
	return out
}

func (f *fsm) byProcess(processId mbrace.ProcessId) []mbrace.TaskLogEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []mbrace.TaskLogEntry
	for _, e := range f.entries {
		if e.Payload.ProcessId == processId {
			out = append(out, e)
		}
	}
	return out
}

func (f *fsm) siblings(parentTaskId mbrace.TaskId) []mbrace.TaskLogEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []mbrace.TaskLogEntry
	for _, e := range f.entries {
		if e.ParentTaskId == parentTaskId {
			out = append(out, e)
		}
	}
	return out
}

func (f *fsm) count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

type fsmSnapshot struct {
	entries []mbrace.TaskLogEntry
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		enc := json.NewEncoder(sink)
		if err := enc.Encode(s.entries); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
