// Package scheduler implements the per-process Scheduler (spec.md §4.5):
// the collaborator that turns a submitted computation into a DAG of
// tasks, consumes worker-returned results, and produces the next wave.
// The teacher's pkg/scheduler solves resource placement, a different
// concern moved to pkg/workerpool; this package instead interprets a
// small expression language over the Task Manager.
package scheduler

import "github.com/Codesmith28/mbrace/pkg/mbrace"

// Expr is a node in the computation DAG a process body compiles down to.
type Expr interface{ isExpr() }

// Leaf is a single dispatchable unit of work; Body is the opaque payload
// handed to a worker unchanged.
type Leaf struct {
	Body []byte
}

// Parallel runs every child concurrently; the aggregate result is the
// ordered list of each child's result.
type Parallel struct {
	Children []Expr
}

// Bind runs First to completion, then evaluates Continue with First's
// result to produce the rest of the computation.
type Bind struct {
	First    Expr
	Continue func(mbrace.Result) Expr
}

// Choice runs every branch concurrently; the first to succeed wins and
// its siblings are cancelled. If every branch faults, the last fault
// observed is reported.
type Choice struct {
	Branches []Expr
}

func (Leaf) isExpr()     {}
func (Parallel) isExpr() {}
func (Bind) isExpr()     {}
func (Choice) isExpr()   {}
