package scheduler

import (
	"encoding/json"
	"fmt"

	"github.com/Codesmith28/mbrace/pkg/mbraceerr"
)

// wireExpr is the JSON wire encoding of an Expr tree submitted as a
// ProcessImage.Body. Bind has no wire representation since its Continue
// field is a Go closure with no serializable form; a submitted
// computation is built from Leaf, Parallel, and Choice only. Bind stays
// available to code that constructs an Expr directly against this
// package (the combinator language's compiler is out of scope, per
// SPEC_FULL.md's opaque-ProcessBody treatment).
type wireExpr struct {
	Kind     string     `json:"kind"`
	Body     []byte     `json:"body,omitempty"`
	Children []wireExpr `json:"children,omitempty"`
}

// CompileBody decodes a client-submitted ProcessImage.Body into an Expr
// tree the Interpreter can run. A malformed or unrecognized body is a
// UserError (spec §7: invalid submission surfaces to the client without
// touching the rest of the cluster).
func CompileBody(body []byte) (Expr, error) {
	var w wireExpr
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, &mbraceerr.UserError{Err: fmt.Errorf("scheduler: failed to decode process body: %w", err)}
	}
	return compileNode(w)
}

func compileNode(w wireExpr) (Expr, error) {
	switch w.Kind {
	case "leaf":
		return Leaf{Body: w.Body}, nil
	case "parallel":
		children, err := compileChildren(w.Children)
		if err != nil {
			return nil, err
		}
		return Parallel{Children: children}, nil
	case "choice":
		branches, err := compileChildren(w.Children)
		if err != nil {
			return nil, err
		}
		return Choice{Branches: branches}, nil
	default:
		return nil, &mbraceerr.UserError{Err: fmt.Errorf("scheduler: unknown expr kind %q", w.Kind)}
	}
}

func compileChildren(ws []wireExpr) ([]Expr, error) {
	out := make([]Expr, len(ws))
	for i, w := range ws {
		e, err := compileNode(w)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}
