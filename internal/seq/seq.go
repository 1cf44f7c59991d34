// Package seq runs a sequence of cleanup/commit steps that must all
// execute regardless of earlier failures, collecting every error
// instead of stopping at the first one.
//
// Adapted from the teacher's continuity package: where continuity
// short-circuits after the first failing step, Close sequences in
// this module (draining a write buffer, then closing the underlying
// file; closing a grid stream, then a particle stream, then the
// header) must still attempt every step so a failure in one does not
// leak a file descriptor held by another.
package seq

import "strings"

// Errors aggregates every error produced by a Chain's steps, in the
// order they occurred.
type Errors []error

func (e Errors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	parts := make([]string, len(e))
	for i, err := range e {
		parts[i] = err.Error()
	}
	return "multiple errors: " + strings.Join(parts, "; ")
}

// Chain runs every step it is given via Run, even after a prior step
// failed, and reports the aggregate error via Err.
type Chain struct {
	errs Errors
}

// New returns an empty Chain.
func New() *Chain { return &Chain{} }

// Run executes step unconditionally and records its error, if any.
// name is attached to nothing programmatically; it exists so call
// sites read like a log of what happened.
func (c *Chain) Run(name string, step func() error) *Chain {
	if err := step(); err != nil {
		c.errs = append(c.errs, err)
	}
	return c
}

// Err returns nil if every step succeeded, the single error if
// exactly one step failed, or an Errors aggregate otherwise.
func (c *Chain) Err() error {
	if len(c.errs) == 0 {
		return nil
	}
	if len(c.errs) == 1 {
		return c.errs[0]
	}
	return c.errs
}

// First returns the first error recorded, or nil.
func (c *Chain) First() error {
	if len(c.errs) == 0 {
		return nil
	}
	return c.errs[0]
}
