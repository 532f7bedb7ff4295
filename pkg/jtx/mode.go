package jtx

import (
	"fmt"
	"time"
)

// Propagation describes how a call site's transaction relates to the ambient one.
type Propagation uint8

const (
	// PropagationRequired joins the ambient transaction or creates a new one.
	PropagationRequired Propagation = iota
	// PropagationSupports joins the ambient transaction or runs without one.
	PropagationSupports
	// PropagationMandatory joins the ambient transaction; fails without one.
	PropagationMandatory
	// PropagationRequiresNew always creates a new transaction, suspending the ambient one.
	PropagationRequiresNew
	// PropagationNotSupported suspends the ambient transaction and runs without one.
	PropagationNotSupported
	// PropagationNever runs without a transaction; fails if one is ambient.
	PropagationNever
)

func (p Propagation) String() string {
	switch p {
	case PropagationRequired:
		return "REQUIRED"
	case PropagationSupports:
		return "SUPPORTS"
	case PropagationMandatory:
		return "MANDATORY"
	case PropagationRequiresNew:
		return "REQUIRES_NEW"
	case PropagationNotSupported:
		return "NOT_SUPPORTED"
	case PropagationNever:
		return "NEVER"
	default:
		return fmt.Sprintf("Propagation(%d)", p)
	}
}

// Isolation is an opaque hint passed through to resources.
type Isolation uint8

const (
	IsolationDefault Isolation = iota
	IsolationNone
	IsolationReadUncommitted
	IsolationReadCommitted
	IsolationRepeatableRead
	IsolationSerializable
)

func (i Isolation) String() string {
	switch i {
	case IsolationDefault:
		return "DEFAULT"
	case IsolationNone:
		return "NONE"
	case IsolationReadUncommitted:
		return "READ_UNCOMMITTED"
	case IsolationReadCommitted:
		return "READ_COMMITTED"
	case IsolationRepeatableRead:
		return "REPEATABLE_READ"
	case IsolationSerializable:
		return "SERIALIZABLE"
	default:
		return fmt.Sprintf("Isolation(%d)", i)
	}
}

// Mode describes how a call site wants to participate in a transaction.
// Mode is a value; the With* methods return modified copies.
type Mode struct {
	propagation Propagation
	isolation   Isolation
	readOnly    bool
	timeout     int // seconds, 0 = none
}

// NewMode returns a mode with default isolation and no timeout.
func NewMode(propagation Propagation, readOnly bool) Mode {
	return Mode{propagation: propagation, readOnly: readOnly}
}

// Required is shorthand for a read-write REQUIRED mode.
func Required() Mode { return NewMode(PropagationRequired, false) }

// RequiresNew is shorthand for a read-write REQUIRES_NEW mode.
func RequiresNew() Mode { return NewMode(PropagationRequiresNew, false) }

func (m Mode) Propagation() Propagation { return m.propagation }
func (m Mode) Isolation() Isolation { return m.isolation }
func (m Mode) ReadOnly() bool { return m.readOnly }
func (m Mode) TimeoutSeconds() int { return m.timeout }

// Timeout returns the timeout as a duration; zero means no timeout.
func (m Mode) Timeout() time.Duration {
	return time.Duration(m.timeout) * time.Second
}

func (m Mode) WithPropagation(p Propagation) Mode {
	m.propagation = p
	return m
}

func (m Mode) WithIsolation(i Isolation) Mode {
	m.isolation = i
	return m
}

func (m Mode) WithReadOnly(readOnly bool) Mode {
	m.readOnly = readOnly
	return m
}

// WithTimeout sets the timeout in seconds. Negative values are treated as 0.
func (m Mode) WithTimeout(seconds int) Mode {
	if seconds < 0 {
		seconds = 0
	}
	m.timeout = seconds
	return m
}

func (m Mode) String() string {
	return fmt.Sprintf("jtx{%s,%s,readOnly=%t,timeout=%d}",
		m.propagation, m.isolation, m.readOnly, m.timeout)
}
