package jtx_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"txprop/pkg/jtx"
)

func TestNewMode_Defaults(t *testing.T) {
	m := jtx.NewMode(jtx.PropagationMandatory, true)

	assert.Equal(t, jtx.PropagationMandatory, m.Propagation())
	assert.Equal(t, jtx.IsolationDefault, m.Isolation())
	assert.True(t, m.ReadOnly())
	assert.Equal(t, 0, m.TimeoutSeconds())
	assert.Equal(t, time.Duration(0), m.Timeout())
}

func TestMode_WithReturnsCopy(t *testing.T) {
	base := jtx.Required()
	changed := base.
		WithIsolation(jtx.IsolationSerializable).
		WithReadOnly(true).
		WithTimeout(5).
		WithPropagation(jtx.PropagationRequiresNew)

	assert.Equal(t, jtx.Required(), base, "base mode must not change")
	assert.Equal(t, jtx.PropagationRequiresNew, changed.Propagation())
	assert.Equal(t, jtx.IsolationSerializable, changed.Isolation())
	assert.True(t, changed.ReadOnly())
	assert.Equal(t, 5*time.Second, changed.Timeout())
}

func TestMode_NegativeTimeout(t *testing.T) {
	assert.Equal(t, 0, jtx.Required().WithTimeout(-3).TimeoutSeconds())
}

func TestMode_String(t *testing.T) {
	m := jtx.RequiresNew().WithIsolation(jtx.IsolationReadCommitted).WithTimeout(2)
	assert.Equal(t, "jtx{REQUIRES_NEW,READ_COMMITTED,readOnly=false,timeout=2}", m.String())
	assert.Equal(t, "Propagation(42)", jtx.Propagation(42).String())
	assert.Equal(t, "ROLLED_BACK", jtx.StatusRolledBack.String())
}
