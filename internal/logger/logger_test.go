package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDebugGating(t *testing.T) {
	var quiet, loud bytes.Buffer

	NewWithWriter(false, &quiet).Printf("applied %d", 1)
	NewWithWriter(true, &loud).Printf("applied %d", 1)

	assert.Empty(t, quiet.String())
	assert.Contains(t, loud.String(), "applied 1")
}

func TestWarningsAlwaysWritten(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(false, &buf)
	l.With("reconciler").Warnf("violation on poll %d", 4)

	assert.Contains(t, buf.String(), "violation on poll 4")
	assert.Contains(t, buf.String(), "component=reconciler")
}

func TestDiscard(t *testing.T) {
	l := Discard()
	assert.False(t, l.DebugEnabled())
	l.Errorf("nothing to see")
}
