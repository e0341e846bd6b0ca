package plugins

import (
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestClockPluginRegistered(t *testing.T) {
	assert.Assert(t, is.Contains(Names(), "clock"))

	factory, ok := Get("clock")
	assert.Assert(t, ok)

	_, err := factory("not a config")
	assert.ErrorContains(t, err, "expected ClockConfig")

	_, ok = Get("unknown")
	assert.Assert(t, !ok)
}
