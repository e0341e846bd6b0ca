package plugins

import (
	"testing"

	"github.com/warthog618/go-gpiocdev"
	"gotest.tools/v3/assert"
)

func TestEventHub(t *testing.T) {
	h := NewEventHub()
	id1, ch1 := h.Subscribe()
	id2, ch2 := h.Subscribe()
	assert.Assert(t, id1 != id2)
	assert.Equal(t, h.Count(), 2)

	h.Publish(ClockEvent{Type: EventRate, Device: "hdmi"})
	ev := <-ch1
	assert.Equal(t, ev.Type, EventRate)
	assert.Assert(t, !ev.Time.IsZero())
	assert.Equal(t, (<-ch2).Device, "hdmi")

	h.Unsubscribe(id1)
	_, ok := <-ch1
	assert.Assert(t, !ok)
	assert.Equal(t, h.Count(), 1)

	// a full buffer drops instead of blocking
	for i := 0; i < subscriberBuffer+4; i++ {
		h.Publish(ClockEvent{Type: EventLock})
	}
	assert.Equal(t, len(ch2), subscriberBuffer)

	h.Close()
	assert.Equal(t, h.Count(), 0)
	for range ch2 {
	}

	_, late := h.Subscribe()
	_, ok = <-late
	assert.Assert(t, !ok)
	h.Unsubscribe(id2)
}

func TestLockMonitorEvents(t *testing.T) {
	var got []LockStatus
	m := &LockMonitor{onChange: func(s LockStatus) { got = append(got, s) }}

	m.handleEvent(gpiocdev.LineEvent{Type: gpiocdev.LineEventFallingEdge})
	assert.Assert(t, m.Status().Locked)
	m.handleEvent(gpiocdev.LineEvent{Type: gpiocdev.LineEventRisingEdge})
	assert.Assert(t, !m.Status().Locked)

	assert.Equal(t, len(got), 2)
	assert.Assert(t, got[0].Locked)
	assert.Equal(t, got[1].Events, uint64(2))

	_, err := m.Locked()
	assert.ErrorContains(t, err, "not initialized")
	assert.NilError(t, m.Close())
	assert.Equal(t, m.Info(), "GPIO:  (closed)")
}

func TestLockHandlerPublishes(t *testing.T) {
	tp := newTestPlugin(t, hdmiConfig)
	_, events := tp.Events().Subscribe()

	tp.lockHandler("hdmi")(LockStatus{Locked: true})
	ev := <-events
	assert.Equal(t, ev.Type, EventLock)
	assert.Equal(t, ev.Data.(LockStatus).Locked, true)
}
