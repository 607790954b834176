package ringbuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_AppendWithinCapacityDoesNotEvict(t *testing.T) {
	b := New(3)
	_, evicted := b.Append(Event{ControlName: "a", SequenceNumber: 1})
	_, evicted2 := b.Append(Event{ControlName: "b", SequenceNumber: 2})

	assert.False(t, evicted)
	assert.False(t, evicted2)
	assert.Equal(t, 2, b.Len())
}

func TestBuffer_AppendPastCapacityEvictsOldest(t *testing.T) {
	b := New(2)
	b.Append(Event{ControlName: "a", SequenceNumber: 1})
	b.Append(Event{ControlName: "b", SequenceNumber: 2})
	evicted, didEvict := b.Append(Event{ControlName: "c", SequenceNumber: 3})

	require.True(t, didEvict)
	assert.Equal(t, "a", evicted.ControlName)
	assert.Equal(t, 2, b.Len())

	all := b.All()
	assert.Equal(t, []string{"b", "c"}, []string{all[0].ControlName, all[1].ControlName})
}

func TestBuffer_NewestForControlScansNewestFirst(t *testing.T) {
	b := New(5)
	b.Append(Event{ControlName: "gain", SequenceNumber: 1, Value: 1.0})
	b.Append(Event{ControlName: "mute", SequenceNumber: 2, Value: true})
	b.Append(Event{ControlName: "gain", SequenceNumber: 3, Value: 2.0})

	ev, ok := b.NewestForControl("gain")
	require.True(t, ok)
	assert.Equal(t, uint64(3), ev.SequenceNumber)
}

func TestBuffer_RangeFiltersByTimestamp(t *testing.T) {
	b := New(10)
	for i := int64(1); i <= 5; i++ {
		b.Append(Event{SequenceNumber: uint64(i), TimestampNs: i * 1000})
	}

	r := b.Range(2000, 4000)
	require.Len(t, r, 3)
	assert.Equal(t, int64(2000), r[0].TimestampNs)
	assert.Equal(t, int64(4000), r[2].TimestampNs)
}

func TestBuffer_DropOldestCapsAtLen(t *testing.T) {
	b := New(5)
	b.Append(Event{SequenceNumber: 1})
	b.Append(Event{SequenceNumber: 2})

	removed := b.DropOldest(10)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, b.Len())
}

func TestBuffer_NewestReturnsMostRecentAppend(t *testing.T) {
	b := New(3)
	b.Append(Event{SequenceNumber: 1})
	b.Append(Event{SequenceNumber: 2})

	ev, ok := b.Newest()
	require.True(t, ok)
	assert.Equal(t, uint64(2), ev.SequenceNumber)
}
