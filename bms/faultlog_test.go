package bms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFaultLogNewestFirst(t *testing.T) {
	l := NewFaultLog()
	l.Log(100, FaultKindCellOV, 3, 4230)
	l.Log(200, FaultKindCellUV, 7, 2950)

	require.Equal(t, 2, l.Len())
	ev, ok := l.Get(0)
	require.True(t, ok)
	assert.Equal(t, FaultKindCellUV, ev.Kind)
	assert.Equal(t, uint32(200), ev.TimestampMS)

	ev, ok = l.Get(1)
	require.True(t, ok)
	assert.Equal(t, FaultKindCellOV, ev.Kind)
	assert.Equal(t, uint16(3), ev.Index)

	_, ok = l.Get(2)
	assert.False(t, ok)
}

func TestFaultLogOverwritesOldest(t *testing.T) {
	l := NewFaultLog()
	for i := 0; i < FaultLogSize+6; i++ {
		l.Log(uint32(i), FaultKindCellOT, uint16(i), 0)
	}

	assert.Equal(t, FaultLogSize, l.Len())

	newest, ok := l.Get(0)
	require.True(t, ok)
	assert.Equal(t, uint32(FaultLogSize+5), newest.TimestampMS)

	oldest, ok := l.Get(FaultLogSize - 1)
	require.True(t, ok)
	assert.Equal(t, uint32(6), oldest.TimestampMS, "first six entries overwritten")
}

func TestFaultLogSink(t *testing.T) {
	l := NewFaultLog()
	var seen []FaultEvent
	l.SetSink(func(ev FaultEvent) { seen = append(seen, ev) })

	l.Log(1, FaultKindHwOV, NoIndex, 4310)
	require.Len(t, seen, 1)
	assert.Equal(t, FaultKindHwOV, seen[0].Kind)
	assert.Equal(t, NoIndex, seen[0].Index)
}
