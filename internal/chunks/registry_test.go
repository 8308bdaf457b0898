package chunks

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendDeltaConcatenates(t *testing.T) {
	r := NewRegistry()

	r.Append("m1", "Hello")
	r.Append("m1", " world")

	assert.Equal(t, "Hello world", r.Buffer("m1"))
}

func TestAppendSnapshotReplaces(t *testing.T) {
	r := NewRegistry()

	r.Append("m1", "Hello")
	r.Append("m1", "Hello world")

	assert.Equal(t, "Hello world", r.Buffer("m1"))
}

func TestAppendSnapshotIdempotent(t *testing.T) {
	r := NewRegistry()

	var chunks []string
	r.Subscribe("m1", func(c string) { chunks = append(chunks, c) }, nil)

	r.Append("m1", "Hello world")
	r.Append("m1", "Hello world")

	assert.Equal(t, "Hello world", r.Buffer("m1"))
	assert.Equal(t, []string{"Hello world"}, chunks)
}

func TestSubscribeReplaysExistingBuffer(t *testing.T) {
	r := NewRegistry()
	r.Append("m1", "partial con")

	var got string
	r.Subscribe("m1", func(c string) { got += c }, nil)
	assert.Equal(t, "partial con", got)

	r.Append("m1", "tent")
	assert.Equal(t, "partial content", got)
}

func TestEndStreamNotifiesAndDiscards(t *testing.T) {
	r := NewRegistry()

	var final string
	ended := false
	r.Subscribe("m1", nil, func(f string) {
		final = f
		ended = true
	})

	r.Append("m1", "done deal")
	r.EndStream("m1")

	require.True(t, ended)
	assert.Equal(t, "done deal", final)
	assert.False(t, r.Active("m1"))
	assert.Equal(t, "", r.Buffer("m1"))

	// ending twice is harmless
	r.EndStream("m1")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := NewRegistry()

	var got string
	unsub := r.Subscribe("m1", func(c string) { got += c }, nil)

	r.Append("m1", "a")
	unsub()
	r.Append("m1", "b")

	assert.Equal(t, "a", got)
}

func TestStalestStreamEvictedAtCapacity(t *testing.T) {
	r := NewRegistry()

	var final string
	ended := false
	r.Subscribe("orphan", nil, func(f string) {
		final = f
		ended = true
	})
	r.Append("orphan", "never ends")

	for i := 0; i < maxStreams; i++ {
		r.Append(fmt.Sprintf("m-%d", i), "x")
	}

	// The orphan was the least recently touched entry when capacity hit.
	assert.False(t, r.Active("orphan"))
	assert.Equal(t, "", r.Buffer("orphan"))
	require.True(t, ended)
	assert.Equal(t, "never ends", final)

	assert.True(t, r.Active("m-0"))
	assert.True(t, r.Active(fmt.Sprintf("m-%d", maxStreams-1)))
}

func TestIndependentStreams(t *testing.T) {
	r := NewRegistry()

	r.Append("m1", "one")
	r.Append("m2", "two")

	assert.Equal(t, "one", r.Buffer("m1"))
	assert.Equal(t, "two", r.Buffer("m2"))

	r.EndStream("m1")
	assert.True(t, r.Active("m2"))
}
