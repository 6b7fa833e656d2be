package effect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitPreservesOrder(t *testing.T) {
	b := New()
	sink := &StringSink{}
	b.Subscribe(sink)

	b.Show("a")
	b.Show("b")
	b.Show("c")

	assert.Equal(t, "abc", sink.String())
}

func TestLogAssignsMonotonicSeq(t *testing.T) {
	b := New()
	b.Show("x")
	b.Stream("stdout", "y")
	b.Write("/tmp/out.txt", []byte("z"), FormatText)

	log := b.Log()
	require := assert.New(t)
	require.Len(log, 3)
	require.Equal(uint64(1), log[0].Seq)
	require.Equal(uint64(2), log[1].Seq)
	require.Equal(uint64(3), log[2].Seq)
}

func TestMultipleSinksAllReceiveInOrder(t *testing.T) {
	b := New()
	a, c := &StringSink{}, &StringSink{}
	b.Subscribe(a)
	b.Subscribe(c)

	b.Show("1")
	b.Show("2")

	assert.Equal(t, "12", a.String())
	assert.Equal(t, "12", c.String())
}
