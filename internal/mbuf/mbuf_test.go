package mbuf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReleaseConservation(t *testing.T) {
	p := NewPool(2, 64)
	m1, err := p.Get([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(m1.Data))
	assert.Equal(t, 1, p.Outstanding())

	m2, err := p.Get([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, 2, p.Outstanding())

	_, err = p.Get([]byte("overflow"))
	assert.ErrorIs(t, err, ErrPoolExhausted)

	m1.Release()
	assert.Equal(t, 1, p.Outstanding())
	m2.Release()
	assert.Equal(t, 0, p.Outstanding())
}

func TestRefKeepsAlive(t *testing.T) {
	p := NewPool(1, 64)
	m, err := p.Get([]byte("x"))
	require.NoError(t, err)
	m.Ref()
	m.Release()
	assert.Equal(t, 1, p.Outstanding(), "still referenced once")
	m.Release()
	assert.Equal(t, 0, p.Outstanding())
}

func TestCloseDrains(t *testing.T) {
	p := NewPool(1, 64)
	m, err := p.Get([]byte("x"))
	require.NoError(t, err)
	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Release()
	}()
	remaining := p.Close(time.Second)
	assert.Equal(t, 0, remaining)

	_, err = p.Get([]byte("y"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseTimesOutWithLeak(t *testing.T) {
	p := NewPool(1, 64)
	_, err := p.Get([]byte("leaked"))
	require.NoError(t, err)
	remaining := p.Close(20 * time.Millisecond)
	assert.Equal(t, 1, remaining)
}
