package gpu

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStream_OrderAndStickyError(t *testing.T) {
	s := newStream(7)
	defer s.close()
	boom := errors.New("boom")
	var order []int
	for i := range 3 {
		s.submit(func() error {
			order = append(order, i)
			if i == 1 {
				return boom
			}
			return nil
		})
	}
	require.ErrorIs(t, s.synchronize(), boom)
	assert.Equal(t, []int{0, 1, 2}, order)
	require.NoError(t, s.synchronize())
}

func TestDevice_SmartCopyErrorReachesFencedStream(t *testing.T) {
	d := &Device{streams: make(map[int]*stream)}
	defer func() {
		for _, s := range d.streams {
			s.close()
		}
	}()
	d.EnableSmartCopy()
	boom := errors.New("staged copy failed")
	d.mu.Lock()
	smart := d.smart
	d.mu.Unlock()
	smart.submit(func() error { return boom })

	ran := false
	require.NoError(t, d.issue(2, func() error {
		ran = true
		return nil
	}))
	require.ErrorIs(t, d.SynchronizeStream(2), boom)
	assert.False(t, ran, "an operation behind a failed copy does not run")
	require.NoError(t, d.SynchronizeStream(2))

	// The error is reported once.
	require.NoError(t, d.DisableSmartCopy())
}

func TestDevice_SmartCopyErrorReachesBlockingCall(t *testing.T) {
	d := &Device{streams: make(map[int]*stream)}
	defer func() {
		for _, s := range d.streams {
			s.close()
		}
	}()
	d.EnableSmartCopy()
	b := &Buffer{}
	b.freed.Store(true)
	d.mu.Lock()
	smart := d.smart
	d.mu.Unlock()
	smart.submit(func() error { return b.live() })

	require.ErrorIs(t, d.run(func() error { return nil }), ErrFreed)
	require.NoError(t, d.run(func() error { return nil }))
	require.NoError(t, d.DisableSmartCopy())
}
