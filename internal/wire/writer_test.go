package wire

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriterSerializesWrites(t *testing.T) {
	var mu sync.Mutex
	var order []string
	var inFlight atomic.Int32

	w := newWriterWithFunc(func(msg Message) error {
		if inFlight.Add(1) > 1 {
			t.Fatal("concurrent write detected: single-writer discipline violated")
		}
		defer inFlight.Add(-1)
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		order = append(order, msg.Kind)
		mu.Unlock()
		return nil
	}, func() {}, 8, 0)
	defer w.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, w.Write(Message{Kind: KindPing}))
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 10)
}

func TestWriterFailsPendingOnWriteError(t *testing.T) {
	boom := errors.New("boom")
	w := newWriterWithFunc(func(msg Message) error {
		return boom
	}, func() {}, 4, 0)

	err := w.Write(Message{Kind: KindPing})
	require.ErrorIs(t, err, boom)

	// The pump is now closed; subsequent writes must fail immediately.
	err = w.Write(Message{Kind: KindPong})
	require.ErrorIs(t, err, ErrWriterClosed)
}

func TestWriterCloseIsIdempotent(t *testing.T) {
	w := newWriterWithFunc(func(msg Message) error { return nil }, func() {}, 1, 0)
	w.Close()
	w.Close()
}

func TestWriteRejectsOversizedMessageBeforeTheWire(t *testing.T) {
	var writeFnCalled atomic.Bool
	w := newWriterWithFunc(func(msg Message) error {
		writeFnCalled.Store(true)
		return nil
	}, func() {}, 1, 32)
	defer w.Close()

	err := w.Write(Message{Kind: KindRequest, Request: &Request{ID: "r1", Body: "this body is much longer than thirty-two bytes"}})
	require.ErrorIs(t, err, ErrMessageTooLarge)
	require.False(t, writeFnCalled.Load())

	require.NoError(t, w.Write(Message{Kind: KindPing}))
}
