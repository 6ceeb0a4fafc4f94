package wire

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var ErrWriterClosed = errors.New("wire: write pump closed")
var ErrWriterBackpressure = errors.New("wire: write pump backpressure")
var ErrMessageTooLarge = errors.New("wire: protocol_error: outbound message exceeds max_frame_bytes")

const defaultEnqueueTimeout = 2 * time.Second

type writeRequest struct {
	msg  Message
	done chan error
}

// Writer serializes all outbound frames for one control channel onto a
// single underlying connection, so that concurrent producers (the
// dispatcher, the heartbeater, the reader's PONG replies) never interleave
// writes mid-message. This is the single-writer discipline the session's
// Authenticated state requires.
type Writer struct {
	writeFn       func(Message) error
	closeFn       func()
	queue         chan writeRequest
	stop          chan struct{}
	done          chan struct{}
	closed        atomic.Bool
	stopOnce      sync.Once
	timeout       time.Duration
	maxFrameBytes int64
}

// NewWriter builds a Writer over a live websocket connection. writeTimeout
// bounds each individual frame write; queueCap bounds how many frames may be
// buffered awaiting the writer goroutine. maxFrameBytes bounds the encoded
// size of any single outbound message; zero disables the check.
func NewWriter(conn *websocket.Conn, writeTimeout time.Duration, queueCap int, maxFrameBytes int64) *Writer {
	return newWriterWithFunc(func(msg Message) error {
		if conn == nil {
			return ErrWriterClosed
		}
		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			_ = conn.Close()
			return err
		}
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
		if err := conn.WriteJSON(msg); err != nil {
			_ = conn.Close()
			return err
		}
		return nil
	}, func() {
		if conn != nil {
			_ = conn.Close()
		}
	}, queueCap, maxFrameBytes)
}

func newWriterWithFunc(writeFn func(Message) error, closeFn func(), queueCap int, maxFrameBytes int64) *Writer {
	if queueCap <= 0 {
		queueCap = 1
	}
	w := &Writer{
		writeFn:       writeFn,
		closeFn:       closeFn,
		queue:         make(chan writeRequest, queueCap),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		timeout:       defaultEnqueueTimeout,
		maxFrameBytes: maxFrameBytes,
	}
	go w.run()
	return w
}

// Write enqueues msg for delivery and blocks until it has been written or
// the pump fails. It is safe to call concurrently. A message whose encoded
// size exceeds maxFrameBytes is rejected before it ever reaches the queue,
// per §5.1's encode-side max_frame_bytes enforcement.
func (w *Writer) Write(msg Message) error {
	if w.closed.Load() {
		return ErrWriterClosed
	}
	if w.maxFrameBytes > 0 {
		if encoded, err := json.Marshal(msg); err == nil && int64(len(encoded)) > w.maxFrameBytes {
			return ErrMessageTooLarge
		}
	}
	req := writeRequest{msg: msg, done: make(chan error, 1)}

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	select {
	case <-w.stop:
		return ErrWriterClosed
	case w.queue <- req:
	case <-timer.C:
		w.triggerBackpressure()
		return ErrWriterBackpressure
	}
	return <-req.done
}

// Close stops the pump and closes the underlying connection. Idempotent.
func (w *Writer) Close() {
	w.closed.Store(true)
	w.signalStop()
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			w.failPending(ErrWriterClosed)
			return
		case req := <-w.queue:
			err := w.writeFn(req.msg)
			if err != nil {
				w.closed.Store(true)
				w.signalStop()
				req.done <- err
				w.failPending(err)
				return
			}
			req.done <- nil
			if w.closed.Load() {
				w.signalStop()
				w.failPending(ErrWriterClosed)
				return
			}
		}
	}
}

func (w *Writer) failPending(err error) {
	for {
		select {
		case req := <-w.queue:
			req.done <- err
		default:
			return
		}
	}
}

func (w *Writer) signalStop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Writer) triggerBackpressure() {
	if w.closed.Swap(true) {
		return
	}
	if w.closeFn != nil {
		w.closeFn()
	}
	w.signalStop()
}
