// Package reader drives the serial stream into the frame codec and
// forwards decoded events to the rest of the system over a single-consumer
// channel. Exactly one task owns a Reader, enforcing a single-reader-per-
// connection invariant.
package reader

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/stlalpha/meshbbs/internal/frame"
	"github.com/stlalpha/meshbbs/internal/logging"
)

// ErrTransportFatal signals that the serial link is gone for good (device
// unplugged, permission revoked) and the Reader has stopped for good.
var ErrTransportFatal = errors.New("reader: transport fatal")

// Source is the minimal read side of the serial link.
type Source interface {
	Read(p []byte) (int, error)
}

// Reader owns a Codec and a Source, and publishes decoded events.
type Reader struct {
	source Source
	codec  *frame.Codec
	events chan frame.Event

	retryDelay time.Duration
}

// New constructs a Reader over source, buffering up to bufSize decoded
// events before Run blocks on a slow consumer.
func New(source Source, bufSize int) *Reader {
	return &Reader{
		source:     source,
		codec:      frame.NewCodec(),
		events:     make(chan frame.Event, bufSize),
		retryDelay: 75 * time.Millisecond,
	}
}

// Events returns the channel events are published on. Callers must drain
// it; Run blocks once it is full.
func (r *Reader) Events() <-chan frame.Event {
	return r.events
}

// Run reads from source until ctx is cancelled or a fatal transport error
// occurs, in which case it returns ErrTransportFatal. Transient I/O errors
// are retried after a short sleep rather than ending the loop.
func (r *Reader) Run(ctx context.Context) error {
	defer close(r.events)

	buf := make([]byte, 512)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := r.source.Read(buf)
		if n > 0 {
			for _, ev := range r.codec.Feed(buf[:n]) {
				select {
				case r.events <- ev:
				case <-ctx.Done():
					return nil
				}
			}
		}
		if err != nil {
			if isFatal(err) {
				logging.Error("reader: fatal transport error: %v", err)
				return ErrTransportFatal
			}
			logging.Debug("reader: transient I/O error, retrying: %v", err)
			select {
			case <-time.After(r.retryDelay):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// isFatal distinguishes a dead transport (device unplugged, closed port)
// from a transient read hiccup. EOF and "file already closed"-style errors
// are treated as fatal; anything else is retried.
func isFatal(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}
