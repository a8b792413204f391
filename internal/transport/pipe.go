// In-process pipe channels. Used by integration tests and by embedded
// participants that live in the gateway process; no bytes ever touch a
// socket.

package transport

import (
	"context"
	"sync"
)

// pipeChannel is one end of an in-process channel pair.
type pipeChannel struct {
	name string
	send chan Frame // frames this side transmits
	recv chan Frame // consumer-facing receive stream, closed on teardown
	done chan struct{}
	once *sync.Once // shared with the peer end
}

// NewPipe creates a connected channel pair. Frames sent on one end are
// received on the other. Closing either end closes both receive streams.
func NewPipe(name string) (Channel, Channel) {
	done := make(chan struct{})
	once := &sync.Once{}
	aToB := make(chan Frame, 64)
	bToA := make(chan Frame, 64)

	a := &pipeChannel{
		name: name + " (gateway side)",
		send: aToB,
		recv: make(chan Frame, 64),
		done: done,
		once: once,
	}
	b := &pipeChannel{
		name: name + " (client side)",
		send: bToA,
		recv: make(chan Frame, 64),
		done: done,
		once: once,
	}

	// One forwarder per direction; each closes its consumer channel when
	// the pair is torn down so callers can range over Receive().
	go forward(bToA, a.recv, done)
	go forward(aToB, b.recv, done)

	return a, b
}

// forward copies frames until the pair is closed. Frames already queued
// when Close is called are still flushed, so a reply sent immediately
// before closing is not lost.
func forward(src, dst chan Frame, done chan struct{}) {
	defer close(dst)
	for {
		select {
		case frame := <-src:
			select {
			case dst <- frame:
			case <-done:
				return
			}
		case <-done:
			for {
				select {
				case frame := <-src:
					select {
					case dst <- frame:
					default:
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (p *pipeChannel) Send(ctx context.Context, frame Frame) error {
	select {
	case <-p.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.send <- frame:
		return nil
	}
}

func (p *pipeChannel) Receive() <-chan Frame { return p.recv }

func (p *pipeChannel) Close(reason string) error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *pipeChannel) Description() string { return p.name }

func (p *pipeChannel) BearerToken() string { return "" }
