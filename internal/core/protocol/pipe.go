package protocol

import (
	"context"
	"sync"

	"github.com/zeusync/liveobjects/internal/core/objects/wire"
)

const pipeBuffer = 64

type pipeEnd struct {
	format wire.Format
	in     <-chan []byte
	out    chan<- []byte

	closeOnce sync.Once
	closed    chan struct{}
	peer      *pipeEnd
}

// Pipe returns two connected in-memory FrameConns. Frames are encoded in f
// on write and decoded on read, so each side sees its own copy.
func Pipe(f wire.Format) (FrameConn, FrameConn) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	a := &pipeEnd{format: f, in: ba, out: ab, closed: make(chan struct{})}
	b := &pipeEnd{format: f, in: ab, out: ba, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeEnd) ReadFrame(ctx context.Context) (*Message, error) {
	select {
	case data := <-p.in:
		return Decode(data, p.format)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, ErrConnectionClosed
	case <-p.peer.closed:
		return nil, ErrConnectionClosed
	}
}

func (p *pipeEnd) WriteFrame(ctx context.Context, msg *Message) error {
	data, err := Encode(msg, p.format)
	if err != nil {
		return WrapError(err, "encode frame")
	}
	select {
	case p.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return ErrConnectionClosed
	case <-p.peer.closed:
		return ErrConnectionClosed
	}
}

func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
