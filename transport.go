// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package capnweb

import (
	"context"
	"io"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
)

// Transport carries NDJSON frames between two session kernels. Both
// directions are ordered and reliable within a session; loss or
// reordering is treated as an abort condition by the kernel. A frame is
// exactly one JSON value without the trailing newline.
type Transport interface {
	// Send writes one frame.
	Send(ctx context.Context, frame []byte) error
	// Recv reads the next frame, blocking until one arrives, the
	// transport closes (io.EOF), or ctx is done.
	Recv(ctx context.Context) ([]byte, error)
	// Close tears the transport down; pending and future operations
	// fail.
	Close() error
}

// BatchTransport is implemented by transports that aggregate frames
// into request/response exchanges instead of streaming them. The
// kernel sends synchronously on such transports and calls Flush at
// exchange boundaries: after emitting pulls and after a pipeline batch
// flush.
type BatchTransport interface {
	Transport
	// Flush marks the frames sent so far as one complete exchange.
	Flush(ctx context.Context) error
}

// pipeCapacity bounds each direction of an in-memory pipe. A power of
// two keeps the SPSC ring index math cheap.
const pipeCapacity = 64

// pipePair holds both endpoints, queues, and the shared close counter
// in a single allocation. SPSC queues are embedded as values; only the
// ring buffers are separate heap objects.
type pipePair struct {
	a      PipeTransport
	b      PipeTransport
	ab     lfq.SPSC[[]byte]
	ba     lfq.SPSC[[]byte]
	closed atomix.Uint32
}

// PipeTransport is one end of a connected in-memory transport pair.
// Each direction is a bounded single-producer single-consumer queue;
// operations wait past the full/empty boundary with adaptive backoff.
type PipeTransport struct {
	sendQ  *lfq.SPSC[[]byte]
	recvQ  *lfq.SPSC[[]byte]
	closed *atomix.Uint32

	sendMu sync.Mutex
	recvMu sync.Mutex
	slot   []byte
}

// Pipe creates a connected pair of in-memory transports, one session
// kernel per end.
func Pipe() (*PipeTransport, *PipeTransport) {
	pair := &pipePair{}
	pair.ab.Init(pipeCapacity)
	pair.ba.Init(pipeCapacity)

	pair.a = PipeTransport{sendQ: &pair.ab, recvQ: &pair.ba, closed: &pair.closed}
	pair.b = PipeTransport{sendQ: &pair.ba, recvQ: &pair.ab, closed: &pair.closed}
	return &pair.a, &pair.b
}

// Send implements Transport. Blocks with backoff while the peer's
// queue is full.
func (p *PipeTransport) Send(ctx context.Context, frame []byte) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	var bo iox.Backoff
	for {
		if p.closed.Load() != 0 {
			return io.ErrClosedPipe
		}
		p.slot = frame
		if err := p.sendQ.Enqueue(&p.slot); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		bo.Wait()
	}
}

// Recv implements Transport. Returns io.EOF once the pair is closed
// and drained.
func (p *PipeTransport) Recv(ctx context.Context) ([]byte, error) {
	p.recvMu.Lock()
	defer p.recvMu.Unlock()
	var bo iox.Backoff
	for {
		frame, err := p.recvQ.Dequeue()
		if err == nil {
			return frame, nil
		}
		if p.closed.Load() != 0 {
			return nil, io.EOF
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		bo.Wait()
	}
}

// Close implements Transport. Closing either end closes the pair.
func (p *PipeTransport) Close() error {
	p.closed.Add(1)
	return nil
}
