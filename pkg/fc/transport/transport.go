// Package transport moves encoded FC frames between ports.
//
// A Queue buffers frames in flight and delivers them on a single goroutine
// (Run) or on demand (Pump). Ports come in connected pairs; a frame sent on
// one end is encoded, queued and decoded again before it reaches the
// handler attached to the other end, so sender and receiver never share a
// frame.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/marmos91/dittofc/internal/logger"
	"github.com/marmos91/dittofc/pkg/fc/frame"
)

var (
	// ErrLinkDown is returned when sending on a port whose link is down.
	ErrLinkDown = errors.New("transport: link down")

	// ErrNoBuffer is returned when the queue is full.
	ErrNoBuffer = errors.New("transport: no frame buffer")

	// ErrClosed is returned when sending after the queue was closed.
	ErrClosed = errors.New("transport: queue closed")
)

// DefaultQueueLimit bounds the number of frames in flight.
const DefaultQueueLimit = 4096

// Handler receives decoded frames.
type Handler func(f *frame.Frame)

type delivery struct {
	to  *Port
	raw []byte
}

// Queue is the frame delivery queue shared by a set of links.
type Queue struct {
	mu     sync.Mutex
	items  []delivery
	limit  int
	closed bool
	wake   chan struct{}
}

// NewQueue creates a queue holding at most limit frames. A non-positive
// limit selects DefaultQueueLimit.
func NewQueue(limit int) *Queue {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	return &Queue{limit: limit, wake: make(chan struct{}, 1)}
}

func (q *Queue) post(to *Port, raw []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if len(q.items) >= q.limit {
		q.mu.Unlock()
		return ErrNoBuffer
	}
	q.items = append(q.items, delivery{to: to, raw: raw})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *Queue) next() (delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return delivery{}, false
	}
	d := q.items[0]
	q.items[0] = delivery{}
	q.items = q.items[1:]
	return d, true
}

// Len returns the number of frames waiting for delivery.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pump delivers queued frames on the calling goroutine until the queue is
// empty, including frames queued by the handlers themselves. It returns the
// number of frames delivered.
func (q *Queue) Pump() int {
	n := 0
	for {
		d, ok := q.next()
		if !ok {
			return n
		}
		d.to.deliver(d.raw)
		n++
	}
}

// Run delivers frames until ctx is cancelled or the queue is closed.
func (q *Queue) Run(ctx context.Context) error {
	for {
		q.Pump()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
			q.mu.Lock()
			closed := q.closed
			q.mu.Unlock()
			if closed {
				q.Pump()
				return nil
			}
		}
	}
}

// Close stops accepting frames. Frames already queued are still delivered by
// Run or Pump.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Stats counts the frames through one port.
type Stats struct {
	TxFrames  uint64 `json:"tx_frames"`
	RxFrames  uint64 `json:"rx_frames"`
	TxErrors  uint64 `json:"tx_errors"`
	RxErrors  uint64 `json:"rx_errors"`
	LinkFails uint64 `json:"link_failures"`
}

// Port is one end of a point-to-point link.
type Port struct {
	name string
	q    *Queue
	peer *Port
	up   *atomic.Bool // shared by both ends

	mu      sync.RWMutex
	handler Handler
	onLink  []func(up bool)

	txFrames  atomic.Uint64
	rxFrames  atomic.Uint64
	txErrors  atomic.Uint64
	rxErrors  atomic.Uint64
	linkFails atomic.Uint64
}

// Connect creates a link between two new ports. The link starts down.
func Connect(q *Queue, a, b string) (*Port, *Port) {
	up := new(atomic.Bool)
	pa := &Port{name: a, q: q, up: up}
	pb := &Port{name: b, q: q, up: up}
	pa.peer, pb.peer = pb, pa
	return pa, pb
}

// Name returns the port name.
func (p *Port) Name() string { return p.name }

// Peer returns the other end of the link.
func (p *Port) Peer() *Port { return p.peer }

// Attach sets the handler receiving frames addressed to this port.
func (p *Port) Attach(h Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// OnLink registers a callback for link state changes on this end.
func (p *Port) OnLink(fn func(up bool)) {
	p.mu.Lock()
	p.onLink = append(p.onLink, fn)
	p.mu.Unlock()
}

// Up reports whether the link is up.
func (p *Port) Up() bool { return p.up.Load() }

// SetLink brings the link up or down and notifies both ends. It must not be
// called with locks held that link callbacks may take.
func (p *Port) SetLink(up bool) {
	if p.up.Swap(up) == up {
		return
	}
	if !up {
		p.linkFails.Add(1)
		p.peer.linkFails.Add(1)
	}
	logger.Debug("link state changed", logger.Port(p.name), "peer", p.peer.name, "up", up)
	p.notify(up)
	p.peer.notify(up)
}

func (p *Port) notify(up bool) {
	p.mu.RLock()
	fns := append([]func(bool){}, p.onLink...)
	p.mu.RUnlock()
	for _, fn := range fns {
		fn(up)
	}
}

// Send encodes f and queues it for the peer.
func (p *Port) Send(f *frame.Frame) error {
	if !p.up.Load() {
		p.txErrors.Add(1)
		return ErrLinkDown
	}
	raw, err := f.MarshalBinary()
	if err != nil {
		p.txErrors.Add(1)
		return err
	}
	if err := p.q.post(p.peer, raw); err != nil {
		p.txErrors.Add(1)
		return err
	}
	p.txFrames.Add(1)
	return nil
}

func (p *Port) deliver(raw []byte) {
	if !p.up.Load() {
		p.rxErrors.Add(1)
		return
	}
	var f frame.Frame
	if err := f.UnmarshalBinary(raw); err != nil {
		p.rxErrors.Add(1)
		logger.Debug("undecodable frame", logger.Port(p.name), logger.Err(err))
		return
	}
	p.mu.RLock()
	h := p.handler
	p.mu.RUnlock()
	if h == nil {
		p.rxErrors.Add(1)
		return
	}
	p.rxFrames.Add(1)
	h(&f)
}

// Stats returns the port counters.
func (p *Port) Stats() Stats {
	return Stats{
		TxFrames:  p.txFrames.Load(),
		RxFrames:  p.rxFrames.Load(),
		TxErrors:  p.txErrors.Load(),
		RxErrors:  p.rxErrors.Load(),
		LinkFails: p.linkFails.Load(),
	}
}

// LinkErrors returns the counters reported in an RLS accept.
func (p *Port) LinkErrors() frame.LinkErrorStatus {
	return frame.LinkErrorStatus{
		LinkFail: uint32(p.linkFails.Load()),
		InvCRC:   uint32(p.rxErrors.Load()),
	}
}
