// Package exch implements the FC-FS2 exchange and sequence manager.
//
// Exchanges live in a fixed arena partitioned into pools. Exchange id x
// belongs to pool x % len(pools), so lookups and releases always go through
// the owning pool's lock. An exchange leaves the busy list only when its
// reference count is zero and it has been marked complete.
//
// Reference holders:
//   - the allocation itself (dropped when the exchange is finalized by Done)
//   - the embedded sequence while it is active or referenced
//   - a pending timer
//   - a recovery qualifier
//   - a Lookup caller
package exch

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittofc/internal/logger"
	"github.com/marmos91/dittofc/pkg/fc/frame"
	"github.com/marmos91/dittofc/pkg/fc/timer"
	"github.com/marmos91/dittofc/pkg/metrics"
)

var (
	// ErrNoExchange is returned when the selected pool has no free exchange.
	ErrNoExchange = errors.New("exch: no free exchange")

	// ErrExchangeDone is returned when an operation targets an exchange that
	// is already complete or aborting.
	ErrExchangeDone = errors.New("exch: exchange complete or aborted")

	// ErrNotExchange is returned by lookups for ids outside the configured
	// range, for free exchanges and for stale handles.
	ErrNotExchange = errors.New("exch: not an exchange")

	// ErrInvalidRange is returned by New when the id range is empty after
	// rounding to the pool count.
	ErrInvalidRange = errors.New("exch: invalid exchange id range")
)

// Default configuration values.
const (
	DefaultMinXID = 0x0000
	DefaultMaxXID = 0x0fff
	DefaultPools  = 4
	DefaultRATOV  = 10 * time.Second
	DefaultEDTOV  = 2 * time.Second
)

// Event is delivered to an exchange's error handler.
type Event int

const (
	// EventTimeout means the exchange timer fired before a response.
	EventTimeout Event = iota + 1
	// EventClosed means the exchange was reset.
	EventClosed
)

func (e Event) String() string {
	switch e {
	case EventTimeout:
		return "timeout"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RecvFunc receives frames for an exchange.
type RecvFunc func(sp *Sequence, f *frame.Frame)

// ErrFunc receives the final error event of an exchange.
type ErrFunc func(sp *Sequence, ev Event)

// Endpoint is the local port an exchange belongs to. Send must not deliver
// the frame synchronously back into the manager.
type Endpoint interface {
	FID() uint32
	Send(f *frame.Frame) error
}

// Config configures a Manager.
type Config struct {
	MinXID  uint16
	MaxXID  uint16
	Pools   int
	RATOV   time.Duration
	EDTOV   time.Duration
	Class   uint8 // class of service; class 2 frames are acknowledged
	Clock   timer.Clock
	Metrics *metrics.ExchangeMetrics
}

// Internal exchange state bits.
const (
	stDone         uint8 = 1 << iota // finalized, no further callbacks
	stResetCleanup                   // being reset
	stAbortSent                      // we sent the ABTS and owe the RRQ
)

// Manager owns the exchange arena of one virtual fabric.
type Manager struct {
	minXID  uint16
	maxXID  uint16
	pools   []*pool
	ratov   time.Duration
	edtov   time.Duration
	class   uint8
	clock   timer.Clock
	metrics *metrics.ExchangeMetrics
	next    atomic.Uint32
	stats   counters
}

type counters struct {
	noFreeExch  atomic.Uint64
	xidNotFound atomic.Uint64
	xidBusy     atomic.Uint64
	seqNotFound atomic.Uint64
	nonBLSResp  atomic.Uint64
	dropped     atomic.Uint64
	aborts      atomic.Uint64
	recQuals    atomic.Uint64
	timeouts    atomic.Uint64
}

// Stats is a snapshot of manager counters.
type Stats struct {
	NoFreeExch  uint64 `json:"no_free_exch"`
	XIDNotFound uint64 `json:"xid_not_found"`
	XIDBusy     uint64 `json:"xid_busy"`
	SeqNotFound uint64 `json:"seq_not_found"`
	NonBLSResp  uint64 `json:"non_bls_resp"`
	Dropped     uint64 `json:"dropped"`
	Aborts      uint64 `json:"aborts"`
	RecQuals    uint64 `json:"recovery_qualifiers"`
	Timeouts    uint64 `json:"timeouts"`
	Busy        int    `json:"busy"`
	Free        int    `json:"free"`
	Pools       int    `json:"pools"`
	MinXID      uint16 `json:"min_xid"`
	MaxXID      uint16 `json:"max_xid"`
}

// New builds a manager. The id range is shrunk so that MinXID maps to pool 0
// and MaxXID to the last pool.
func New(cfg Config) (*Manager, error) {
	n := cfg.Pools
	if n <= 0 {
		n = DefaultPools
	}
	maxXID := int(cfg.MaxXID)
	if maxXID >= int(frame.XIDUnknown) {
		maxXID = int(frame.XIDUnknown) - 1
	}
	minXID := (int(cfg.MinXID) + n - 1) / n * n
	maxXID = (maxXID+1)/n*n - 1
	if cfg.MinXID > cfg.MaxXID || minXID > maxXID {
		return nil, ErrInvalidRange
	}

	m := &Manager{
		minXID:  uint16(minXID),
		maxXID:  uint16(maxXID),
		ratov:   cfg.RATOV,
		edtov:   cfg.EDTOV,
		class:   cfg.Class,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
	}
	if m.ratov <= 0 {
		m.ratov = DefaultRATOV
	}
	if m.edtov <= 0 {
		m.edtov = DefaultEDTOV
	}
	if m.class == 0 {
		m.class = 3
	}
	if m.clock == nil {
		m.clock = timer.Real()
	}

	per := (maxXID - minXID + 1) / n
	m.pools = make([]*pool, n)
	for p := 0; p < n; p++ {
		pl := &pool{idx: p, slots: make([]*Exchange, per)}
		pl.free.init()
		pl.busy.init()
		for i := 0; i < per; i++ {
			e := &Exchange{
				mgr:  m,
				pool: pl,
				slot: i,
				xid:  uint16(minXID + i*n + p),
			}
			e.timer = timer.New(m.clock, e.timeout)
			pl.slots[i] = e
			pl.push(&pl.free, e)
		}
		m.pools[p] = pl
	}
	return m, nil
}

// Range returns the effective exchange id range.
func (m *Manager) Range() (uint16, uint16) { return m.minXID, m.maxXID }

// Pools returns the number of pools.
func (m *Manager) Pools() int { return len(m.pools) }

// RATOV returns the default resource allocation timeout.
func (m *Manager) RATOV() time.Duration { return m.ratov }

// Alloc allocates an originator exchange from the pool selected by worker.
// A negative worker spreads allocations round-robin.
func (m *Manager) Alloc(ep Endpoint, worker int) (*Exchange, error) {
	return m.alloc(ep, worker)
}

func (m *Manager) alloc(ep Endpoint, worker int) (*Exchange, error) {
	if worker < 0 {
		worker = int(m.next.Add(1))
	}
	p := m.pools[worker%len(m.pools)]

	p.mu.Lock()
	e := p.pop(&p.free)
	if e == nil {
		p.mu.Unlock()
		m.stats.noFreeExch.Add(1)
		m.metrics.RecordAllocFailure()
		logger.Warn("exchange pool exhausted", logger.KeyPool, p.idx)
		return nil, ErrNoExchange
	}
	p.push(&p.busy, e)
	busy := p.busy.n
	e.gen.Add(1)
	e.refcnt.Store(1)
	e.complete.Store(false)
	p.mu.Unlock()
	m.metrics.SetBusy(p.idx, busy)

	e.mu.Lock()
	e.state = 0
	e.esb = 0
	e.oxid = e.xid
	e.rxid = frame.XIDUnknown
	e.oid, e.sid, e.did = 0, 0, 0
	e.seqID = 0
	e.abortSeqID = 0
	e.fCtl = frame.FCtlFirstSeq
	e.fType = 0
	e.seq = Sequence{ex: e}
	e.recv, e.errh = nil, nil
	e.ep = ep
	e.ratov = m.ratov
	e.mu.Unlock()
	return e, nil
}

// Lookup returns the exchange with id xid, holding a reference the caller
// must Release.
func (m *Manager) Lookup(xid uint16) (*Exchange, error) {
	if xid < m.minXID || xid > m.maxXID {
		return nil, ErrNotExchange
	}
	n := len(m.pools)
	p := m.pools[int(xid)%n]
	e := p.slots[(int(xid)-int(m.minXID))/n]

	p.mu.Lock()
	defer p.mu.Unlock()
	if e.list != &p.busy || (e.refcnt.Load() == 0 && e.complete.Load()) {
		return nil, ErrNotExchange
	}
	e.refcnt.Add(1)
	return e, nil
}

// Handle identifies one allocation of an exchange slot.
type Handle struct {
	XID uint16
	Gen uint32
}

// Resolve looks up the exchange named by h. It fails if the slot has been
// freed and reallocated since h was taken.
func (m *Manager) Resolve(h Handle) (*Exchange, error) {
	e, err := m.Lookup(h.XID)
	if err != nil {
		return nil, err
	}
	if e.gen.Load() != h.Gen {
		e.Release()
		return nil, ErrNotExchange
	}
	return e, nil
}

// Stats returns a snapshot of the manager counters and pool occupancy.
func (m *Manager) Stats() Stats {
	s := Stats{
		NoFreeExch:  m.stats.noFreeExch.Load(),
		XIDNotFound: m.stats.xidNotFound.Load(),
		XIDBusy:     m.stats.xidBusy.Load(),
		SeqNotFound: m.stats.seqNotFound.Load(),
		NonBLSResp:  m.stats.nonBLSResp.Load(),
		Dropped:     m.stats.dropped.Load(),
		Aborts:      m.stats.aborts.Load(),
		RecQuals:    m.stats.recQuals.Load(),
		Timeouts:    m.stats.timeouts.Load(),
		Pools:       len(m.pools),
		MinXID:      m.minXID,
		MaxXID:      m.maxXID,
	}
	for _, p := range m.pools {
		p.mu.Lock()
		s.Busy += p.busy.n
		s.Free += p.free.n
		p.mu.Unlock()
	}
	return s
}

// Info describes a busy exchange.
type Info struct {
	XID       uint16 `json:"xid"`
	OXID      uint16 `json:"oxid"`
	RXID      uint16 `json:"rxid"`
	SID       uint32 `json:"sid"`
	DID       uint32 `json:"did"`
	Status    uint32 `json:"status"`
	Refs      int32  `json:"refs"`
	Responder bool   `json:"responder"`
}

// Snapshot lists busy exchanges.
func (m *Manager) Snapshot() []Info {
	var out []Info
	for _, p := range m.pools {
		var held []*Exchange
		p.mu.Lock()
		for i := p.busy.head; i >= 0; i = p.slots[i].next {
			held = append(held, p.slots[i])
		}
		p.mu.Unlock()
		for _, e := range held {
			e.mu.Lock()
			out = append(out, Info{
				XID:       e.xid,
				OXID:      e.oxid,
				RXID:      e.rxid,
				SID:       e.sid,
				DID:       e.did,
				Status:    e.esb,
				Refs:      e.refcnt.Load(),
				Responder: e.esb&frame.ESBRespCtx != 0,
			})
			e.mu.Unlock()
		}
	}
	return out
}

func (m *Manager) drop(reason string, c *atomic.Uint64, f *frame.Frame) {
	if c != nil {
		c.Add(1)
	}
	m.stats.dropped.Add(1)
	m.metrics.RecordDrop(reason)
	logger.Debug("frame dropped",
		logger.KeyReason, reason,
		logger.OXID(f.OXID), logger.RXID(f.RXID),
		logger.KeyRCtl, f.RCtl.String(),
		logger.RemoteFID(f.SID))
}

// ============================================================================
// Pools
// ============================================================================

// xlist is an intrusive doubly linked list of slot indices.
type xlist struct {
	head, tail int
	n          int
}

func (l *xlist) init() { l.head, l.tail, l.n = -1, -1, 0 }

type pool struct {
	idx   int
	mu    sync.Mutex
	slots []*Exchange
	free  xlist
	busy  xlist
}

func (p *pool) push(l *xlist, e *Exchange) {
	e.list = l
	e.prev = l.tail
	e.next = -1
	if l.tail >= 0 {
		p.slots[l.tail].next = e.slot
	} else {
		l.head = e.slot
	}
	l.tail = e.slot
	l.n++
}

func (p *pool) unlink(e *Exchange) {
	l := e.list
	if e.prev >= 0 {
		p.slots[e.prev].next = e.next
	} else {
		l.head = e.next
	}
	if e.next >= 0 {
		p.slots[e.next].prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.prev, e.next, e.list = -1, -1, nil
	l.n--
}

func (p *pool) pop(l *xlist) *Exchange {
	if l.head < 0 {
		return nil
	}
	e := p.slots[l.head]
	p.unlink(e)
	return e
}

// reclaim moves e back to the free list if it is still eligible.
func (p *pool) reclaim(e *Exchange) {
	p.mu.Lock()
	if e.list != &p.busy || e.refcnt.Load() != 0 || !e.complete.Load() {
		p.mu.Unlock()
		return
	}
	p.unlink(e)
	p.push(&p.free, e)
	busy := p.busy.n
	p.mu.Unlock()
	e.mgr.metrics.SetBusy(p.idx, busy)
}

// ============================================================================
// Exchange
// ============================================================================

// Exchange is one FC exchange. Its id is fixed for the lifetime of the
// manager; all other fields are reinitialized on each allocation.
type Exchange struct {
	mgr  *Manager
	pool *pool
	slot int
	xid  uint16

	// pool list membership, guarded by pool.mu
	list       *xlist
	prev, next int

	gen      atomic.Uint32
	refcnt   atomic.Int32
	complete atomic.Bool

	timer *timer.Timer

	mu         sync.Mutex
	state      uint8
	esb        uint32 // frame.ESB* bits
	oxid, rxid uint16
	oid        uint32 // originator address
	sid        uint32 // local address
	did        uint32 // remote address
	ratov      time.Duration
	seqID      uint8
	abortSeqID uint8
	fType      frame.Type
	fCtl       uint32
	seq        Sequence
	recv       RecvFunc
	errh       ErrFunc
	ep         Endpoint
}

// XID returns the local exchange id.
func (e *Exchange) XID() uint16 { return e.xid }

// Handle returns a generation-stamped reference to this allocation.
func (e *Exchange) Handle() Handle { return Handle{XID: e.xid, Gen: e.gen.Load()} }

// IDs returns the originator and responder exchange ids.
func (e *Exchange) IDs() (oxid, rxid uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.oxid, e.rxid
}

// Addrs returns the local and remote fabric addresses.
func (e *Exchange) Addrs() (sid, did uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sid, e.did
}

// Status returns the exchange status bits (frame.ESB*).
func (e *Exchange) Status() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.esb
}

// Endpoint returns the local port the exchange belongs to.
func (e *Exchange) Endpoint() Endpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ep
}

// Refs returns the current reference count.
func (e *Exchange) Refs() int32 { return e.refcnt.Load() }

// Seq returns the embedded sequence.
func (e *Exchange) Seq() *Sequence { return &e.seq }

// SetHandlers registers the receive and error callbacks.
func (e *Exchange) SetHandlers(recv RecvFunc, errh ErrFunc) {
	e.mu.Lock()
	e.recv, e.errh = recv, errh
	e.mu.Unlock()
}

// SetAddrs sets the local and remote addresses of an originator exchange
// before its first sequence is sent.
func (e *Exchange) SetAddrs(sid, did uint32) {
	e.mu.Lock()
	e.sid, e.did, e.oid = sid, did, sid
	e.mu.Unlock()
}

// Hold takes an additional reference. The caller must already hold one.
func (e *Exchange) Hold() { e.refcnt.Add(1) }

// Release drops a reference. The exchange returns to its pool's free list
// when the count reaches zero and the exchange is complete.
func (e *Exchange) Release() {
	n := e.refcnt.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		logger.Error("exchange reference count underflow",
			logger.XID(e.xid), logger.KeyRefcnt, n)
		e.refcnt.Store(0)
		return
	}
	if !e.complete.Load() {
		return
	}
	e.pool.reclaim(e)
}

func (e *Exchange) releaseN(n int) {
	for ; n > 0; n-- {
		e.Release()
	}
}

// Done marks the exchange complete, cancels its timer and completes its
// sequence. Calling Done on a finalized exchange has no effect. While a
// recovery qualifier is held the exchange is only flagged complete and is
// finalized when the qualifier is cleared.
func (e *Exchange) Done() {
	e.mu.Lock()
	n := e.doneLocked()
	e.mu.Unlock()
	e.releaseN(n)
}

// doneLocked returns the number of references to drop after unlocking.
func (e *Exchange) doneLocked() int {
	e.recv, e.errh = nil, nil
	if e.state&stDone != 0 {
		return 0
	}
	e.esb |= frame.ESBComplete
	e.complete.Store(true)
	if e.esb&frame.ESBRecQual != 0 {
		return 0
	}
	e.state |= stDone
	n := 1
	if e.timer.Cancel() {
		n++
	}
	if e.seq.completeLocked() {
		n++
	}
	return n
}

// setTimerLocked arms the exchange timer, taking a reference for a newly
// pending timer.
func (e *Exchange) setTimerLocked(d time.Duration) {
	if e.state&(stDone|stResetCleanup) != 0 {
		return
	}
	if !e.timer.Set(d) {
		e.refcnt.Add(1)
	}
}

// StartSeq begins the next sequence on the exchange.
func (e *Exchange) StartSeq() *Sequence {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startSeqLocked()
}

func (e *Exchange) startSeqLocked() *Sequence {
	e.seqID++
	e.seq.startLocked(e.seqID)
	return &e.seq
}
