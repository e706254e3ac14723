package portdb

import (
	"context"
	"time"

	"github.com/marmos91/dittofc/internal/logger"
	"github.com/marmos91/dittofc/pkg/fc/event"
	"github.com/marmos91/dittofc/pkg/fc/fabric"
	"github.com/marmos91/dittofc/pkg/fc/frame"
	"github.com/marmos91/dittofc/pkg/metrics"
)

// writeTimeout bounds a single store write made from an event handler.
const writeTimeout = 5 * time.Second

// Recorder writes a record for every session of a fabric that reaches
// READY.
type Recorder struct {
	store   Store
	backend string
	vf      *fabric.Fabric
	id      event.ID
	metrics *metrics.PortDBMetrics
}

// NewRecorder subscribes to vf's session events.
func NewRecorder(vf *fabric.Fabric, store Store) *Recorder {
	r := &Recorder{store: store, backend: backendName(store), vf: vf}
	r.id = vf.OnSession(r.Handle)
	return r
}

// SetMetrics attaches collectors. Call before the fabric starts logging in.
func (r *Recorder) SetMetrics(m *metrics.PortDBMetrics) {
	r.metrics = m
}

func backendName(st Store) string {
	switch st.(type) {
	case *MemoryStore:
		return TypeMemory
	case *BadgerStore:
		return TypeBadger
	default:
		return "custom"
	}
}

// Stop unsubscribes the recorder. The store is left open.
func (r *Recorder) Stop() {
	r.vf.RemoveSessionHandler(r.id)
}

// Handle records a ready session with an N_Port. Other events are ignored.
func (r *Recorder) Handle(ev fabric.SessionEvent) {
	if ev.Kind != fabric.SessionEventReady || ev.WWPN == 0 || frame.IsWellKnown(ev.RemoteFID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	rec, err := r.store.Get(ctx, ev.Port, ev.WWPN)
	if err != nil {
		r.metrics.RecordError(r.backend, "get")
		logger.Warn("port database read failed", logger.Port(ev.Port),
			logger.WWPN(ev.WWPN), logger.Err(err))
		return
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	if rec == nil {
		rec = &Record{Port: ev.Port, WWPN: ev.WWPN, FirstLogin: at}
	}
	rec.WWNN = ev.WWNN
	rec.FID = ev.RemoteFID
	rec.LastLogin = at
	rec.Logins++
	if ev.Session != nil {
		rec.Roles = ev.Session.Info().Roles
	}
	if err := r.store.Put(ctx, rec); err != nil {
		r.metrics.RecordError(r.backend, "put")
		logger.Warn("port database write failed", logger.Port(ev.Port),
			logger.WWPN(ev.WWPN), logger.Err(err))
		return
	}
	r.metrics.RecordWrite(r.backend)
	logger.Debug("port database updated", logger.Port(ev.Port),
		logger.WWPN(ev.WWPN), logger.RemoteFID(ev.RemoteFID), logger.KeyCount, rec.Logins)
}
