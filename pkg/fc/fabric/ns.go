package fabric

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/marmos91/dittofc/internal/logger"
	"github.com/marmos91/dittofc/internal/telemetry"
	"github.com/marmos91/dittofc/pkg/fc/exch"
	"github.com/marmos91/dittofc/pkg/fc/frame"
)

// ErrNameServer is returned when a name server query fails.
var ErrNameServer = errors.New("fabric: name server query failed")

// QueryNameServer asks the directory server for the ports registered with
// FC-4 type t. done receives the port addresses, without our own, once the
// query completes. A reject reporting that no port has the type yields an
// empty list.
func (lp *LocalPort) QueryNameServer(t frame.Type, done func([]uint32, error)) error {
	if lp.State() != PortReady || lp.Topology() != TopologyFabric {
		return ErrNotReady
	}
	fid := lp.FID()
	f := frame.NewCT(frame.NewGIDFT(t))
	f.SID, f.DID = fid, frame.FIDDirServ

	_, span := telemetry.StartNameServerSpan(context.Background(), lp.cfg.Name, fid)
	var once atomic.Bool
	finish := func(fids []uint32, err error) {
		if !once.CompareAndSwap(false, true) {
			return
		}
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		done(fids, err)
	}

	recv := func(_ *exch.Sequence, rf *frame.Frame) {
		if rf.Type == frame.TypeBLS {
			return
		}
		var ct frame.CTRequest
		if rf.Type != frame.TypeCT || ct.UnmarshalBinary(rf.Payload) != nil {
			finish(nil, fmt.Errorf("%w: malformed response", ErrNameServer))
			return
		}
		switch ct.Cmd {
		case frame.CTFSAcc:
			ids, err := frame.DecodeGIDFTAcc(ct.Body)
			if err != nil {
				finish(nil, fmt.Errorf("%w: %w", ErrNameServer, err))
				return
			}
			out := ids[:0]
			for _, id := range ids {
				if id != fid {
					out = append(out, id)
				}
			}
			finish(out, nil)
		case frame.CTFSRjt:
			if ct.Explan == frame.CTExplFC4 {
				finish(nil, nil)
				return
			}
			finish(nil, fmt.Errorf("%w: reject reason %#02x explanation %#02x",
				ErrNameServer, ct.Reason, ct.Explan))
		default:
			finish(nil, fmt.Errorf("%w: unexpected response %#04x", ErrNameServer, uint16(ct.Cmd)))
		}
	}
	errh := func(_ *exch.Sequence, ev exch.Event) {
		finish(nil, fmt.Errorf("%w: %s", ErrNameServer, ev))
	}

	edtov, _ := lp.timeouts()
	if _, err := lp.vf.em.SendRequest(lp, f, recv, errh, 2*edtov); err != nil {
		once.Store(true)
		span.End()
		return err
	}
	logger.Debug("name server query sent", logger.Port(lp.cfg.Name), logger.KeyOperation, "GID_FT")
	return nil
}

// DiscoverPorts is the blocking form of QueryNameServer.
func (lp *LocalPort) DiscoverPorts(ctx context.Context, t frame.Type) ([]uint32, error) {
	type result struct {
		fids []uint32
		err  error
	}
	ch := make(chan result, 1)
	if err := lp.QueryNameServer(t, func(fids []uint32, err error) {
		ch <- result{fids, err}
	}); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.fids, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
