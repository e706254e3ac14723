package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for Fibre Channel operations.
const (
	// ========================================================================
	// Port attributes
	// ========================================================================
	AttrPort      = "fc.port"       // Local port name
	AttrFabric    = "fc.fabric"     // Virtual fabric instance id
	AttrWWPN      = "fc.wwpn"       // Local world-wide port name
	AttrFID       = "fc.fid"        // Local fabric address
	AttrRemoteFID = "fc.remote_fid" // Peer fabric address
	AttrPeerWWPN  = "fc.peer_wwpn"  // Peer world-wide port name

	// ========================================================================
	// Protocol attributes
	// ========================================================================
	AttrState   = "fc.state"   // State reached when the span ends
	AttrELS     = "fc.els"     // ELS command
	AttrRetries = "fc.retries" // Retries spent in the login
	AttrTopo    = "fc.topology"
)

// Span names.
const (
	SpanSessionLogin = "fc.session.login" // PLOGI through READY or ERROR
	SpanPortLogin    = "fc.lport.login"   // FLOGI through READY
	SpanNameServer   = "fc.ns.query"      // GID_FT round trip
)

// Port returns the local port name attribute.
func Port(name string) attribute.KeyValue {
	return attribute.String(AttrPort, name)
}

// Fabric returns the virtual fabric id attribute.
func Fabric(id string) attribute.KeyValue {
	return attribute.String(AttrFabric, id)
}

// WWPN returns the local port name attribute.
func WWPN(w fmt.Stringer) attribute.KeyValue {
	return attribute.String(AttrWWPN, w.String())
}

// PeerWWPN returns the peer port name attribute.
func PeerWWPN(w fmt.Stringer) attribute.KeyValue {
	return attribute.String(AttrPeerWWPN, w.String())
}

// FID returns the local fabric address attribute.
func FID(fid uint32) attribute.KeyValue {
	return attribute.String(AttrFID, fmt.Sprintf("%06x", fid))
}

// RemoteFID returns the peer fabric address attribute.
func RemoteFID(fid uint32) attribute.KeyValue {
	return attribute.String(AttrRemoteFID, fmt.Sprintf("%06x", fid))
}

// State returns the final state attribute.
func State(s fmt.Stringer) attribute.KeyValue {
	return attribute.String(AttrState, s.String())
}

// ELS returns the ELS command attribute.
func ELS(cmd fmt.Stringer) attribute.KeyValue {
	return attribute.String(AttrELS, cmd.String())
}

// Retries returns the retry count attribute.
func Retries(n int) attribute.KeyValue {
	return attribute.Int(AttrRetries, n)
}

// Topology returns the fabric topology attribute ("fabric" or "point-to-point").
func Topology(t string) attribute.KeyValue {
	return attribute.String(AttrTopo, t)
}

// StartSessionSpan starts the span covering one N_Port login attempt.
func StartSessionSpan(ctx context.Context, port string, fid, remote uint32) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanSessionLogin, trace.WithAttributes(
		Port(port), FID(fid), RemoteFID(remote),
	))
}

// StartPortSpan starts the span covering one fabric login.
func StartPortSpan(ctx context.Context, port string, wwpn fmt.Stringer) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanPortLogin, trace.WithAttributes(Port(port), WWPN(wwpn)))
}

// StartNameServerSpan starts the span covering one name server query.
func StartNameServerSpan(ctx context.Context, port string, fid uint32) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanNameServer, trace.WithAttributes(Port(port), FID(fid)))
}

// EndSpan finishes span with the reached state. A non-nil err marks the span
// failed.
func EndSpan(span trace.Span, state fmt.Stringer, err error, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	span.SetAttributes(State(state))
	span.SetAttributes(attrs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
