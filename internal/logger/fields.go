package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements for log aggregation and querying.
const (
	// ========================================================================
	// Ports & Addresses
	// ========================================================================
	KeyPort      = "port"       // Local port name from configuration
	KeyFabric    = "fabric"     // Virtual fabric instance id
	KeyWWPN      = "wwpn"       // World-wide port name
	KeyWWNN      = "wwnn"       // World-wide node name
	KeyFID       = "fid"        // Local 24-bit fabric address
	KeyRemoteFID = "remote_fid" // Peer 24-bit fabric address

	// ========================================================================
	// Exchanges & Sequences
	// ========================================================================
	KeyOXID   = "oxid"   // Originator exchange id
	KeyRXID   = "rxid"   // Responder exchange id
	KeyXID    = "xid"    // Local exchange id
	KeySeqID  = "seq_id" // Sequence id
	KeyRCtl   = "r_ctl"  // Routing control
	KeyFCtl   = "f_ctl"  // Frame control
	KeyPool   = "pool"   // Exchange pool index
	KeyRefcnt = "refcnt" // Reference count at time of logging

	// ========================================================================
	// State Machines
	// ========================================================================
	KeyState    = "state"     // Current (entered) state
	KeyOldState = "old_state" // State before the transition
	KeyELS      = "els"       // ELS command name
	KeyCT       = "ct"        // CT command code
	KeyReason   = "reason"    // Reject reason code
	KeyExplan   = "explanation"
	KeyRetries  = "retries" // Retry counter
	KeyEvent    = "event"   // Delivered event

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyError     = "error"     // Error message
	KeyOperation = "operation" // Sub-operation type
	KeyCount     = "count"     // Generic count
	KeyPath      = "path"      // Filesystem path (config, database)
	KeyAddr      = "addr"      // Listen address
)

// ============================================================================
// Field constructors
// ============================================================================

// Port returns the local port name attribute.
func Port(name string) slog.Attr {
	return slog.String(KeyPort, name)
}

// WWPN formats a port name attribute.
func WWPN(w fmt.Stringer) slog.Attr {
	return slog.String(KeyWWPN, w.String())
}

// FID formats a local fabric address as six hex digits.
func FID(fid uint32) slog.Attr {
	return slog.String(KeyFID, fmt.Sprintf("%06x", fid))
}

// RemoteFID formats a peer fabric address as six hex digits.
func RemoteFID(fid uint32) slog.Attr {
	return slog.String(KeyRemoteFID, fmt.Sprintf("%06x", fid))
}

// OXID formats an originator exchange id.
func OXID(id uint16) slog.Attr {
	return slog.String(KeyOXID, fmt.Sprintf("%#04x", id))
}

// RXID formats a responder exchange id.
func RXID(id uint16) slog.Attr {
	return slog.String(KeyRXID, fmt.Sprintf("%#04x", id))
}

// XID formats a local exchange id.
func XID(id uint16) slog.Attr {
	return slog.String(KeyXID, fmt.Sprintf("%#04x", id))
}

// State returns the state attribute.
func State(s fmt.Stringer) slog.Attr {
	return slog.String(KeyState, s.String())
}

// OldState returns the previous state attribute.
func OldState(s fmt.Stringer) slog.Attr {
	return slog.String(KeyOldState, s.String())
}

// ELS returns the ELS command attribute.
func ELS(cmd fmt.Stringer) slog.Attr {
	return slog.String(KeyELS, cmd.String())
}

// Retries returns the retry counter attribute.
func Retries(n int) slog.Attr {
	return slog.Int(KeyRetries, n)
}

// Event returns the event attribute.
func Event(e fmt.Stringer) slog.Attr {
	return slog.String(KeyEvent, e.String())
}

// Err returns an error attribute, or an empty attribute for a nil error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
