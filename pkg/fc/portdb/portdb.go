// Package portdb records the remote ports each local port has logged in
// with.
//
// A Recorder subscribes to a fabric's session events and writes one Record
// per (local port, remote WWPN) pair each time a session reaches READY. The
// record survives logouts so an operator can see which peers were reachable
// and when they were last seen.
//
// Two backends are provided: an in-memory store for tests and ephemeral
// nodes, and a BadgerDB store that survives restarts.
package portdb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/marmos91/dittofc/pkg/fc/frame"
)

// ErrUnknownType is returned by New for an unsupported backend type.
var ErrUnknownType = errors.New("portdb: unknown store type")

// Store types accepted by New.
const (
	TypeMemory = "memory"
	TypeBadger = "badger"
)

// Record is one remote port seen through a local port.
type Record struct {
	Port       string    `json:"port"`
	WWPN       frame.WWN `json:"wwpn"`
	WWNN       frame.WWN `json:"wwnn"`
	FID        uint32    `json:"fid"`
	Roles      []string  `json:"roles,omitempty"`
	FirstLogin time.Time `json:"first_login"`
	LastLogin  time.Time `json:"last_login"`
	Logins     uint64    `json:"logins"`
}

func (r *Record) clone() *Record {
	c := *r
	c.Roles = append([]string(nil), r.Roles...)
	return &c
}

// Store persists records keyed by local port name and remote WWPN.
type Store interface {
	// Put stores or replaces a record.
	Put(ctx context.Context, rec *Record) error

	// Get returns the record for a pair, or nil, nil if there is none.
	Get(ctx context.Context, port string, wwpn frame.WWN) (*Record, error)

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, port string, wwpn frame.WWN) error

	// List returns every record ordered by port and WWPN.
	List(ctx context.Context) ([]*Record, error)

	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Type string
	Path string // BadgerDB directory

	// BadgerDB tuning, zero for the defaults.
	MemTableSize     int64
	ValueLogFileSize int64
}

// New opens the store described by cfg.
func New(cfg Config) (Store, error) {
	switch cfg.Type {
	case "", TypeMemory:
		return NewMemoryStore(), nil
	case TypeBadger:
		return NewBadgerStore(cfg.Path,
			WithMemTableSize(cfg.MemTableSize),
			WithValueLogFileSize(cfg.ValueLogFileSize))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}
}

func sortRecords(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Port != recs[j].Port {
			return recs[i].Port < recs[j].Port
		}
		return recs[i].WWPN < recs[j].WWPN
	})
}
