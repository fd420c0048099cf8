// Package keycache manages agent authentication keys as files under a PKI
// directory, one sub-directory per lifecycle state. The layout is plain raw
// key material so external key-management tooling can inspect or move keys
// without going through this API:
//
//	<dir>/minions_pre/<id>       pending
//	<dir>/minions/<id>           accepted
//	<dir>/minions_rejected/<id>  rejected
//	<dir>/minions_denied/<id>    denylist (newline-joined public keys)
//
// Transitions: pending -> accepted, pending -> rejected,
// rejected -> accepted. The denylist is independent of state.
package keycache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/unkn0wn-root/bankcache"
	"github.com/unkn0wn-root/bankcache/driver"
	"github.com/unkn0wn-root/bankcache/driver/localfs"
	"github.com/unkn0wn-root/bankcache/internal/safepath"
)

// State is a key's lifecycle state.
type State string

const (
	Pending  State = "pending"
	Accepted State = "accepted"
	Rejected State = "rejected"
)

// Record is a key with its current state.
type Record struct {
	State State
	Pub   []byte
}

// state directories under the PKI root
const (
	dirPending  = "minions_pre"
	dirAccepted = "minions"
	dirRejected = "minions_rejected"
	dirDenied   = "minions_denied"
)

// reservedKey is claimed for housekeeping; no agent may use it as an id.
const reservedKey = ".key_cache"

// ErrReservedKey marks a caller bug (asking about the housekeeping key),
// distinct from a key that merely does not exist.
var ErrReservedKey = errors.New("keycache: id is reserved")

// ErrUnknownState rejects a Record whose State is none of the three.
var ErrUnknownState = errors.New("keycache: unknown state")

// fetch precedence: an id present in more than one directory (possible only
// through external tooling) reads as the strongest state first.
var fetchOrder = []State{Accepted, Pending, Rejected}

var stateDirs = map[State]string{
	Pending:  dirPending,
	Accepted: dirAccepted,
	Rejected: dirRejected,
}

type Options struct {
	// Dir is the PKI root directory. Required; created if missing.
	Dir string

	Logger bankcache.Logger
}

// Cache is the key-lifecycle store.
type Cache struct {
	fs  *localfs.Driver
	log bankcache.Logger
}

func New(opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, errors.New("keycache: pki directory is required")
	}
	fs, err := localfs.New(localfs.Config{Root: opts.Dir})
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = bankcache.NopLogger{}
	}
	return &Cache{fs: fs, log: log}, nil
}

// Dir returns the resolved PKI root.
func (c *Cache) Dir() string { return c.fs.Root() }

// checkID rejects the reserved housekeeping name and anything that could
// escape the PKI root. Never sanitized, always surfaced.
func checkID(id string) error {
	if id == reservedKey {
		return fmt.Errorf("%w: %q", ErrReservedKey, id)
	}
	if err := safepath.Key(id); err != nil {
		return fmt.Errorf("%w: id %q: %v", driver.ErrInvalidKey, id, err)
	}
	return nil
}

// Store places the key into its state directory, removing it from the
// others first. The removal and the write are two filesystem operations, not
// one rename: a crash in between can leave the id in no directory at all.
func (c *Cache) Store(ctx context.Context, id string, rec Record) error {
	if err := checkID(id); err != nil {
		return err
	}
	dest, ok := stateDirs[rec.State]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownState, rec.State)
	}
	for st, dir := range stateDirs {
		if st == rec.State {
			continue
		}
		if err := c.fs.Flush(ctx, dir, id); err != nil {
			return fmt.Errorf("keycache: clear %s state for %q: %w", st, id, err)
		}
	}
	if err := c.fs.Store(ctx, dest, id, rec.Pub); err != nil {
		return err
	}
	c.log.Debug("stored key", bankcache.Fields{"id": id, "state": string(rec.State)})
	return nil
}

// StoreDenied overwrites the id's denylist. Entries are written
// newline-joined so external tooling can read the raw key material. The
// denylist does not affect the id's lifecycle state.
func (c *Cache) StoreDenied(ctx context.Context, id string, pubs []string) error {
	if err := checkID(id); err != nil {
		return err
	}
	return c.fs.Store(ctx, dirDenied, id, []byte(strings.Join(pubs, "\n")))
}

// Fetch reconstructs the record by probing the state directories in
// precedence order (accepted, pending, rejected).
func (c *Cache) Fetch(ctx context.Context, id string) (Record, bool, error) {
	if err := checkID(id); err != nil {
		return Record{}, false, err
	}
	for _, st := range fetchOrder {
		pub, ok, err := c.fs.Fetch(ctx, stateDirs[st], id)
		if err != nil {
			return Record{}, false, err
		}
		if ok {
			return Record{State: st, Pub: pub}, true, nil
		}
	}
	return Record{}, false, nil
}

// FetchDenied returns the id's denylist entries.
func (c *Cache) FetchDenied(ctx context.Context, id string) ([]string, bool, error) {
	if err := checkID(id); err != nil {
		return nil, false, err
	}
	raw, ok, err := c.fs.Fetch(ctx, dirDenied, id)
	if err != nil || !ok {
		return nil, false, err
	}
	var pubs []string
	for _, line := range strings.Split(string(raw), "\n") {
		if line != "" {
			pubs = append(pubs, line)
		}
	}
	return pubs, true, nil
}

// Updated returns the key file's modification time, probing in the same
// precedence order as Fetch.
func (c *Cache) Updated(ctx context.Context, id string) (time.Time, bool, error) {
	if err := checkID(id); err != nil {
		return time.Time{}, false, err
	}
	for _, st := range fetchOrder {
		mt, ok, err := c.fs.Updated(ctx, stateDirs[st], id)
		if err != nil {
			return time.Time{}, false, err
		}
		if ok {
			return mt, true, nil
		}
	}
	return time.Time{}, false, nil
}

// List returns the ids currently in the given state, sorted.
func (c *Cache) List(ctx context.Context, st State) ([]string, error) {
	dir, ok := stateDirs[st]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownState, st)
	}
	ids, err := c.fs.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	return dropReserved(ids), nil
}

// ListAll returns every id per state.
func (c *Cache) ListAll(ctx context.Context) (map[State][]string, error) {
	out := make(map[State][]string, len(stateDirs))
	for st := range stateDirs {
		ids, err := c.List(ctx, st)
		if err != nil {
			return nil, err
		}
		out[st] = ids
	}
	return out, nil
}

// ListDenied returns every id with a denylist entry.
func (c *Cache) ListDenied(ctx context.Context) ([]string, error) {
	ids, err := c.fs.List(ctx, dirDenied)
	if err != nil {
		return nil, err
	}
	return dropReserved(ids), nil
}

func dropReserved(ids []string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != reservedKey {
			out = append(out, id)
		}
	}
	return out
}

// Contains reports whether the id exists in any state directory.
func (c *Cache) Contains(ctx context.Context, id string) (bool, error) {
	if err := checkID(id); err != nil {
		return false, err
	}
	for _, st := range fetchOrder {
		ok, err := c.fs.Contains(ctx, stateDirs[st], id)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Flush removes the id from every state directory. The denylist is left
// alone; use FlushDenied for that.
func (c *Cache) Flush(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	for _, dir := range stateDirs {
		if err := c.fs.Flush(ctx, dir, id); err != nil {
			return err
		}
	}
	return nil
}

// FlushDenied removes the id's denylist entry.
func (c *Cache) FlushDenied(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	return c.fs.Flush(ctx, dirDenied, id)
}
