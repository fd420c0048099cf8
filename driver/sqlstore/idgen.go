package sqlstore

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
)

// idAttempts bounds how many candidates ReserveJobID tries before falling
// back to an unreserved ID.
const idAttempts = 5

// ReserveJobID generates a job identifier that is globally unique across
// masters sharing this database. Each candidate is a UUID; on engines with
// advisory locks (postgres) the candidate is reserved by taking a
// non-blocking advisory lock scoped to its hash. A lost lock means another
// process is reserving the same hash right now, so a fresh candidate is
// tried, up to idAttempts times; after that the last candidate is returned
// unreserved (UUID collisions are vanishingly unlikely anyway; the lock only
// removes the window entirely).
//
// Engines without advisory locks return the first candidate directly.
func (d *Driver) ReserveJobID(ctx context.Context) (string, error) {
	if !d.d.advisoryLocks {
		return uuid.NewString(), nil
	}

	var last string
	for i := 0; i < idAttempts; i++ {
		cand := uuid.NewString()
		last = cand

		reserved, err := d.tryAdvisoryLock(ctx, idHash(cand))
		if err != nil {
			return "", fmt.Errorf("sqlstore: reserve job id: %w", err)
		}
		if reserved {
			return cand, nil
		}
	}
	return last, nil
}

// tryAdvisoryLock takes and immediately releases a non-blocking advisory lock
// on a single pinned connection. Holding the lock even momentarily proves no
// concurrent generator owns this hash.
func (d *Driver) tryAdvisoryLock(ctx context.Context, h int64) (bool, error) {
	conn, err := d.write.Conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	var got bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", h).Scan(&got); err != nil {
		return false, err
	}
	if !got {
		return false, nil
	}
	_, err = conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", h)
	return true, err
}

func idHash(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
