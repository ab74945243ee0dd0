package store

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// LockID derives the advisory lock key for a (document, stage) pair:
// big-endian uint64 of the first 8 bytes of SHA-256("{doc}:{stage}"),
// reduced into Postgres's signed 64-bit key space.
func LockID(documentID, stageName string) int64 {
	sum := sha256.Sum256([]byte(documentID + ":" + stageName))
	n := binary.BigEndian.Uint64(sum[:8])
	return int64(n % uint64(1<<63-1))
}

// LockManager coordinates workers through Postgres advisory locks.
//
// Advisory locks are session-scoped, so each held lock pins a dedicated
// connection for its lifetime; releasing on a different pooled connection
// would silently no-op. The manager owns that bookkeeping.
type LockManager struct {
	db     *sqlx.DB
	logger zerolog.Logger

	mu   sync.Mutex
	held map[int64]*sqlx.Conn
}

func NewLockManager(db *sqlx.DB, logger zerolog.Logger) *LockManager {
	return &LockManager{
		db:     db,
		logger: logger.With().Str("component", "lock_manager").Logger(),
		held:   make(map[int64]*sqlx.Conn),
	}
}

// TryAcquire attempts the advisory lock without blocking. A false return
// means another worker owns the (document, stage) pair; it is not an error.
func (m *LockManager) TryAcquire(ctx context.Context, documentID, stageName string) (bool, error) {
	lockID := LockID(documentID, stageName)

	m.mu.Lock()
	if _, exists := m.held[lockID]; exists {
		m.mu.Unlock()
		return false, nil
	}
	m.mu.Unlock()

	conn, err := m.db.Connx(ctx)
	if err != nil {
		return false, fmt.Errorf("acquiring lock connection: %w", err)
	}

	var acquired bool
	if err := conn.GetContext(ctx, &acquired, "SELECT pg_try_advisory_lock($1)", lockID); err != nil {
		conn.Close()
		return false, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}

	m.mu.Lock()
	if _, exists := m.held[lockID]; exists {
		// Lost a local race; the database granted us a re-entrant hold on a
		// second session. Undo it.
		m.mu.Unlock()
		var released bool
		_ = conn.GetContext(ctx, &released, "SELECT pg_advisory_unlock($1)", lockID)
		conn.Close()
		return false, nil
	}
	m.held[lockID] = conn
	m.mu.Unlock()

	m.logger.Debug().
		Str("document_id", documentID).
		Str("stage", stageName).
		Int64("lock_id", lockID).
		Msg("advisory lock acquired")
	return true, nil
}

// Release frees the advisory lock on the same session that acquired it and
// returns whether a lock was actually released.
func (m *LockManager) Release(ctx context.Context, documentID, stageName string) (bool, error) {
	lockID := LockID(documentID, stageName)

	m.mu.Lock()
	conn, exists := m.held[lockID]
	delete(m.held, lockID)
	m.mu.Unlock()

	if !exists {
		return false, nil
	}
	defer conn.Close()

	var released bool
	if err := conn.GetContext(ctx, &released, "SELECT pg_advisory_unlock($1)", lockID); err != nil {
		return false, fmt.Errorf("pg_advisory_unlock: %w", err)
	}
	if !released {
		m.logger.Warn().
			Str("document_id", documentID).
			Str("stage", stageName).
			Int64("lock_id", lockID).
			Msg("advisory unlock reported no lock held")
	}
	return released, nil
}

// Close releases every lock still held. Called on shutdown.
func (m *LockManager) Close() {
	m.mu.Lock()
	held := m.held
	m.held = make(map[int64]*sqlx.Conn)
	m.mu.Unlock()

	for lockID, conn := range held {
		var released bool
		_ = conn.GetContext(context.Background(), &released, "SELECT pg_advisory_unlock($1)", lockID)
		conn.Close()
	}
}
