// Package storage keeps the membership table and the room directory in
// SQLite.
package storage

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/rs/zerolog/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS room_membership (
	room_id        TEXT NOT NULL,
	participant_id TEXT NOT NULL,
	joined_at      INTEGER NOT NULL,
	is_muted       INTEGER NOT NULL DEFAULT 0,
	is_deafened    INTEGER NOT NULL DEFAULT 0,
	is_speaking    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (room_id, participant_id)
);
`

type Config struct {
	// Path is the database file. The parent directory must exist.
	Path     string
	PoolSize int
}

// SQLiteStore implements core.Store and core.RoomDirectory.
type SQLiteStore struct {
	pool *sqlitex.Pool
	path string
	now  func() time.Time
}

var (
	_ core.Store         = (*SQLiteStore)(nil)
	_ core.RoomDirectory = (*SQLiteStore)(nil)
)

func Open(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("storage: path is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}
	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: opening %s: %w", cfg.Path, err)
	}
	log.Info().Str("module", "store").Str("path", cfg.Path).Int("pool_size", poolSize).Msg("sqlite pool opened")
	return &SQLiteStore{pool: pool, path: cfg.Path, now: time.Now}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, p, nil); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return sqlitex.ExecuteScript(conn, schema, nil)
}

func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("storage: closing %s: %w", s.path, err)
	}
	log.Info().Str("module", "store").Str("path", s.path).Msg("sqlite pool closed")
	return nil
}

// classify wraps err as a StoreError. Lock contention and cancellation are
// transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return core.Transient(op, err)
	}
	switch sqlite.ErrCode(err).ToPrimary() {
	case sqlite.ResultBusy, sqlite.ResultLocked:
		return core.Transient(op, err)
	}
	return core.Permanent(op, err)
}

func (s *SQLiteStore) take(ctx context.Context, op string) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, core.Transient(op, err)
	}
	return conn, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InsertMembership creates the row, or resets the flags of an existing one
// while keeping its JoinedAt. The room is registered in the directory if
// missing.
func (s *SQLiteStore) InsertMembership(ctx context.Context, row domain.RoomMembership) (err error) {
	const op = "insert"
	if row.JoinedAt.IsZero() {
		row.JoinedAt = s.now().UTC()
	}
	conn, err := s.take(ctx, op)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return classify(op, err)
	}
	defer endFn(&err)

	err = sqlitex.Execute(conn,
		`INSERT INTO rooms (id, name, created_at) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		&sqlitex.ExecOptions{Args: []any{string(row.RoomID), string(row.RoomID), row.JoinedAt.UnixMilli()}})
	if err != nil {
		return classify(op, err)
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO room_membership (room_id, participant_id, joined_at, is_muted, is_deafened, is_speaking)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id, participant_id) DO UPDATE SET
			is_muted = excluded.is_muted,
			is_deafened = excluded.is_deafened,
			is_speaking = excluded.is_speaking`,
		&sqlitex.ExecOptions{Args: []any{
			string(row.RoomID), string(row.ParticipantID), row.JoinedAt.UnixMilli(),
			boolInt(row.IsMuted), boolInt(row.IsDeafened), boolInt(row.IsSpeaking),
		}})
	return classify(op, err)
}

// UpdateMembership changes the given fields of an existing row. It never
// creates one.
func (s *SQLiteStore) UpdateMembership(ctx context.Context, room domain.RoomID, id domain.ParticipantID, f domain.MembershipFields) error {
	const op = "update"
	var (
		sets []string
		args []any
	)
	if f.IsMuted != nil {
		sets = append(sets, "is_muted = ?")
		args = append(args, boolInt(*f.IsMuted))
	}
	if f.IsDeafened != nil {
		sets = append(sets, "is_deafened = ?")
		args = append(args, boolInt(*f.IsDeafened))
	}
	if f.IsSpeaking != nil {
		sets = append(sets, "is_speaking = ?")
		args = append(args, boolInt(*f.IsSpeaking))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, string(room), string(id))

	conn, err := s.take(ctx, op)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	query := "UPDATE room_membership SET " + strings.Join(sets, ", ") + " WHERE room_id = ? AND participant_id = ?"
	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return classify(op, err)
	}
	if conn.Changes() == 0 {
		return core.Permanent(op, core.ErrMembershipNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteMembership(ctx context.Context, room domain.RoomID, id domain.ParticipantID) error {
	_, err := s.RemoveMembership(ctx, room, id)
	return err
}

// RemoveMembership deletes the row and reports whether one existed.
func (s *SQLiteStore) RemoveMembership(ctx context.Context, room domain.RoomID, id domain.ParticipantID) (bool, error) {
	const op = "delete"
	conn, err := s.take(ctx, op)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM room_membership WHERE room_id = ? AND participant_id = ?`,
		&sqlitex.ExecOptions{Args: []any{string(room), string(id)}})
	if err != nil {
		return false, classify(op, err)
	}
	return conn.Changes() > 0, nil
}

func (s *SQLiteStore) ListMembership(ctx context.Context, room domain.RoomID) ([]domain.RoomMembership, error) {
	const op = "list"
	conn, err := s.take(ctx, op)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	rows := []domain.RoomMembership{}
	err = sqlitex.Execute(conn, `
		SELECT participant_id, joined_at, is_muted, is_deafened, is_speaking
		FROM room_membership WHERE room_id = ?
		ORDER BY joined_at, participant_id`,
		&sqlitex.ExecOptions{
			Args: []any{string(room)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows = append(rows, domain.RoomMembership{
					RoomID:        room,
					ParticipantID: domain.ParticipantID(stmt.ColumnText(0)),
					JoinedAt:      time.UnixMilli(stmt.ColumnInt64(1)).UTC(),
					IsMuted:       stmt.ColumnBool(2),
					IsDeafened:    stmt.ColumnBool(3),
					IsSpeaking:    stmt.ColumnBool(4),
				})
				return nil
			},
		})
	if err != nil {
		return nil, classify(op, err)
	}
	return rows, nil
}

func (s *SQLiteStore) ListRooms(ctx context.Context) ([]domain.Room, error) {
	const op = "list rooms"
	conn, err := s.take(ctx, op)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	rooms := []domain.Room{}
	err = sqlitex.Execute(conn, `SELECT id, name, created_by, created_at FROM rooms ORDER BY created_at, id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rooms = append(rooms, domain.Room{
					ID:        domain.RoomID(stmt.ColumnText(0)),
					Name:      stmt.ColumnText(1),
					CreatedBy: domain.ParticipantID(stmt.ColumnText(2)),
					CreatedAt: time.UnixMilli(stmt.ColumnInt64(3)).UTC(),
				})
				return nil
			},
		})
	if err != nil {
		return nil, classify(op, err)
	}
	return rooms, nil
}

// CreateRoom adds a room to the directory. An existing id returns
// core.ErrRoomExists.
func (s *SQLiteStore) CreateRoom(ctx context.Context, room domain.Room) (domain.Room, error) {
	const op = "create room"
	if err := room.ID.Validate(); err != nil {
		return domain.Room{}, core.Permanent(op, err)
	}
	if room.Name == "" {
		room.Name = string(room.ID)
	}
	room.CreatedAt = s.now().UTC().Truncate(time.Millisecond)

	conn, err := s.take(ctx, op)
	if err != nil {
		return domain.Room{}, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO rooms (id, name, created_by, created_at) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{string(room.ID), room.Name, string(room.CreatedBy), room.CreatedAt.UnixMilli()}})
	if err != nil {
		switch sqlite.ErrCode(err) {
		case sqlite.ResultConstraintPrimaryKey, sqlite.ResultConstraintUnique:
			return domain.Room{}, core.Permanent(op, core.ErrRoomExists)
		}
		return domain.Room{}, classify(op, err)
	}
	log.Info().Str("module", "store").Str("room", string(room.ID)).Msg("room created")
	return room, nil
}
