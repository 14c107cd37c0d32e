package imulog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/holistic.replay/internal/httputil"
	"github.com/banshee-data/holistic.replay/internal/monitoring"
	"github.com/banshee-data/holistic.replay/internal/sensor"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNoSession is returned when packets arrive before BeginSession.
var ErrNoSession = errors.New("no replay session in progress")

// Store keeps replayed IMU packets in SQLite, one session per replay run.
// Packets are buffered by Emit and written in one transaction by Flush.
type Store struct {
	db   *sql.DB
	path string
	logf func(format string, v ...interface{})

	mu        sync.Mutex
	sessionID string
	pending   []sensor.IMUPacket
	written   int64
}

// Session is one replay run.
type Session struct {
	ID          string `json:"session_id"`
	Source      string `json:"source"`
	RecordingID string `json:"recording_id"`
	StartedNs   int64  `json:"started_ns"`
	EndedNs     *int64 `json:"ended_ns,omitempty"`
	Packets     int64  `json:"packets"`
	StopReason  string `json:"stop_reason"`
}

// Open opens or creates the store at path and applies pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open IMU store: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, path: path, logf: monitoring.Tagged("imulog")}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	// m is not closed: closing it would close the shared *sql.DB.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB {
	return s.db
}

// BeginSession starts recording packets for a replay of source.
func (s *Store) BeginSession(source, recordingID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID != "" {
		return "", fmt.Errorf("session %s still in progress", s.sessionID)
	}

	id := uuid.New().String()
	if _, err := s.db.Exec(
		`INSERT INTO replay_sessions (session_id, source, recording_id, started_ns) VALUES (?, ?, ?, ?)`,
		id, source, recordingID, time.Now().UnixNano(),
	); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	s.sessionID = id
	s.written = 0
	s.logf("recording IMU samples to %s (session %s)", s.path, id)
	return id, nil
}

// Emit buffers p for the next Flush.
func (s *Store) Emit(p sensor.IMUPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID == "" {
		return ErrNoSession
	}
	s.pending = append(s.pending, p)
	return nil
}

// Flush writes buffered packets in a single transaction.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if len(s.pending) == 0 {
		return nil
	}
	if s.sessionID == "" {
		return ErrNoSession
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO imu_samples (
		session_id, packet_index,
		accel_seq, accel_ts_ns, accel_x, accel_y, accel_z,
		gyro_seq, gyro_ts_ns, gyro_x, gyro_y, gyro_z
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, p := range s.pending {
		a, g := p.Accelerometer, p.Gyroscope
		if _, err := stmt.Exec(
			s.sessionID, s.written+int64(i),
			int64(a.Sequence), a.Timestamp.Nanoseconds(), a.Value.X, a.Value.Y, a.Value.Z,
			int64(g.Sequence), g.Timestamp.Nanoseconds(), g.Value.X, g.Value.Y, g.Value.Z,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert IMU sample: %w", err)
		}
	}
	if _, err := tx.Exec(`UPDATE replay_sessions SET packets = packets + ? WHERE session_id = ?`,
		len(s.pending), s.sessionID); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit IMU samples: %w", err)
	}

	s.written += int64(len(s.pending))
	s.pending = s.pending[:0]
	return nil
}

// EndSession flushes and closes the current session with reason.
func (s *Store) EndSession(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID == "" {
		return ErrNoSession
	}
	if err := s.flushLocked(); err != nil {
		return err
	}
	if _, err := s.db.Exec(`UPDATE replay_sessions SET ended_ns = ?, stop_reason = ? WHERE session_id = ?`,
		time.Now().UnixNano(), reason, s.sessionID); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	s.logf("session %s ended (%s): %d samples", s.sessionID, reason, s.written)
	s.sessionID = ""
	return nil
}

// Sessions lists sessions, newest first.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, source, recording_id, started_ns, ended_ns, packets, stop_reason
		FROM replay_sessions ORDER BY started_ns DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var ended sql.NullInt64
		if err := rows.Scan(&sess.ID, &sess.Source, &sess.RecordingID, &sess.StartedNs, &ended, &sess.Packets, &sess.StopReason); err != nil {
			return nil, err
		}
		if ended.Valid {
			v := ended.Int64
			sess.EndedNs = &v
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Samples returns the packets stored for sessionID in replay order.
func (s *Store) Samples(ctx context.Context, sessionID string) ([]sensor.IMUPacket, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		accel_seq, accel_ts_ns, accel_x, accel_y, accel_z,
		gyro_seq, gyro_ts_ns, gyro_x, gyro_y, gyro_z
		FROM imu_samples WHERE session_id = ? ORDER BY packet_index`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var packets []sensor.IMUPacket
	for rows.Next() {
		var p sensor.IMUPacket
		var aSeq, aTs, gSeq, gTs int64
		if err := rows.Scan(
			&aSeq, &aTs, &p.Accelerometer.Value.X, &p.Accelerometer.Value.Y, &p.Accelerometer.Value.Z,
			&gSeq, &gTs, &p.Gyroscope.Value.X, &p.Gyroscope.Value.Y, &p.Gyroscope.Value.Z,
		); err != nil {
			return nil, err
		}
		p.Accelerometer.Sequence, p.Accelerometer.Timestamp = uint64(aSeq), time.Duration(aTs)
		p.Gyroscope.Sequence, p.Gyroscope.Timestamp = uint64(gSeq), time.Duration(gTs)
		packets = append(packets, p)
	}
	return packets, rows.Err()
}

// Close ends any open session and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	open := s.sessionID != ""
	s.mu.Unlock()
	var errs []error
	if open {
		errs = append(errs, s.EndSession("closed"))
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}

// AttachAdminRoutes mounts tailsql and a session listing under /debug/.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+s.path, s.db, &tailsql.DBOptions{
		Label: "IMU samples",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.HandleFunc("imu-sessions", "Replay sessions recorded in the IMU store", func(w http.ResponseWriter, r *http.Request) {
		sessions, err := s.Sessions(r.Context())
		if err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list sessions: %v", err))
			return
		}
		httputil.WriteJSONOK(w, sessions)
	})
	return nil
}
