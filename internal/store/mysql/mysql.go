package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"

	"tuya-proxy/internal/domain"
)

// Store keeps the command audit log.
type Store struct {
	db *sql.DB
	l  zerolog.Logger

	stmtInsertCommand *sql.Stmt
	stmtRecent        *sql.Stmt
}

type Config struct {
	Host, Port, User, Pass, DB string
	MaxOpen, MaxIdle           int
}

func (c Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Pass, c.Host, c.Port, c.DB)
}

func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpen)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, l: logger}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepare(); err != nil {
		s.Close()
		return nil, err
	}
	s.l.Info().Str("db", cfg.DB).Msg("command audit ready")
	return s, nil
}

func (s *Store) Close() {
	if s.stmtInsertCommand != nil {
		_ = s.stmtInsertCommand.Close()
	}
	if s.stmtRecent != nil {
		_ = s.stmtRecent.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS command_log (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		device_id VARCHAR(64) NOT NULL,
		code VARCHAR(128) NOT NULL,
		value JSON NOT NULL,
		success TINYINT(1) NOT NULL,
		message VARCHAR(512) NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		INDEX idx_device_id (device_id, id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`)
	return err
}

func (s *Store) prepare() error {
	var err error
	s.stmtInsertCommand, err = s.db.Prepare(`
		INSERT INTO command_log (device_id, code, value, success, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	s.stmtRecent, err = s.db.Prepare(`
		SELECT device_id, code, value, success, message, created_at
		FROM command_log
		WHERE device_id=?
		ORDER BY id DESC
		LIMIT ?`)
	return err
}

func (s *Store) InsertCommand(ctx context.Context, rec domain.CommandRecord) error {
	value := rec.Value
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	_, err := s.stmtInsertCommand.ExecContext(ctx,
		rec.DeviceID, rec.Code, string(value), rec.Success, truncate(rec.Message, 512), rec.CreatedAt)
	return err
}

// RecentCommands returns the newest records first.
func (s *Store) RecentCommands(ctx context.Context, deviceID string, limit int) ([]domain.CommandRecord, error) {
	rows, err := s.stmtRecent.QueryContext(ctx, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CommandRecord
	for rows.Next() {
		var (
			rec   domain.CommandRecord
			value []byte
		)
		if err := rows.Scan(&rec.DeviceID, &rec.Code, &value, &rec.Success, &rec.Message, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Value = json.RawMessage(value)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
