package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"runtime"
	"time"

	"lingochat/pkg/logger"
	"lingochat/pkg/model"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// DefaultMigrationsDir is resolved relative to the working directory
const DefaultMigrationsDir = "migrations"

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate key")
)

// DB is the subset of *pgxpool.Pool used by PostgresStorage
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStorage struct {
	db   DB
	pool *pgxpool.Pool
}

// NewPostgresStorage connects to databaseURL and applies pending migrations
func NewPostgresStorage(ctx context.Context, databaseURL string) (*PostgresStorage, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection established")

	if err := RunMigrations(databaseURL, DefaultMigrationsDir); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStorage{db: pool, pool: pool}, nil
}

// NewPostgresStorageWithDB wraps an existing connection. Migrations are the caller's concern.
func NewPostgresStorageWithDB(db DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

// Closes the database connection pool
func (s *PostgresStorage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database reachability
func (s *PostgresStorage) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

func migrationsURL(dir string) (string, error) {
	path, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to get migrations path: %w", err)
	}
	if runtime.GOOS == "windows" {
		u := &url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
		return u.String(), nil
	}
	return "file://" + path, nil
}

func newMigrator(databaseURL, dir string) (*migrate.Migrate, *sql.DB, error) {
	source, err := migrationsURL(dir)
	if err != nil {
		return nil, nil, err
	}

	connConfig, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	db := stdlib.OpenDB(*connConfig)

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(source, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	logger.Info("Running migrations", zap.String("path", source))
	return m, db, nil
}

// RunMigrations applies all pending up migrations from dir
func RunMigrations(databaseURL, dir string) error {
	m, db, err := newMigrator(databaseURL, dir)
	if err != nil {
		return err
	}
	defer db.Close()
	defer m.Close()

	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		logger.Info("No new migrations to apply")
	case err != nil:
		return fmt.Errorf("failed to run migrations: %w", err)
	default:
		logger.Info("Migrations applied successfully")
	}
	return nil
}

// ResetMigrations drops all tables and re-runs migrations (for development)
func ResetMigrations(databaseURL, dir string) error {
	logger.Warn("Resetting database - this will drop all data!")

	m, db, err := newMigrator(databaseURL, dir)
	if err != nil {
		return err
	}
	defer db.Close()
	defer m.Close()

	if err := m.Drop(); err != nil {
		return fmt.Errorf("failed to drop database: %w", err)
	}
	if err := m.Up(); err != nil {
		return fmt.Errorf("failed to run migrations after reset: %w", err)
	}

	logger.Info("Database reset and migrations applied successfully")
	return nil
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

const messageColumns = `id, conversation_id, sender_id, kind, content, language, audio_path,
	audio_mime_type, send_as_is, transcript, processing_status, error_message, created_at, updated_at`

// GetMessage retrieves a message by ID
func (s *PostgresStorage) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	var m model.Message
	err := s.db.QueryRow(ctx, query, id).Scan(
		&m.ID,
		&m.ConversationID,
		&m.SenderID,
		&m.Kind,
		&m.Content,
		&m.Language,
		&m.AudioPath,
		&m.AudioMimeType,
		&m.SendAsIs,
		&m.Transcript,
		&m.Status,
		&m.ErrorText,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &m, nil
}

// UpdateMessage persists the mutable processing fields of a message
func (s *PostgresStorage) UpdateMessage(ctx context.Context, m *model.Message) error {
	query := `
		UPDATE messages SET
			language = $2,
			transcript = $3,
			processing_status = $4,
			error_message = $5,
			updated_at = $6
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query,
		m.ID,
		m.Language,
		m.Transcript,
		m.Status,
		m.ErrorText,
		m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", m.ID, ErrNotFound)
	}
	return nil
}

// ListParticipants returns conversation members with their preferences.
// Members without a preferences row get zero-valued preferences.
func (s *PostgresStorage) ListParticipants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	query := `
		SELECT cp.user_id,
			COALESCE(up.target_language, ''),
			COALESCE(up.target_proficiency, ''),
			COALESCE(up.tts_voice, ''),
			COALESCE(up.tts_rate, 1.0)
		FROM conversation_participants cp
		LEFT JOIN user_preferences up ON up.user_id = cp.user_id
		WHERE cp.conversation_id = $1
		ORDER BY cp.joined_at, cp.user_id`

	rows, err := s.db.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	var participants []model.Participant
	for rows.Next() {
		var p model.Participant
		if err := rows.Scan(
			&p.UserID,
			&p.Preferences.TargetLanguage,
			&p.Preferences.Proficiency,
			&p.Preferences.Voice,
			&p.Preferences.SpeechRate,
		); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate participants: %w", err)
	}
	return participants, nil
}

// GetTransformation retrieves the record stored under key
func (s *PostgresStorage) GetTransformation(ctx context.Context, key model.TransformationKey) (*model.TransformationRecord, error) {
	query := `
		SELECT id, message_id, kind, target_language, target_proficiency, text, created_at
		FROM message_transformations
		WHERE message_id = $1 AND kind = $2 AND target_language = $3 AND target_proficiency = $4`

	var r model.TransformationRecord
	err := s.db.QueryRow(ctx, query, key.MessageID, key.Kind, key.TargetLanguage, key.Proficiency).Scan(
		&r.ID,
		&r.MessageID,
		&r.Kind,
		&r.TargetLanguage,
		&r.TargetProficiency,
		&r.Text,
		&r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("transformation %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get transformation: %w", err)
	}
	return &r, nil
}

// InsertTransformation stores a new record. Records are immutable, so an
// existing key yields ErrDuplicate rather than an update.
func (s *PostgresStorage) InsertTransformation(ctx context.Context, r *model.TransformationRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO message_transformations (
			id, message_id, kind, target_language, target_proficiency, text, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.Exec(ctx, query,
		r.ID,
		r.MessageID,
		r.Kind,
		r.TargetLanguage,
		r.TargetProficiency,
		r.Text,
		r.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("transformation %s: %w", r.Key(), ErrDuplicate)
		}
		return fmt.Errorf("failed to insert transformation: %w", err)
	}
	return nil
}

func (s *PostgresStorage) insertRendering(ctx context.Context, r *model.VoiceRendering) error {
	query := `
		INSERT INTO voice_renderings (
			id, message_id, recipient_user_id, source_language, target_language,
			target_proficiency, needs_translation, needs_scaling, transcript_text,
			translated_text, scaled_text, final_text, final_language, final_audio_path,
			processing_status, error_message, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18
		)`

	_, err := s.db.Exec(ctx, query,
		r.ID,
		r.MessageID,
		r.RecipientID,
		r.SourceLanguage,
		r.TargetLanguage,
		r.TargetProficiency,
		r.NeedsTranslation,
		r.NeedsScaling,
		r.TranscriptText,
		r.TranslatedText,
		r.ScaledText,
		r.FinalText,
		r.FinalLanguage,
		r.FinalAudioPath,
		r.Status,
		r.ErrorText,
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert rendering: %w", err)
	}
	return nil
}

func (s *PostgresStorage) updateRendering(ctx context.Context, r *model.VoiceRendering) error {
	query := `
		UPDATE voice_renderings SET
			source_language = $3,
			target_language = $4,
			target_proficiency = $5,
			needs_translation = $6,
			needs_scaling = $7,
			transcript_text = $8,
			translated_text = $9,
			scaled_text = $10,
			final_text = $11,
			final_language = $12,
			final_audio_path = $13,
			processing_status = $14,
			error_message = $15,
			updated_at = $16
		WHERE message_id = $1 AND recipient_user_id = $2`

	tag, err := s.db.Exec(ctx, query,
		r.MessageID,
		r.RecipientID,
		r.SourceLanguage,
		r.TargetLanguage,
		r.TargetProficiency,
		r.NeedsTranslation,
		r.NeedsScaling,
		r.TranscriptText,
		r.TranslatedText,
		r.ScaledText,
		r.FinalText,
		r.FinalLanguage,
		r.FinalAudioPath,
		r.Status,
		r.ErrorText,
		r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update rendering: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rendering %s/%s: %w", r.MessageID, r.RecipientID, ErrNotFound)
	}
	return nil
}

// UpsertRendering inserts the rendering, falling back to an update when a row
// for (message, recipient) already exists. Re-finalizing a message therefore
// never duplicates renderings.
func (s *PostgresStorage) UpsertRendering(ctx context.Context, r *model.VoiceRendering) error {
	now := time.Now()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}

	err := s.insertRendering(ctx, r)
	if !errors.Is(err, ErrDuplicate) {
		return err
	}

	logger.Debug("Rendering exists, updating",
		zap.String("message_id", r.MessageID),
		zap.String("recipient_id", r.RecipientID))
	return s.updateRendering(ctx, r)
}

// ListRenderings returns all renderings of a message
func (s *PostgresStorage) ListRenderings(ctx context.Context, messageID string) ([]*model.VoiceRendering, error) {
	query := `
		SELECT id, message_id, recipient_user_id, source_language, target_language,
			target_proficiency, needs_translation, needs_scaling, transcript_text,
			translated_text, scaled_text, final_text, final_language, final_audio_path,
			processing_status, error_message, created_at, updated_at
		FROM voice_renderings
		WHERE message_id = $1
		ORDER BY recipient_user_id`

	rows, err := s.db.Query(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list renderings: %w", err)
	}
	defer rows.Close()

	var renderings []*model.VoiceRendering
	for rows.Next() {
		var r model.VoiceRendering
		if err := rows.Scan(
			&r.ID,
			&r.MessageID,
			&r.RecipientID,
			&r.SourceLanguage,
			&r.TargetLanguage,
			&r.TargetProficiency,
			&r.NeedsTranslation,
			&r.NeedsScaling,
			&r.TranscriptText,
			&r.TranslatedText,
			&r.ScaledText,
			&r.FinalText,
			&r.FinalLanguage,
			&r.FinalAudioPath,
			&r.Status,
			&r.ErrorText,
			&r.CreatedAt,
			&r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rendering: %w", err)
		}
		renderings = append(renderings, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate renderings: %w", err)
	}
	return renderings, nil
}
