// Package store persists chat messages and author profiles with GORM on
// SQLite. *Store implements relay.Gateway.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Tyrowin/cohortchat/internal/relay"
)

// History page limits.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

var (
	// ErrUnknownAuthor is returned when a message names a user without a
	// profile row.
	ErrUnknownAuthor = errors.New("unknown author")

	// ErrInvalidCursor is returned for a history cursor this store did not
	// issue.
	ErrInvalidCursor = errors.New("invalid cursor")
)

var _ relay.Gateway = (*Store)(nil)

// Config selects the database.
type Config struct {
	// Path is a SQLite file path or ":memory:".
	Path string
	// Debug enables GORM's SQL logging.
	Debug bool
}

// Store is the message persistence gateway.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// Page is one slice of a room's history.
type Page struct {
	Messages   []relay.StoredMessage
	NextCursor string
}

// Open connects to the database and migrates the schema.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}

	logLevel := gormlogger.Silent
	if cfg.Debug {
		logLevel = gormlogger.Info
	}

	logger.Info("opening message store", "driver", "sqlite", "path", cfg.Path)
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	// SQLite allows one writer; an in-memory database also exists only on
	// its own connection.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&User{}, &Message{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db, logger: logger.With("component", "store"), now: time.Now}, nil
}

// Create stores a message for an existing author in a single transaction.
func (s *Store) Create(ctx context.Context, key relay.RoomKey, userID, body string) (relay.StoredMessage, error) {
	var msg Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var author User
		if err := tx.First(&author, "id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrUnknownAuthor, userID)
			}
			return fmt.Errorf("failed to load author: %w", err)
		}

		msg = Message{
			ID:        uuid.NewString(),
			RoomKey:   string(key),
			UserID:    author.ID,
			Body:      body,
			CreatedAt: s.now().UTC().Truncate(time.Millisecond),
		}
		if err := tx.Omit(clause.Associations).Create(&msg).Error; err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}
		msg.User = author
		return nil
	})
	if err != nil {
		return relay.StoredMessage{}, err
	}

	s.logger.Debug("message stored", "room", key, "messageID", msg.ID, "seq", msg.Seq)
	return msg.stored(), nil
}

// History returns up to limit messages of a room stored after cursor,
// oldest first. An empty cursor starts at the beginning.
func (s *Store) History(ctx context.Context, key relay.RoomKey, cursor string, limit int) (Page, error) {
	after, err := parseCursor(cursor)
	if err != nil {
		return Page{}, err
	}
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}

	var rows []Message
	err = s.db.WithContext(ctx).
		Preload("User").
		Where("room_key = ? AND seq > ?", string(key), after).
		Order("seq ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return Page{}, fmt.Errorf("failed to list messages: %w", err)
	}

	page := Page{Messages: make([]relay.StoredMessage, 0, len(rows)), NextCursor: cursor}
	for _, row := range rows {
		page.Messages = append(page.Messages, row.stored())
	}
	if n := len(rows); n > 0 {
		page.NextCursor = strconv.FormatUint(rows[n-1].Seq, 10)
	}
	return page, nil
}

// UpsertUser creates or updates an author profile.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return relay.ErrMissingUser
	}
	if u.Role == "" {
		u.Role = "STUDENT"
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "nickname", "image", "role", "updated_at"}),
	}).Create(&u).Error
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// FindUser retrieves an author profile by id.
func (s *Store) FindUser(ctx context.Context, id string) (User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, fmt.Errorf("%w: %s", ErrUnknownAuthor, id)
		}
		return User{}, fmt.Errorf("failed to find user: %w", err)
	}
	return u, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func parseCursor(cursor string) (uint64, error) {
	if cursor == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %.32q", ErrInvalidCursor, cursor)
	}
	return seq, nil
}
