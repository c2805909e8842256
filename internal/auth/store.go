package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite" // Register sqlite driver
)

var (
	// ErrUserExists is returned when adding a user name that is taken
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound is returned by Get for unknown users
	ErrUserNotFound = errors.New("user not found")
)

// User is a stored account
type User struct {
	ID             int64
	Username       string
	HashedPassword string
}

// UserStore keeps accounts in a sqlite database
type UserStore struct {
	db   *sql.DB
	cost int
}

// OpenUserStore opens (and creates if needed) the user database at path
func OpenUserStore(path string) (*UserStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}

	s := &UserStore{db: db, cost: bcrypt.DefaultCost}
	if err := s.Init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the users table
func (s *UserStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		hashed_password TEXT NOT NULL
	);
	`)
	if err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// AddUser stores a new account with a bcrypt hash of password
func (s *UserStore) AddUser(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if password == "" {
		return errors.New("password cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO users (username, hashed_password) VALUES (?, ?) ON CONFLICT(username) DO NOTHING",
		username, string(hash))
	if err != nil {
		return fmt.Errorf("adding user %s: %w", username, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrUserExists, username)
	}
	return nil
}

// Get returns the account named username
func (s *UserStore) Get(ctx context.Context, username string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, hashed_password FROM users WHERE username = ?", username).
		Scan(&u.ID, &u.Username, &u.HashedPassword)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	if err != nil {
		return User{}, fmt.Errorf("loading user %s: %w", username, err)
	}
	return u, nil
}

// Verify checks password against the stored hash. Unknown users and wrong
// passwords both yield ErrInvalidCredentials.
func (s *UserStore) Verify(ctx context.Context, username, password string) error {
	u, err := s.Get(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return err
	}
	if password == "" {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.HashedPassword), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// Close closes the database
func (s *UserStore) Close() error {
	return s.db.Close()
}
