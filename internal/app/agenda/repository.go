package agenda

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("not found")

const StatusPending = "pending"

// Commitment is a scheduled legal obligation (hearing, deadline) owned
// by a user. This service only reads them.
type Commitment struct {
	ID            string
	UserID        string
	Title         string
	Date          time.Time
	Location      string
	ProcessNumber string
	ClientName    string
	Status        string
}

type Profile struct {
	UserID                     string
	FullName                   string
	ReceiveAgendaNotifications bool
	Timezone                   string
}

type NotificationSettings struct {
	UserID          string
	AgendaEmailTime string
	AgendaTimezone  string
}

type User struct {
	ID    string
	Email string
}

type Repository interface {
	EnsureSchema(ctx context.Context) error
	ListPendingCommitments(ctx context.Context, from, to time.Time) ([]Commitment, error)
	ListPendingCommitmentsForUser(ctx context.Context, userID string, from, to time.Time) ([]Commitment, error)
	GetProfile(ctx context.Context, userID string) (Profile, error)
	GetSettings(ctx context.Context, userID string) (NotificationSettings, error)
	GetUserEmail(ctx context.Context, userID string) (string, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
}

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

const createUsersSQL = `
CREATE TABLE IF NOT EXISTS users (
  id text PRIMARY KEY,
  email text NOT NULL UNIQUE,
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createProfilesSQL = `
CREATE TABLE IF NOT EXISTS profiles (
  user_id text PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
  full_name text NOT NULL DEFAULT '',
  receive_agenda_notifications boolean NOT NULL DEFAULT true,
  timezone text NOT NULL DEFAULT '',
  updated_at timestamptz NOT NULL DEFAULT now()
)`

const createNotificationSettingsSQL = `
CREATE TABLE IF NOT EXISTS notification_settings (
  user_id text PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
  agenda_email_time text NOT NULL DEFAULT '08:00',
  agenda_timezone text NOT NULL DEFAULT '',
  updated_at timestamptz NOT NULL DEFAULT now()
)`

const createCommitmentsSQL = `
CREATE TABLE IF NOT EXISTS commitments (
  id text PRIMARY KEY,
  user_id text NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  title text NOT NULL,
  commitment_date timestamptz NOT NULL,
  location text NOT NULL DEFAULT '',
  process_number text NOT NULL DEFAULT '',
  client_name text NOT NULL DEFAULT '',
  status text NOT NULL DEFAULT 'pending',
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createCommitmentsDateIdxSQL = `
CREATE INDEX IF NOT EXISTS commitments_status_date_idx
ON commitments (status, commitment_date)`

const listPendingCommitmentsSQL = `
SELECT id, user_id, title, commitment_date, location, process_number, client_name, status
FROM commitments
WHERE status = 'pending' AND commitment_date >= $1 AND commitment_date < $2
ORDER BY commitment_date ASC`

const listPendingCommitmentsForUserSQL = `
SELECT id, user_id, title, commitment_date, location, process_number, client_name, status
FROM commitments
WHERE user_id = $1 AND status = 'pending' AND commitment_date >= $2 AND commitment_date < $3
ORDER BY commitment_date ASC`

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{
		createUsersSQL,
		createProfilesSQL,
		createNotificationSettingsSQL,
		createCommitmentsSQL,
		createCommitmentsDateIdxSQL,
	} {
		if _, err := r.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresRepository) ListPendingCommitments(ctx context.Context, from, to time.Time) ([]Commitment, error) {
	rows, err := r.Pool.Query(ctx, listPendingCommitmentsSQL, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommitments(rows)
}

func (r *PostgresRepository) ListPendingCommitmentsForUser(ctx context.Context, userID string, from, to time.Time) ([]Commitment, error) {
	rows, err := r.Pool.Query(ctx, listPendingCommitmentsForUserSQL, userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommitments(rows)
}

func scanCommitments(rows pgx.Rows) ([]Commitment, error) {
	result := []Commitment{}
	for rows.Next() {
		var c Commitment
		if err := rows.Scan(
			&c.ID,
			&c.UserID,
			&c.Title,
			&c.Date,
			&c.Location,
			&c.ProcessNumber,
			&c.ClientName,
			&c.Status,
		); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) GetProfile(ctx context.Context, userID string) (Profile, error) {
	var p Profile
	err := r.Pool.QueryRow(ctx,
		`SELECT user_id, full_name, receive_agenda_notifications, timezone
		 FROM profiles
		 WHERE user_id = $1`,
		userID,
	).Scan(&p.UserID, &p.FullName, &p.ReceiveAgendaNotifications, &p.Timezone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, err
	}
	return p, nil
}

func (r *PostgresRepository) GetSettings(ctx context.Context, userID string) (NotificationSettings, error) {
	var s NotificationSettings
	err := r.Pool.QueryRow(ctx,
		`SELECT user_id, agenda_email_time, agenda_timezone
		 FROM notification_settings
		 WHERE user_id = $1`,
		userID,
	).Scan(&s.UserID, &s.AgendaEmailTime, &s.AgendaTimezone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return NotificationSettings{}, ErrNotFound
		}
		return NotificationSettings{}, err
	}
	return s, nil
}

func (r *PostgresRepository) GetUserEmail(ctx context.Context, userID string) (string, error) {
	var email string
	err := r.Pool.QueryRow(ctx,
		`SELECT email FROM users WHERE id = $1`,
		userID,
	).Scan(&email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return email, nil
}

func (r *PostgresRepository) FindUserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := r.Pool.QueryRow(ctx,
		`SELECT id, email FROM users WHERE lower(email) = lower($1)`,
		strings.TrimSpace(email),
	).Scan(&u.ID, &u.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}
