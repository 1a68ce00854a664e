package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"timetablebot/pkg/logx"
)

type postgresStore struct {
	db  *pgxpool.Pool
	log logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	ddl, err := migration("postgres")
	if err == nil {
		_, err = pool.Exec(ctx, ddl)
	}
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres store opened")
	return &postgresStore{db: pool, log: log}, nil
}

func (r *postgresStore) Close() error {
	r.db.Close()
	return nil
}

func (r *postgresStore) Ping(ctx context.Context) error { return r.db.Ping(ctx) }

const pgUserCols = `id, username, grp, evening_notify, morning_summary, lesson_reminders, change_alerts, reminder_minutes, created_at, updated_at`

func (r *postgresStore) UpsertUser(ctx context.Context, u User) error {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	_, err := r.db.Exec(ctx,
		`INSERT INTO users(`+pgUserCols+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT(id) DO UPDATE SET
			username=EXCLUDED.username, grp=EXCLUDED.grp,
			evening_notify=EXCLUDED.evening_notify, morning_summary=EXCLUDED.morning_summary,
			lesson_reminders=EXCLUDED.lesson_reminders, change_alerts=EXCLUDED.change_alerts,
			reminder_minutes=EXCLUDED.reminder_minutes, updated_at=EXCLUDED.updated_at`,
		u.ID, u.Username, u.Group, u.EveningNotify, u.MorningSummary, u.LessonReminders, u.ChangeAlerts,
		u.ReminderMinutes, u.CreatedAt, u.UpdatedAt,
	)
	return err
}

func (r *postgresStore) GetUser(ctx context.Context, id int64) (User, bool, error) {
	u, err := scanPgUser(r.db.QueryRow(ctx, `SELECT `+pgUserCols+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	return u, true, nil
}

func (r *postgresStore) ListUsers(ctx context.Context, f UserFilter) ([]User, error) {
	where, args := f.whereClause(func(n int) string { return "$" + strconv.Itoa(n) })
	rows, err := r.db.Query(ctx, `SELECT `+pgUserCols+` FROM users`+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanPgUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanPgUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Group, &u.EveningNotify, &u.MorningSummary,
		&u.LessonReminders, &u.ChangeAlerts, &u.ReminderMinutes, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (r *postgresStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO dedup(key, until) VALUES($1,$2)
		 ON CONFLICT(key) DO UPDATE SET until=EXCLUDED.until`,
		key, until.UnixMilli())
	return err
}

func (r *postgresStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := r.db.QueryRow(ctx, `SELECT until FROM dedup WHERE key = $1`, key).Scan(&ms)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}
