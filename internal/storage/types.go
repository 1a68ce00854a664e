package storage

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage. Empty Driver or "none" disables it.
type Config struct {
	Driver      string
	Path        string // file, sqlite
	DSN         string // postgres
	BusyTimeout time.Duration
}

// DefaultReminderMinutes is used when a user enables reminders without choosing a lead time.
const DefaultReminderMinutes = 15

// User is a Telegram user with their group and notification preferences.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
	Group    string `json:"group,omitempty"`

	EveningNotify   bool `json:"evening_notify"`
	MorningSummary  bool `json:"morning_summary"`
	LessonReminders bool `json:"lesson_reminders"`
	ChangeAlerts    bool `json:"change_alerts"`
	ReminderMinutes int  `json:"reminder_minutes"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewUser returns a user with the defaults a fresh /start gets.
func NewUser(id int64, username string) User {
	now := time.Now().UTC()
	return User{
		ID:              id,
		Username:        username,
		EveningNotify:   true,
		ChangeAlerts:    true,
		ReminderMinutes: DefaultReminderMinutes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// UserFilter selects users. Set booleans require the flag to be on.
type UserFilter struct {
	Group           string
	WithGroup       bool
	EveningNotify   bool
	MorningSummary  bool
	LessonReminders bool
	ChangeAlerts    bool
}

func (f UserFilter) Match(u User) bool {
	if f.Group != "" && !strings.EqualFold(f.Group, u.Group) {
		return false
	}
	if f.WithGroup && u.Group == "" {
		return false
	}
	return (!f.EveningNotify || u.EveningNotify) &&
		(!f.MorningSummary || u.MorningSummary) &&
		(!f.LessonReminders || u.LessonReminders) &&
		(!f.ChangeAlerts || u.ChangeAlerts)
}

// whereClause renders f as SQL. ph returns the placeholder for the n-th argument.
func (f UserFilter) whereClause(ph func(n int) string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Group != "" {
		args = append(args, strings.ToUpper(f.Group))
		conds = append(conds, "UPPER(grp) = "+ph(len(args)))
	}
	if f.WithGroup {
		conds = append(conds, "grp <> ''")
	}
	for _, c := range []struct {
		on  bool
		col string
	}{
		{f.EveningNotify, "evening_notify"},
		{f.MorningSummary, "morning_summary"},
		{f.LessonReminders, "lesson_reminders"},
		{f.ChangeAlerts, "change_alerts"},
	} {
		if c.on {
			conds = append(conds, c.col)
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
