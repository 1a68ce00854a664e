package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"timetablebot/pkg/logx"
)

func openTestStore(t *testing.T, driver string) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bot.db")
	st, err := Open(context.Background(), Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	return st, path
}

func TestStoreUsers(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			st, _ := openTestStore(t, driver)
			defer st.Close()

			a := NewUser(1, "alice")
			a.Group = "ИВТ-21"
			b := NewUser(2, "bob")
			b.Group = "ПИ-22"
			b.EveningNotify = false
			b.LessonReminders = true
			c := NewUser(3, "carol")
			for _, u := range []User{a, b, c} {
				if err := st.UpsertUser(ctx, u); err != nil {
					t.Fatalf("UpsertUser: %v", err)
				}
			}

			got, ok, err := st.GetUser(ctx, 2)
			if err != nil || !ok {
				t.Fatalf("GetUser: ok=%v err=%v", ok, err)
			}
			if got.Group != "ПИ-22" || got.EveningNotify || !got.LessonReminders || got.ReminderMinutes != DefaultReminderMinutes {
				t.Fatalf("user=%+v", got)
			}
			if _, ok, _ := st.GetUser(ctx, 99); ok {
				t.Fatalf("unexpected user 99")
			}

			cases := []struct {
				name string
				f    UserFilter
				want []int64
			}{
				{"all", UserFilter{}, []int64{1, 2, 3}},
				{"with group", UserFilter{WithGroup: true}, []int64{1, 2}},
				{"evening", UserFilter{WithGroup: true, EveningNotify: true}, []int64{1}},
				{"reminders", UserFilter{LessonReminders: true}, []int64{2}},
				{"group", UserFilter{Group: "пи-22"}, []int64{2}},
			}
			for _, tc := range cases {
				users, err := st.ListUsers(ctx, tc.f)
				if err != nil {
					t.Fatalf("%s: %v", tc.name, err)
				}
				var ids []int64
				for _, u := range users {
					ids = append(ids, u.ID)
				}
				if len(ids) != len(tc.want) {
					t.Fatalf("%s: ids=%v want %v", tc.name, ids, tc.want)
				}
				for i := range ids {
					if ids[i] != tc.want[i] {
						t.Fatalf("%s: ids=%v want %v", tc.name, ids, tc.want)
					}
				}
			}
		})
	}
}

func TestStoreDedup(t *testing.T) {
	ctx := context.Background()
	st, _ := openTestStore(t, "sqlite")
	defer st.Close()

	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := st.PutDedup(ctx, "k", until); err != nil {
		t.Fatal(err)
	}
	got, ok, err := st.GetDedup(ctx, "k")
	if err != nil || !ok || !got.Equal(until) {
		t.Fatalf("GetDedup=%v %v %v", got, ok, err)
	}
}

func TestFileStoreReopen(t *testing.T) {
	ctx := context.Background()
	st, path := openTestStore(t, "file")
	u := NewUser(7, "dan")
	u.Group = "ИВТ-21"
	if err := st.UpsertUser(ctx, u); err != nil {
		t.Fatal(err)
	}
	_ = st.PutDedup(ctx, "expired", time.Now().Add(-time.Minute))
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	got, ok, _ := st2.GetUser(ctx, 7)
	if !ok || got.Group != "ИВТ-21" {
		t.Fatalf("reopened user=%+v ok=%v", got, ok)
	}
	if _, ok, _ := st2.GetDedup(ctx, "expired"); ok {
		t.Fatalf("expired dedup survived reopen")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop())
	if err == nil || !strings.Contains(err.Error(), "mongo") {
		t.Fatalf("err=%v", err)
	}
	st, err := Open(context.Background(), Config{}, logx.Nop())
	if st != nil || err != nil {
		t.Fatalf("disabled storage should be nil,nil")
	}
}

func TestWhereClausePlaceholders(t *testing.T) {
	where, args := UserFilter{Group: "a", ChangeAlerts: true}.whereClause(func(n int) string { return "$1" })
	if where != " WHERE UPPER(grp) = $1 AND change_alerts" || len(args) != 1 || args[0] != "A" {
		t.Fatalf("where=%q args=%v", where, args)
	}
}
