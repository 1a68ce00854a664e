package jobs

import (
	"context"
	"reflect"
	"sort"
	"strconv"
	"time"

	"timetablebot/internal/eventbus"
	"timetablebot/internal/schedulediff"
	"timetablebot/internal/storage"
	"timetablebot/internal/timetable"
	kit "timetablebot/internal/transport"
	"timetablebot/pkg/logx"
)

// CheckChanges fetches the feed and, when its hash moved, publishes the new
// timetable, alerts subscribers about today's and tomorrow's changes of their
// group and drops stale week images.
func (j *Jobs) CheckChanges(ctx context.Context) error {
	raw, err := j.d.Source.Fetch(ctx)
	if err != nil {
		return err
	}
	prev, next, changed, err := j.d.Timetable.Swap(ctx, raw)
	if err != nil {
		return err
	}
	if !changed {
		j.d.Log.Debug("timetable unchanged", logx.String("hash", next.Hash))
		return nil
	}
	if prev == nil {
		j.d.Log.Info("timetable loaded", logx.String("hash", next.Hash), logx.Int("groups", len(next.Groups)))
		return nil
	}

	groups := changedGroups(prev, next)
	j.d.Log.Warn("timetable changed",
		logx.String("old_hash", prev.Hash),
		logx.String("new_hash", next.Hash),
		logx.Int("groups", len(groups)),
	)
	if j.d.Images != nil {
		for _, g := range groups {
			if _, err := j.d.Images.InvalidateGroup(ctx, g); err != nil {
				j.d.Log.Warn("image invalidation failed", logx.String("group", g), logx.Err(err))
			}
		}
	}
	if j.d.Bus != nil {
		j.d.Bus.Publish(eventbus.Event{
			Type: eventbus.TypeScheduleChanged,
			Data: ScheduleChanged{OldHash: prev.Hash, NewHash: next.Hash, Groups: groups},
		})
	}
	return j.alertChanges(ctx, prev, next, groups)
}

func (j *Jobs) alertChanges(ctx context.Context, prev, next *timetable.Timetable, groups []string) error {
	users, err := j.d.Store.ListUsers(ctx, storage.UserFilter{WithGroup: true, ChangeAlerts: true})
	if err != nil {
		return err
	}
	byGroup := map[string][]storage.User{}
	for _, u := range users {
		byGroup[u.Group] = append(byGroup[u.Group], u)
	}

	today := j.today()
	sent := 0
	for _, g := range groups {
		subs := byGroup[g]
		if len(subs) == 0 {
			continue
		}
		for _, d := range []int{0, 1} {
			day := today.AddDate(0, 0, d)
			text, ok := diffDay(prev, next, g, day)
			if !ok {
				continue
			}
			for _, u := range subs {
				// A big change can outgrow the queue; wait for room instead of dropping.
				err := j.d.Notifier.NotifyWait(ctx, kit.Notification{
					Channel:  "telegram",
					Priority: 7,
					Target:   kit.ChatTarget{ChatID: u.ID},
					Text:     text,
					DedupKey: "changes:" + next.Hash + ":" + g + ":" + day.Format(time.DateOnly) + ":" + strconv.FormatInt(u.ID, 10),
					Options:  &kit.SendOptions{ParseMode: "HTML", DisablePreview: true},
				})
				if err != nil {
					j.d.Log.Warn("change alert not queued", logx.Int64("user", u.ID), logx.Err(err))
					continue
				}
				sent++
			}
		}
	}
	j.d.Log.Info("change alerts queued", logx.Int("alerts", sent))
	return nil
}

// diffDay formats the changes of group on day. A group missing from the
// new timetable yields nothing.
func diffDay(prev, next *timetable.Timetable, group string, day time.Time) (string, bool) {
	after, err := next.GroupDay(group, day)
	if err != nil {
		return "", false
	}
	before, _ := prev.GroupDay(group, day)
	return schedulediff.Format(group, day, schedulediff.Detect(before, after))
}

// changedGroups lists groups whose weeks differ, including removed and added ones.
func changedGroups(prev, next *timetable.Timetable) []string {
	var out []string
	for g, w := range next.Groups {
		if old, ok := prev.Groups[g]; !ok || !reflect.DeepEqual(old, w) {
			out = append(out, g)
		}
	}
	for g := range prev.Groups {
		if _, ok := next.Groups[g]; !ok {
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out
}
