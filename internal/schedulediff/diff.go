// Package schedulediff compares two versions of a day schedule and renders
// the differences as a Telegram notification.
package schedulediff

import (
	"sort"
	"strings"

	"timetablebot/internal/timetable"
)

type Kind string

const (
	KindAdded          Kind = "added"
	KindRemoved        Kind = "removed"
	KindTimeChanged    Kind = "time_changed"
	KindRoomChanged    Kind = "room_changed"
	KindTeacherChanged Kind = "teacher_changed"
	KindSubjectChanged Kind = "subject_changed"
	KindTypeChanged    Kind = "type_changed"
)

const (
	noRoom    = "не указана"
	noTeacher = "не указан"
	noType    = "не указан"
)

// Change is one difference between two day snapshots.
//
// KindTimeChanged and KindSubjectChanged are never produced: time and subject
// form the lesson identity, so changing either shows up as removed plus added.
type Change struct {
	Kind     Kind   `json:"kind"`
	Subject  string `json:"subject"`
	Time     string `json:"time,omitempty"`
	OldValue string `json:"old_value,omitempty"`
	NewValue string `json:"new_value,omitempty"`
	Room     string `json:"room,omitempty"`
	Teacher  string `json:"teacher,omitempty"`
}

// priority is the display order; kinds missing here are never displayed.
var priority = map[Kind]int{
	KindAdded:          0,
	KindRemoved:        1,
	KindTimeChanged:    2,
	KindRoomChanged:    3,
	KindTeacherChanged: 4,
	KindTypeChanged:    5,
}

type normLesson struct {
	time, subject, typ, room, teachers string
}

func (l normLesson) key() string { return l.time + "_" + l.subject }

func normalize(ds *timetable.DaySchedule) map[string]normLesson {
	out := map[string]normLesson{}
	if ds == nil || ds.Err != "" {
		return out
	}
	for _, l := range ds.Lessons {
		n := normLesson{
			time:     strings.TrimSpace(l.Time),
			subject:  strings.TrimSpace(l.Subject),
			typ:      strings.TrimSpace(l.Type),
			room:     strings.TrimSpace(l.Room),
			teachers: strings.TrimSpace(l.Teachers),
		}
		out[n.key()] = n
	}
	return out
}

// Detect lists the changes from prev to next. A nil or failed snapshot
// counts as a day without lessons. The result is ordered by kind, then time
// and subject.
func Detect(prev, next *timetable.DaySchedule) []Change {
	before, after := normalize(prev), normalize(next)
	var changes []Change

	for k, n := range after {
		if _, ok := before[k]; !ok {
			changes = append(changes, Change{Kind: KindAdded, Subject: n.subject, Time: n.time, Room: n.room, Teacher: n.teachers})
		}
	}
	for k, o := range before {
		n, ok := after[k]
		if !ok {
			changes = append(changes, Change{Kind: KindRemoved, Subject: o.subject, Time: o.time, Room: o.room, Teacher: o.teachers})
			continue
		}
		if o.room != n.room {
			changes = append(changes, fieldChange(KindRoomChanged, n, o.room, n.room, noRoom))
		}
		if o.teachers != n.teachers {
			changes = append(changes, fieldChange(KindTeacherChanged, n, o.teachers, n.teachers, noTeacher))
		}
		if o.typ != n.typ {
			changes = append(changes, fieldChange(KindTypeChanged, n, o.typ, n.typ, noType))
		}
	}

	sort.SliceStable(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]
		if pa, pb := rank(a.Kind), rank(b.Kind); pa != pb {
			return pa < pb
		}
		if a.Time != b.Time {
			return a.Time < b.Time
		}
		return a.Subject < b.Subject
	})
	return changes
}

func fieldChange(kind Kind, n normLesson, oldV, newV, empty string) Change {
	if oldV == "" {
		oldV = empty
	}
	if newV == "" {
		newV = empty
	}
	return Change{Kind: kind, Subject: n.subject, Time: n.time, OldValue: oldV, NewValue: newV}
}

func rank(k Kind) int {
	if p, ok := priority[k]; ok {
		return p
	}
	return len(priority)
}
