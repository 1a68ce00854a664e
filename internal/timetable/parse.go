package timetable

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const lessonLength = 90 * time.Minute

type xmlFeed struct {
	Period *xmlAttrs  `xml:"Period"`
	Weeks  *xmlAttrs  `xml:"Weeks"`
	Groups []xmlGroup `xml:"Group"`
}

type xmlAttrs struct {
	Attrs []xml.Attr `xml:",any,attr"`
}

func (a *xmlAttrs) toMap() map[string]string {
	if a == nil {
		return nil
	}
	m := make(map[string]string, len(a.Attrs))
	for _, at := range a.Attrs {
		m[at.Name.Local] = at.Value
	}
	return m
}

type xmlGroup struct {
	Number string   `xml:"Number,attr"`
	Days   []xmlDay `xml:"Days>Day"`
}

type xmlDay struct {
	Title   string      `xml:"Title,attr"`
	Lessons []xmlLesson `xml:"GroupLessons>Lesson"`
}

type xmlLesson struct {
	Time       *string  `xml:"Time"`
	Discipline *string  `xml:"Discipline"`
	Classroom  *string  `xml:"Classroom"`
	WeekCode   *string  `xml:"WeekCode"`
	Lecturers  []string `xml:"Lecturers>Lecturer>ShortName"`
}

// Parse decodes the timetable feed. The feed is UTF-16 with a BOM in
// production; UTF-8 is accepted too. Hash is the md5 of raw.
func Parse(raw []byte) (*Timetable, error) {
	sum := md5.Sum(raw)

	text, err := decodeText(raw)
	if err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	dec := xml.NewDecoder(bytes.NewReader(bytes.TrimSpace(text)))
	// Already UTF-8 regardless of the declared encoding.
	dec.CharsetReader = func(_ string, r io.Reader) (io.Reader, error) { return r, nil }

	var feed xmlFeed
	if err := dec.Decode(&feed); err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	b := newIndexBuilder()
	tt := &Timetable{
		Groups:    map[string]GroupWeeks{},
		Hash:      hex.EncodeToString(sum[:]),
		FetchedAt: time.Now().UTC(),
		Meta:      map[string]map[string]string{},
	}
	if m := feed.Period.toMap(); m != nil {
		tt.Meta["period"] = m
		tt.SemesterStart = semesterStart(m)
	}
	if m := feed.Weeks.toMap(); m != nil {
		tt.Meta["weeks"] = m
	}

	for _, g := range feed.Groups {
		number := strings.ToUpper(strings.TrimSpace(g.Number))
		if number == "" {
			continue
		}
		weeks := GroupWeeks{Odd: map[string][]Lesson{}, Even: map[string][]Lesson{}}
		for _, d := range g.Days {
			if d.Title == "" {
				continue
			}
			for _, xl := range d.Lessons {
				l, code, lecturers := convertLesson(xl, number)
				switch code {
				case weekCodeOdd:
					weeks.Odd[d.Title] = append(weeks.Odd[d.Title], l)
				case weekCodeEven:
					weeks.Even[d.Title] = append(weeks.Even[d.Title], l)
				default:
					weeks.Odd[d.Title] = append(weeks.Odd[d.Title], l)
					weeks.Even[d.Title] = append(weeks.Even[d.Title], l)
				}
				b.add(d.Title, code, l, lecturers)
			}
		}
		tt.Groups[number] = weeks
	}
	tt.Teachers = b.teachers.result()
	tt.Classrooms = b.classrooms.result()
	return tt, nil
}

func decodeText(raw []byte) ([]byte, error) {
	// UTF-16 without BOM still starts with "<\x00".
	if len(raw) >= 2 && raw[0] == '<' && raw[1] == 0 {
		raw = append([]byte{0xFF, 0xFE}, raw...)
	}
	r := transform.NewReader(bytes.NewReader(raw), unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	return io.ReadAll(r)
}

func convertLesson(xl xmlLesson, group string) (Lesson, string, []string) {
	timeRaw := "N/A"
	if xl.Time != nil && strings.TrimSpace(*xl.Time) != "" {
		timeRaw = strings.TrimSpace(*xl.Time)
	}
	discipline := "N/A"
	if xl.Discipline != nil && strings.TrimSpace(*xl.Discipline) != "" {
		discipline = strings.TrimSpace(*xl.Discipline)
	}
	// "<type> <subject>"; a single word is a subject without type.
	subject, typ := discipline, ""
	if kind, rest, ok := strings.Cut(discipline, " "); ok {
		typ, subject = kind, strings.TrimSpace(rest)
	}

	room := NoRoom
	if xl.Classroom != nil {
		if r := strings.Trim(*xl.Classroom, ";* "); r != "" {
			room = r
		}
	}

	var lecturers []string
	for _, name := range xl.Lecturers {
		if name = strings.TrimSpace(name); name != "" {
			lecturers = append(lecturers, name)
		}
	}

	start := strings.Fields(timeRaw)[0]
	end := "N/A"
	if m, ok := ParseClock(start); ok {
		end = FormatClock(m + int(lessonLength/time.Minute))
	}

	code := "0"
	if xl.WeekCode != nil {
		code = strings.TrimSpace(*xl.WeekCode)
	}
	return Lesson{
		Time:         start + "-" + end,
		Subject:      subject,
		Type:         typ,
		Teachers:     strings.Join(lecturers, ", "),
		Room:         room,
		Group:        group,
		StartTimeRaw: start,
		EndTimeRaw:   end,
	}, code, lecturers
}

func semesterStart(period map[string]string) time.Time {
	y, err1 := strconv.Atoi(period["StartYear"])
	m, err2 := strconv.Atoi(period["StartMonth"])
	d, err3 := strconv.Atoi(period["StartDay"])
	if err1 != nil || err2 != nil || err3 != nil || m < 1 || m > 12 || d < 1 || d > 31 {
		return time.Time{}
	}
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
}

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, bool) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, false
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func FormatClock(minutes int) string {
	minutes = ((minutes % (24 * 60)) + 24*60) % (24 * 60)
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// indexBuilder merges identical lessons taught to several groups.
type indexBuilder struct {
	teachers   *lessonIndex
	classrooms *lessonIndex
}

func newIndexBuilder() *indexBuilder {
	return &indexBuilder{teachers: newLessonIndex(), classrooms: newLessonIndex()}
}

func (b *indexBuilder) add(day, code string, l Lesson, lecturers []string) {
	sorted := append([]string(nil), lecturers...)
	sort.Strings(sorted)
	key := strings.Join([]string{day, code, l.Time, l.Subject, l.Type, l.Room, strings.Join(sorted, "|")}, "-")

	entry := l
	entry.Day = day
	entry.WeekCode = code
	entry.Groups = []string{l.Group}

	for _, name := range lecturers {
		b.teachers.add(name, key, entry)
	}
	if l.Room != NoRoom {
		b.classrooms.add(l.Room, key, entry)
	}
}

type lessonIndex struct {
	entries map[string][]Lesson
	pos     map[string]map[string]int
}

func newLessonIndex() *lessonIndex {
	return &lessonIndex{entries: map[string][]Lesson{}, pos: map[string]map[string]int{}}
}

func (x *lessonIndex) add(owner, key string, l Lesson) {
	keys := x.pos[owner]
	if keys == nil {
		keys = map[string]int{}
		x.pos[owner] = keys
	}
	if i, ok := keys[key]; ok {
		e := &x.entries[owner][i]
		e.Groups = append(e.Groups, l.Group)
		return
	}
	l.Groups = append([]string(nil), l.Groups...)
	keys[key] = len(x.entries[owner])
	x.entries[owner] = append(x.entries[owner], l)
}

func (x *lessonIndex) result() map[string][]Lesson { return x.entries }
