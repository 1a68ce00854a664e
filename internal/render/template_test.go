package render

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"timetablebot/pkg/logx"
)

func writeTemplate(t *testing.T, path, body string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWeekSlug(t *testing.T) {
	cases := map[string]string{
		"Нечетная неделя": WeekSlugOdd,
		"НЕЧЁТНАЯ":        WeekSlugOdd,
		"Четная неделя":   WeekSlugEven,
		"":                WeekSlugEven,
	}
	for in, want := range cases {
		if got := WeekSlug(in); got != want {
			t.Fatalf("WeekSlug(%q)=%q want %q", in, got, want)
		}
	}
}

func TestTemplateReloadsOnMtimeChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.html")
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeTemplate(t, path, `v1 {{.group}} {{.week_slug}}`, base)

	r := NewTemplateRenderer(path, dir, logx.Nop())
	out, err := r.Render(nil, "Нечетная неделя", "ИСТ-21")
	if err != nil || out != "v1 ИСТ-21 odd" {
		t.Fatalf("render=%q err=%v", out, err)
	}
	if _, err := r.Render(nil, "Четная неделя", "ИСТ-21"); err != nil {
		t.Fatalf("render: %v", err)
	}
	if r.loads != 1 {
		t.Fatalf("loads=%d want 1", r.loads)
	}

	writeTemplate(t, path, `v2 {{.group}}`, base.Add(time.Minute))
	out, err = r.Render(nil, "", "ИСТ-22")
	if err != nil || out != "v2 ИСТ-22" {
		t.Fatalf("render=%q err=%v", out, err)
	}
	if r.loads != 2 {
		t.Fatalf("loads=%d want 2", r.loads)
	}
}

func TestTemplateMissingFile(t *testing.T) {
	r := NewTemplateRenderer(filepath.Join(t.TempDir(), "missing.html"), "", logx.Nop())
	if _, err := r.Render(nil, "", "X"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestTemplateBackgrounds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.html")
	writeTemplate(t, path, `{{.bg_image}}|{{.assets_base}}`, time.Now())
	if err := os.WriteFile(filepath.Join(dir, bgOddFile), testPNG(2, 2), 0o644); err != nil {
		t.Fatalf("write bg: %v", err)
	}

	r := NewTemplateRenderer(path, dir, logx.Nop())
	odd, err := r.Render(nil, "нечетная", "X")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	bg, base, _ := strings.Cut(odd, "|")
	if !strings.HasPrefix(bg, "data:image/png;base64,") {
		t.Fatalf("odd bg=%q", bg)
	}
	if !strings.HasPrefix(base, "file://") || !strings.HasSuffix(base, "/") {
		t.Fatalf("assets base=%q", base)
	}

	// purple background is absent: the page renders without it
	even, err := r.Render(nil, "четная", "X")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if bg, _, _ := strings.Cut(even, "|"); bg != "" {
		t.Fatalf("even bg=%q want empty", bg)
	}
}

func TestShippedTemplate(t *testing.T) {
	path := filepath.Join("..", "..", "templates", "schedule.html")
	r := NewTemplateRenderer(path, filepath.Join("..", "..", "assets"), logx.Nop())
	days := PrepareDays(nil)
	days[0].Lessons = []PreparedLesson{{Title: "Сети <Лек>", Room: "301", Time: "09:00-10:30"}}
	days[0].FirstStart = "09:00"

	out, err := r.Render(days, "Нечетная неделя", "ИСТ-21")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{
		`id="scale-canvas"`,
		`week-odd`,
		`ИСТ-21`,
		`Сети &lt;Лек&gt;`,
		`301*`,
		`ПЕРВАЯ ПАРА`,
		`Отдыхаем на расслабоне`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q", want)
		}
	}
}
