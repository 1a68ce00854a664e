package render

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"timetablebot/pkg/logx"
)

const (
	WeekSlugOdd  = "odd"
	WeekSlugEven = "even"

	bgOddFile  = "orange_background.png"
	bgEvenFile = "purple_background.png"
)

// TemplateRenderer fills the schedule template. The compiled template is
// reloaded when the file's modification time changes; backgrounds are read once.
type TemplateRenderer struct {
	path      string
	assetsDir string
	log       logx.Logger

	mu    sync.Mutex
	tpl   *template.Template
	mtime time.Time
	loads int

	bgOnce sync.Once
	bgOdd  template.URL
	bgEven template.URL
}

func NewTemplateRenderer(path, assetsDir string, log logx.Logger) *TemplateRenderer {
	return &TemplateRenderer{path: path, assetsDir: assetsDir, log: log}
}

// WeekSlug returns "odd" when the label mentions an odd week ("Неч…").
func WeekSlug(weekType string) string {
	if strings.Contains(strings.ToLower(weekType), "неч") {
		return WeekSlugOdd
	}
	return WeekSlugEven
}

// Render returns the HTML document for one week.
func (r *TemplateRenderer) Render(days []PreparedDay, weekType, group string) (string, error) {
	tpl, err := r.template()
	if err != nil {
		return "", err
	}
	r.bgOnce.Do(r.loadBackgrounds)

	slug := WeekSlug(weekType)
	bg := r.bgEven
	if slug == WeekSlugOdd {
		bg = r.bgOdd
	}
	params := map[string]any{
		"week_type":     weekType,
		"week_slug":     slug,
		"group":         group,
		"schedule_days": days,
		"bg_image":      bg,
		"assets_base":   r.assetsBase(),
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}

func (r *TemplateRenderer) template() (*template.Template, error) {
	st, err := os.Stat(r.path)
	if err != nil {
		return nil, fmt.Errorf("template: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tpl != nil && st.ModTime().Equal(r.mtime) {
		return r.tpl, nil
	}
	tpl, err := template.ParseFiles(r.path)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	r.tpl, r.mtime = tpl, st.ModTime()
	r.loads++
	r.log.Debug("template loaded", logx.String("path", r.path), logx.Time("mtime", r.mtime))
	return tpl, nil
}

func (r *TemplateRenderer) loadBackgrounds() {
	r.bgOdd = r.dataURI(bgOddFile)
	r.bgEven = r.dataURI(bgEvenFile)
}

// dataURI degrades to "" when the asset is unreadable.
func (r *TemplateRenderer) dataURI(name string) template.URL {
	p := filepath.Join(r.assetsDir, name)
	b, err := os.ReadFile(p)
	if err != nil {
		r.log.Warn("background not loaded", logx.String("path", p), logx.Err(err))
		return ""
	}
	return template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(b))
}

func (r *TemplateRenderer) assetsBase() template.URL {
	abs, err := filepath.Abs(r.assetsDir)
	if err != nil {
		abs = r.assetsDir
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs) + "/"}
	return template.URL(u.String())
}
