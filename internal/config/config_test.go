package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "abc"
  owner_user_ids: [42]
  group_log: ""
  poll_timeout: "10s"
logging:
  level: info
  console: true
  file: {enabled: false, path: ""}
  telegram: {enabled: false, thread_id: 0, min_level: warn, rate_per_sec: 1}
scheduler:
  enabled: true
  timezone: Europe/Moscow
timetable:
  source_url: "https://example.org/schedule.xml"
render:
  base_max_concurrency: 4
  shrink_at: [3, 5, 7]
`

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Telegram.Token != "abc" || len(cfg.Telegram.OwnerUserIDs) != 1 || cfg.Telegram.OwnerUserIDs[0] != 42 {
		t.Fatalf("telegram=%+v", cfg.Telegram)
	}
	if cfg.Render.BaseMaxConcurrency != 4 || len(cfg.Render.ShrinkAt) != 3 {
		t.Fatalf("render=%+v", cfg.Render)
	}
}

func TestDecodeRejectsUnknownField(t *testing.T) {
	_, err := Decode("config.json", []byte(`{"telegram":{"token":"x"},"plugins":{}}`))
	if err == nil || !strings.Contains(err.Error(), "plugins") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	if _, err := Decode("config.json", []byte(`{} {}`)); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestManagerLoadAndSubscribe(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return committed config")
	}

	ch := m.Subscribe(1)
	m.publish(&Config{})
	m.publish(cfg)
	if got := <-ch; got != cfg {
		t.Fatalf("slow subscriber should receive the newest config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after Unsubscribe")
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	a, _ := Decode("a.yaml", []byte(sampleYAML))
	b, _ := Decode("b.yaml", []byte(sampleYAML))
	b.Redis.Password = "hunter2"
	b.Render.Attempts = 5

	sections, _ := SummarizeConfigChange(a, b)
	if strings.Join(sections, ",") != "redis,render" {
		t.Fatalf("sections=%v", sections)
	}
	if got := RestartRequired(sections); len(got) != 2 {
		t.Fatalf("RestartRequired=%v", got)
	}

	c, _ := Decode("c.yaml", []byte(sampleYAML))
	c.Telegram.Token = "rotated"
	if sections, _ := SummarizeConfigChange(a, c); len(sections) != 0 {
		t.Fatalf("token rotation should not be summarized, got %v", sections)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("default: %v %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "-1s", time.Second); err == nil {
		t.Fatalf("negative duration accepted")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatalf("garbage duration accepted")
	}
}
