package timetable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	DefaultUserAgent    = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	DefaultFetchTimeout = 15 * time.Second

	maxFeedBytes = 32 << 20
)

var ErrFeedTooLarge = errors.New("timetable feed exceeds size limit")

// Source downloads the raw XML feed.
type Source struct {
	URL       string
	UserAgent string
	Timeout   time.Duration
	Client    *http.Client
}

// Fetch returns the raw feed bytes. Non-2xx responses are errors.
func (s *Source) Fetch(ctx context.Context) ([]byte, error) {
	if s.URL == "" {
		return nil, errors.New("timetable source url is empty")
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	ua := s.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	req.Header.Set("User-Agent", ua)

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch timetable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch timetable: status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read timetable: %w", err)
	}
	if len(b) > maxFeedBytes {
		return nil, ErrFeedTooLarge
	}
	return b, nil
}
