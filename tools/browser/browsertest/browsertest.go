// Package browsertest provides a scripted browser.Session for tests.
package browsertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/mohammad-safakhou/pplx/tools/browser"
)

// Session answers selector lookups from fixed maps and records every call.
type Session struct {
	mu sync.Mutex

	NavigateErr error
	SubmitErr   error
	TextErr     error
	AttrErr     error
	// WaitErrs fails WaitVisible for specific selectors.
	WaitErrs map[string]error
	// Texts maps selector to rendered text.
	Texts map[string]string
	// Attrs maps selector to attribute values.
	Attrs map[string][]string

	calls  []string
	closes int
}

func (s *Session) record(format string, args ...any) {
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("navigate %s", url)
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.NavigateErr
}

func (s *Session) WaitVisible(ctx context.Context, selector string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("wait %s", selector)
	if err, ok := s.WaitErrs[selector]; ok {
		return err
	}
	return ctx.Err()
}

func (s *Session) Submit(ctx context.Context, selector, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("submit %s %s", selector, text)
	return s.SubmitErr
}

func (s *Session) Text(ctx context.Context, selector string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("text %s", selector)
	if s.TextErr != nil {
		return "", s.TextErr
	}
	text, ok := s.Texts[selector]
	if !ok {
		return "", fmt.Errorf("no element matches %q", selector)
	}
	return text, nil
}

func (s *Session) AttributeAll(ctx context.Context, selector, attr string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("attrs %s %s", selector, attr)
	if s.AttrErr != nil {
		return nil, s.AttrErr
	}
	return append([]string{}, s.Attrs[selector]...), nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

// Calls returns the recorded interactions in order.
func (s *Session) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Closes reports how many times Close was called.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Launcher hands out Session, or fails with Err.
type Launcher struct {
	mu       sync.Mutex
	Session  *Session
	Err      error
	launches int
}

func (l *Launcher) Launch(ctx context.Context) (browser.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	if l.Err != nil {
		return nil, l.Err
	}
	return l.Session, nil
}

func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}
