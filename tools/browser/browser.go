package browser

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mohammad-safakhou/pplx/tools/browser/chromedp"
)

const DefaultActionTimeout = 30 * time.Second

// Session is a live browser tab driven by CSS selectors.
type Session interface {
	// Navigate loads url in the tab.
	Navigate(ctx context.Context, url string) error
	// WaitVisible blocks until selector matches a visible element or ctx ends.
	WaitVisible(ctx context.Context, selector string) error
	// Submit types text into the element at selector and submits it.
	Submit(ctx context.Context, selector, text string) error
	// Text returns the rendered text of the first element matching selector.
	Text(ctx context.Context, selector string) (string, error)
	// AttributeAll returns attr for every element matching selector, in
	// document order. No match yields an empty slice.
	AttributeAll(ctx context.Context, selector, attr string) ([]string, error)
	// Close releases the tab and the browser behind it.
	Close() error
}

// Launcher starts new sessions.
type Launcher interface {
	Launch(ctx context.Context) (Session, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context) (Session, error)

func (f LauncherFunc) Launch(ctx context.Context) (Session, error) { return f(ctx) }

type LauncherType string

const (
	ChromedpLauncherType LauncherType = "chromedp"
)

// Options configures the concrete launcher.
type Options struct {
	Headless      bool
	RemoteURL     string
	UserAgent     string
	ActionTimeout time.Duration
	Logger        *slog.Logger
}

func NewLauncher(launcherType LauncherType, opts Options) (Launcher, error) {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = DefaultActionTimeout
	}

	switch launcherType {
	case ChromedpLauncherType:
		cfg := chromedp.Config{
			Headless:  opts.Headless,
			RemoteURL: opts.RemoteURL,
			UserAgent: opts.UserAgent,
			Timeout:   opts.ActionTimeout,
			Logger:    opts.Logger,
		}
		return LauncherFunc(func(ctx context.Context) (Session, error) {
			s, err := chromedp.Launch(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return s, nil
		}), nil
	default:
		return nil, fmt.Errorf("unsupported browser launcher %q", launcherType)
	}
}
