package chromedp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

// Config holds configuration for a chromedp session.
type Config struct {
	// RemoteURL is the CDP WebSocket endpoint of an already running Chrome.
	// If empty, a local Chrome instance is launched.
	RemoteURL string
	Headless  bool
	UserAgent string
	// Timeout bounds browser start-up and every action that carries no
	// deadline of its own.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Session is one browser tab kept alive across queries.
type Session struct {
	mu          sync.Mutex
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	targetID    target.ID
	timeout     time.Duration
	logger      *slog.Logger
	remote      bool
	closed      bool
}

// Launch starts (or attaches to) a browser and opens the initial tab.
func Launch(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Session{timeout: cfg.Timeout, logger: cfg.Logger, remote: cfg.RemoteURL != ""}

	// The browser outlives the launching call, so it hangs off Background
	// rather than ctx.
	var allocCtx context.Context
	if cfg.RemoteURL != "" {
		allocCtx, s.allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
		s.logger.Info("chromedp connecting to remote browser", "url", cfg.RemoteURL)
	} else {
		opts := make([]chromedp.ExecAllocatorOption, len(chromedp.DefaultExecAllocatorOptions))
		copy(opts, chromedp.DefaultExecAllocatorOptions[:])
		opts = append(opts,
			chromedp.Flag("headless", cfg.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.WindowSize(1280, 900),
		)
		if cfg.UserAgent != "" {
			opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
		}
		allocCtx, s.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
		s.logger.Info("chromedp launching local browser", "headless", cfg.Headless)
	}

	s.tabCtx, s.tabCancel = chromedp.NewContext(allocCtx)

	// The first Run allocates the browser and binds it to tabCtx, so it must
	// not run on a derived context that gets cancelled afterwards.
	var product string
	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(s.tabCtx, chromedp.ActionFunc(func(actx context.Context) error {
			_, p, _, _, _, err := cdpbrowser.GetVersion().Do(actx)
			product = p
			return err
		}))
	}()
	select {
	case err := <-started:
		if err != nil {
			s.release()
			return nil, fmt.Errorf("start browser: %w", err)
		}
	case <-ctx.Done():
		s.release()
		return nil, fmt.Errorf("start browser: %w", ctx.Err())
	case <-time.After(cfg.Timeout):
		s.release()
		return nil, fmt.Errorf("start browser: timed out after %v", cfg.Timeout)
	}

	if c := chromedp.FromContext(s.tabCtx); c != nil && c.Target != nil {
		s.targetID = c.Target.TargetID
	}
	s.logger.Info("chromedp browser started", "product", product, "target", string(s.targetID))
	return s, nil
}

// actionCtx derives a tab context bounded by the session timeout that is also
// cancelled when ctx ends.
func (s *Session) actionCtx(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if s.closed {
		return nil, nil, errors.New("chromedp: session closed")
	}
	tctx, cancel := context.WithTimeout(s.tabCtx, s.timeout)
	stop := context.AfterFunc(ctx, cancel)
	return tctx, func() { stop(); cancel() }, nil
}

func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tctx, cancel, err := s.actionCtx(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return chromedp.Run(tctx, actions...)
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (s *Session) WaitVisible(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (s *Session) Submit(ctx context.Context, selector, text string) error {
	err := s.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Focus(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text+kb.Enter, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("submit into %q: %w", selector, err)
	}
	return nil
}

func (s *Session) Text(ctx context.Context, selector string) (string, error) {
	var text string
	if err := s.run(ctx, chromedp.Text(selector, &text, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("text of %q: %w", selector, err)
	}
	return strings.TrimSpace(text), nil
}

func (s *Session) AttributeAll(ctx context.Context, selector, attr string) ([]string, error) {
	expr, err := attributeJS(selector, attr)
	if err != nil {
		return nil, err
	}
	var values []string
	if err := s.run(ctx, chromedp.Evaluate(expr, &values)); err != nil {
		return nil, fmt.Errorf("attributes %s of %q: %w", attr, selector, err)
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out, nil
}

// attributeJS prefers the DOM property (so href comes back absolute) and falls
// back to the raw attribute.
func attributeJS(selector, attr string) (string, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return "", err
	}
	name, err := json.Marshal(attr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		`Array.from(document.querySelectorAll(%s)).map(e => String(e[%s] || e.getAttribute(%s) || ""))`,
		sel, name, name,
	), nil
}

// Close shuts the tab and browser down. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	// A remote browser is not ours to shut down; only detach from it.
	if s.tabCtx != nil && !s.remote {
		if cerr := chromedp.Cancel(s.tabCtx); cerr != nil && !errors.Is(cerr, context.Canceled) {
			err = fmt.Errorf("close browser: %w", cerr)
		}
	}
	s.release()
	s.logger.Info("chromedp browser closed")
	return err
}

func (s *Session) release() {
	s.closed = true
	if s.tabCancel != nil {
		s.tabCancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
}
