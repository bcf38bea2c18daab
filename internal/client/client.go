package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mohammad-safakhou/pplx/config"
	"github.com/mohammad-safakhou/pplx/internal/logging"
	"github.com/mohammad-safakhou/pplx/internal/store"
	"github.com/mohammad-safakhou/pplx/internal/telemetry"
	"github.com/mohammad-safakhou/pplx/models"
	"github.com/mohammad-safakhou/pplx/tools/browser"
)

// Source tells whether a Response came from the live page or the placeholder.
type Source string

const (
	SourceLive     Source = "live"
	SourceFallback Source = "fallback"
)

// Result is the outcome of one query attempt.
type Result struct {
	Response models.Response
	Source   Source
	// Reason is the failure that forced a fallback answer.
	Reason error
	// Path is where Response was written; empty when Persisted is false.
	Path       string
	Persisted  bool
	PersistErr error
}

// Client drives one browser session against the search assistant. It is meant
// for a single caller; calls are serialised.
type Client struct {
	mu       sync.Mutex
	cfg      config.Config
	store    *store.FileStore
	launcher browser.Launcher
	session  browser.Session
	closed   bool
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
}

type Option func(*Client)

func WithLauncher(l browser.Launcher) Option {
	return func(c *Client) { c.launcher = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New prepares the data directory. No browser is started until the first Query.
func New(cfg config.Config, opts ...Option) (*Client, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("client config: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		logger: logging.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "client")

	fs, err := store.NewFileStore(cfg.Storage.File.DataDir)
	if err != nil {
		return nil, err
	}
	c.store = fs.WithClock(c.now)

	if c.launcher == nil {
		l, err := browser.NewLauncher(browser.LauncherType(cfg.Browser.Launcher), browser.Options{
			Headless:      cfg.Browser.Headless,
			RemoteURL:     cfg.Browser.RemoteURL,
			UserAgent:     cfg.Browser.UserAgent,
			ActionTimeout: cfg.Browser.ActionTimeout,
			Logger:        c.logger,
		})
		if err != nil {
			return nil, err
		}
		c.launcher = l
	}
	return c, nil
}

// With runs fn against a fresh client and always closes it afterwards.
func With(ctx context.Context, cfg config.Config, fn func(context.Context, *Client) error, opts ...Option) (err error) {
	c, err := New(cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, c.Close())
	}()
	return fn(ctx, c)
}

// DataDir is the directory responses are written to.
func (c *Client) DataDir() string { return c.store.Dir() }

// Query submits prompt to the live page. Failures past prompt validation
// degrade to a persisted placeholder answer; only an empty prompt, a closed
// client, or (with strict_session) a launch failure are returned as errors.
func (c *Client) Query(ctx context.Context, prompt string) (Result, error) {
	if prompt == "" {
		return Result{}, ErrEmptyPrompt
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Result{}, ErrClosed
	}

	start := time.Now()
	res, err := c.query(ctx, prompt)
	if err != nil {
		var verr models.ValidationError
		if errors.Is(err, ErrSessionInit) && c.cfg.Browser.StrictSession {
			return Result{}, err
		}
		if errors.As(err, &verr) {
			c.logger.Error("scraped response failed validation", "error", err)
		} else {
			c.logger.Error("error querying search assistant", "error", err)
		}
		res = c.fallback(prompt, err)
	}
	c.metrics.ObserveQuery(string(res.Source), time.Since(start))
	return res, nil
}

func (c *Client) query(ctx context.Context, prompt string) (Result, error) {
	sess, err := c.ensureSession(ctx)
	if err != nil {
		return Result{}, err
	}

	b := c.cfg.Browser
	if err := sess.Navigate(ctx, b.TargetURL); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrNavigation, err)
	}
	if err := settle(ctx, b.NavigateSettle); err != nil {
		return Result{}, err
	}
	if err := c.waitReady(ctx, sess, b.InputSelector); err != nil {
		return Result{}, err
	}
	if err := sess.Submit(ctx, b.InputSelector, prompt); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrNavigation, err)
	}
	if err := settle(ctx, b.AnswerSettle); err != nil {
		return Result{}, err
	}
	if err := c.waitReady(ctx, sess, b.AnswerSelector); err != nil {
		return Result{}, err
	}

	text, err := sess.Text(ctx, b.AnswerSelector)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrExtraction, err)
	}
	citations := c.citations(ctx, sess)

	answer, err := models.NewAnswer(text, citations)
	if err != nil {
		return Result{}, err
	}
	resp, err := models.NewResponse(prompt, answer, c.now())
	if err != nil {
		return Result{}, err
	}
	return c.record(resp, SourceLive, nil), nil
}

func (c *Client) ensureSession(ctx context.Context) (browser.Session, error) {
	if c.session != nil {
		return c.session, nil
	}
	sess, err := c.launcher.Launch(ctx)
	c.metrics.SessionLaunched(err)
	if err != nil {
		c.logger.Error("failed to initialize browser session", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrSessionInit, err)
	}
	c.logger.Info("browser session initialized")
	c.session = sess
	return sess, nil
}

// waitReady polls for selector within the configured bound.
func (c *Client) waitReady(ctx context.Context, sess browser.Session, selector string) error {
	timeout := c.cfg.Browser.ReadyTimeout
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := sess.WaitVisible(wctx, selector)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && (errors.Is(wctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)) {
		return fmt.Errorf("%w: %q not visible after %s", ErrTimeout, selector, timeout)
	}
	return fmt.Errorf("%w: waiting for %q: %w", ErrExtraction, selector, err)
}

// citations never fails the query; a missing region yields an empty list.
func (c *Client) citations(ctx context.Context, sess browser.Session) []string {
	b := c.cfg.Browser
	cctx, cancel := context.WithTimeout(ctx, b.CitationTimeout)
	defer cancel()

	links, err := sess.AttributeAll(cctx, b.CitationSelector, "href")
	if err != nil {
		c.logger.Warn("citation extraction failed", "selector", b.CitationSelector, "error", err)
		return []string{}
	}
	if len(links) == 0 {
		c.logger.Warn("no citations found", "selector", b.CitationSelector)
		return []string{}
	}
	return links
}

// Fallback builds, persists and returns the placeholder answer for prompt.
func (c *Client) Fallback(prompt string, reason error) (Result, error) {
	if prompt == "" {
		return Result{}, ErrEmptyPrompt
	}
	return c.fallback(prompt, reason), nil
}

func (c *Client) fallback(prompt string, reason error) Result {
	c.logger.Warn("using mock response for offline mode", "reason", reason)
	f := c.cfg.Fallback
	// prompt is non-empty so the placeholder always validates.
	answer, _ := models.NewAnswer(f.TextPrefix+prompt, []string{f.CitationURL})
	resp, _ := models.NewResponse(prompt, answer, c.now())
	return c.record(resp, SourceFallback, reason)
}

// Persist writes resp to the data directory and returns its path.
func (c *Client) Persist(resp models.Response) (string, error) {
	path, err := c.store.Save(resp)
	if err != nil {
		c.metrics.PersistFailed()
		c.logger.Error("failed to log response", "error", err)
		return "", err
	}
	c.logger.Info("response logged", "path", path)
	return path, nil
}

func (c *Client) record(resp models.Response, source Source, reason error) Result {
	res := Result{Response: resp, Source: source, Reason: reason}
	path, err := c.Persist(resp)
	if err != nil {
		res.PersistErr = err
		return res
	}
	res.Path = path
	res.Persisted = true
	return res
}

// Close ends the browser session if one is open. Calling it again is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	if err != nil {
		c.logger.Error("failed to close browser session", "error", err)
		return fmt.Errorf("close browser session: %w", err)
	}
	c.logger.Info("browser session closed")
	return nil
}

func settle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
