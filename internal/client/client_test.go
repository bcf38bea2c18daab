package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/mohammad-safakhou/pplx/config"
	"github.com/mohammad-safakhou/pplx/internal/logging"
	"github.com/mohammad-safakhou/pplx/internal/store"
	"github.com/mohammad-safakhou/pplx/internal/telemetry"
	"github.com/mohammad-safakhou/pplx/models"
	"github.com/mohammad-safakhou/pplx/tools/browser/browsertest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	estonianPrompt = "Mis on Eesti pealinn?"
	englishPrompt  = "What is the capital of Estonia?"
	tallinnAnswer  = "Tallinn is the capital of Estonia."
	tallinnWiki    = "https://en.wikipedia.org/wiki/Tallinn"
)

var fileName = regexp.MustCompile(`^perplexity_response_\d{8}_\d{6}(_[0-9a-f]{8})?\.json$`)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.File.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Browser.NavigateSettle = 0
	cfg.Browser.AnswerSettle = 0
	cfg.Browser.ReadyTimeout = 200 * time.Millisecond
	cfg.Browser.CitationTimeout = 200 * time.Millisecond
	return cfg
}

func answeringSession() *browsertest.Session {
	return &browsertest.Session{
		Texts: map[string]string{".prose": tallinnAnswer},
		Attrs: map[string][]string{".source-attributions a": {tallinnWiki}},
	}
}

func newTestClient(t *testing.T, cfg config.Config, l *browsertest.Launcher, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithLauncher(l)}, opts...)
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewCreatesDataDirWithoutLaunching(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	l := &browsertest.Launcher{Session: answeringSession()}
	c := newTestClient(t, cfg, l)

	info, err := os.Stat(cfg.Storage.File.DataDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, cfg.Storage.File.DataDir, c.DataDir())
	assert.Zero(t, l.Launches())
}

func TestQueryLiveAnswer(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	sess := answeringSession()
	c := newTestClient(t, cfg, &browsertest.Launcher{Session: sess})

	res, err := c.Query(context.Background(), englishPrompt)
	require.NoError(t, err)
	assert.Equal(t, SourceLive, res.Source)
	assert.NoError(t, res.Reason)
	assert.Equal(t, englishPrompt, res.Response.Query)
	assert.Equal(t, tallinnAnswer, res.Response.Answer.Text)
	assert.Equal(t, []string{tallinnWiki}, res.Response.Answer.Citations)

	require.True(t, res.Persisted)
	assert.Regexp(t, fileName, filepath.Base(res.Path))
	assert.Equal(t, cfg.Storage.File.DataDir, filepath.Dir(res.Path))

	onDisk, err := store.Load(res.Path)
	require.NoError(t, err)
	assert.Equal(t, res.Response, onDisk)

	assert.Equal(t, []string{
		"navigate https://www.perplexity.ai",
		"wait textarea[placeholder*='Ask anything']",
		"submit textarea[placeholder*='Ask anything'] " + englishPrompt,
		"wait .prose",
		"text .prose",
		"attrs .source-attributions a href",
	}, sess.Calls())
}

func TestQueryNavigationTimeoutFallsBack(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	sess := answeringSession()
	sess.NavigateErr = fmt.Errorf("page load: %w", context.DeadlineExceeded)

	var logs bytes.Buffer
	c := newTestClient(t, cfg, &browsertest.Launcher{Session: sess},
		WithLogger(logging.New(&logs, "debug")))

	res, err := c.Query(context.Background(), estonianPrompt)
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, res.Source)
	assert.ErrorIs(t, res.Reason, ErrNavigation)
	assert.ErrorIs(t, res.Reason, context.DeadlineExceeded)
	assert.Equal(t, estonianPrompt, res.Response.Query)
	assert.Equal(t, "Mock response for query: Mis on Eesti pealinn?", res.Response.Answer.Text)
	assert.Equal(t, []string{"https://example.com"}, res.Response.Answer.Citations)

	require.True(t, res.Persisted)
	onDisk, err := store.Load(res.Path)
	require.NoError(t, err)
	assert.Equal(t, res.Response, onDisk)

	assert.Contains(t, logs.String(), "level=ERROR msg=\"error querying search assistant\"")
	assert.Contains(t, logs.String(), "level=WARN msg=\"using mock response for offline mode\"")
}

func TestQueryEmptyPromptFailsFast(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	sess := answeringSession()
	l := &browsertest.Launcher{Session: sess}
	c := newTestClient(t, cfg, l)

	_, err := c.Query(context.Background(), "")
	require.ErrorIs(t, err, ErrEmptyPrompt)
	assert.Zero(t, l.Launches())
	assert.Empty(t, sess.Calls())

	entries, err := os.ReadDir(cfg.Storage.File.DataDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestQueryKeepsPromptVerbatim(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	c := newTestClient(t, cfg, &browsertest.Launcher{Session: answeringSession()})

	for _, prompt := range []string{"  padded  ", "Mis on Eesti pealinn?\n", "ühe sõnaga"} {
		res, err := c.Query(context.Background(), prompt)
		require.NoError(t, err)
		assert.Equal(t, prompt, res.Response.Query)
	}
}

func TestQueryEmptyAnswerFallsBack(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	sess := answeringSession()
	sess.Texts[".prose"] = ""
	c := newTestClient(t, cfg, &browsertest.Launcher{Session: sess})

	res, err := c.Query(context.Background(), englishPrompt)
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, res.Source)
	var verr models.ValidationError
	assert.True(t, errors.As(res.Reason, &verr))
}

func TestQueryMissingAnswerElementFallsBack(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	sess := answeringSession()
	delete(sess.Texts, ".prose")
	c := newTestClient(t, cfg, &browsertest.Launcher{Session: sess})

	res, err := c.Query(context.Background(), englishPrompt)
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, res.Source)
	assert.ErrorIs(t, res.Reason, ErrExtraction)
}

func TestQueryReadinessTimeout(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	sess := answeringSession()
	sess.WaitErrs = map[string]error{".prose": context.DeadlineExceeded}
	c := newTestClient(t, cfg, &browsertest.Launcher{Session: sess})

	res, err := c.Query(context.Background(), englishPrompt)
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, res.Source)
	assert.ErrorIs(t, res.Reason, ErrTimeout)
}

func TestQueryCitationFailureKeepsAnswer(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	sess := answeringSession()
	sess.AttrErr = errors.New("region detached")

	var logs bytes.Buffer
	c := newTestClient(t, cfg, &browsertest.Launcher{Session: sess},
		WithLogger(logging.New(&logs, "info")))

	res, err := c.Query(context.Background(), englishPrompt)
	require.NoError(t, err)
	assert.Equal(t, SourceLive, res.Source)
	assert.NotNil(t, res.Response.Answer.Citations)
	assert.Empty(t, res.Response.Answer.Citations)
	assert.Contains(t, logs.String(), "citation extraction failed")
}

func TestQueryNoCitationsFound(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	sess := answeringSession()
	sess.Attrs = nil
	c := newTestClient(t, cfg, &browsertest.Launcher{Session: sess})

	res, err := c.Query(context.Background(), englishPrompt)
	require.NoError(t, err)
	assert.Equal(t, SourceLive, res.Source)
	assert.Empty(t, res.Response.Answer.Citations)

	raw, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"citations": []`)
}

func TestQuerySessionInitFailureFallsBack(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	l := &browsertest.Launcher{Err: errors.New("chrome not found")}
	m := telemetry.NewMetrics()
	c := newTestClient(t, cfg, l, WithMetrics(m))

	res, err := c.Query(context.Background(), estonianPrompt)
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, res.Source)
	assert.ErrorIs(t, res.Reason, ErrSessionInit)
	assert.Equal(t, "Mock response for query: "+estonianPrompt, res.Response.Answer.Text)

	// The next query tries to launch again.
	_, err = c.Query(context.Background(), estonianPrompt)
	require.NoError(t, err)
	assert.Equal(t, 2, l.Launches())

	reg := m.Gatherer()
	n, err := testutil.GatherAndCount(reg, "pplx_queries_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQuerySessionInitFailureStrict(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Browser.StrictSession = true
	c := newTestClient(t, cfg, &browsertest.Launcher{Err: errors.New("chrome not found")})

	_, err := c.Query(context.Background(), estonianPrompt)
	require.ErrorIs(t, err, ErrSessionInit)

	entries, err := os.ReadDir(cfg.Storage.File.DataDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestQueryReusesSession(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	l := &browsertest.Launcher{Session: answeringSession()}
	c := newTestClient(t, cfg, l)

	for i := 0; i < 3; i++ {
		res, err := c.Query(context.Background(), englishPrompt)
		require.NoError(t, err)
		assert.Equal(t, SourceLive, res.Source)
	}
	assert.Equal(t, 1, l.Launches())

	entries, err := os.ReadDir(cfg.Storage.File.DataDir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	for _, e := range entries {
		assert.Regexp(t, fileName, e.Name())
	}
}

func TestQueryPersistFailureIsReported(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	m := telemetry.NewMetrics()
	c := newTestClient(t, cfg, &browsertest.Launcher{Session: answeringSession()}, WithMetrics(m))
	require.NoError(t, os.RemoveAll(cfg.Storage.File.DataDir))

	res, err := c.Query(context.Background(), englishPrompt)
	require.NoError(t, err)
	assert.Equal(t, SourceLive, res.Source)
	assert.Equal(t, tallinnAnswer, res.Response.Answer.Text)
	assert.False(t, res.Persisted)
	assert.Empty(t, res.Path)
	assert.Error(t, res.PersistErr)
}

func TestQueryCancelledContextFallsBack(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Browser.NavigateSettle = time.Hour
	c := newTestClient(t, cfg, &browsertest.Launcher{Session: answeringSession()})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := c.Query(ctx, englishPrompt)
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, res.Source)
	assert.ErrorIs(t, res.Reason, context.DeadlineExceeded)
}

func TestFallback(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	l := &browsertest.Launcher{Session: answeringSession()}
	c := newTestClient(t, cfg, l)

	for _, prompt := range []string{estonianPrompt, englishPrompt, "x"} {
		res, err := c.Fallback(prompt, nil)
		require.NoError(t, err)
		assert.Equal(t, SourceFallback, res.Source)
		assert.Equal(t, []string{"https://example.com"}, res.Response.Answer.Citations)
		assert.Contains(t, res.Response.Answer.Text, prompt)
		assert.True(t, res.Persisted)
	}
	assert.Zero(t, l.Launches())

	_, err := c.Fallback("", nil)
	assert.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestPersistRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	c := newTestClient(t, cfg, &browsertest.Launcher{Session: answeringSession()})

	a, err := models.NewAnswer("Tallinn on Eesti pealinn.", []string{"b", "a", "c"})
	require.NoError(t, err)
	resp, err := models.NewResponse(estonianPrompt, a, time.Time{})
	require.NoError(t, err)

	path, err := c.Persist(resp)
	require.NoError(t, err)
	got, err := store.Load(path)
	require.NoError(t, err)
	assert.Equal(t, resp.Query, got.Query)
	assert.Equal(t, resp.Answer.Text, got.Answer.Text)
	assert.Equal(t, []string{"b", "a", "c"}, got.Answer.Citations)
	_, err = time.Parse(models.TimestampLayout, got.Timestamp)
	assert.NoError(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	sess := answeringSession()
	c, err := New(cfg, WithLauncher(&browsertest.Launcher{Session: sess}))
	require.NoError(t, err)

	_, err = c.Query(context.Background(), englishPrompt)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, sess.Closes())

	_, err = c.Query(context.Background(), englishPrompt)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseWithoutSession(t *testing.T) {
	t.Parallel()
	c, err := New(testConfig(t), WithLauncher(&browsertest.Launcher{}))
	require.NoError(t, err)
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestWithClosesOnError(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	sess := answeringSession()
	boom := errors.New("boom")

	err := With(context.Background(), cfg, func(ctx context.Context, c *Client) error {
		_, err := c.Query(ctx, englishPrompt)
		require.NoError(t, err)
		return boom
	}, WithLauncher(&browsertest.Launcher{Session: sess}))

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, sess.Closes())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Browser.TargetURL = "not a url"
	_, err := New(cfg, WithLauncher(&browsertest.Launcher{}))
	assert.Error(t, err)
}
