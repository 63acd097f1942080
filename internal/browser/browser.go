// Package browser implements surface.Opener and surface.Session on top of
// Playwright (Chromium).
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-autopilot/internal/locator"
	"github.com/polzovatel/browser-autopilot/internal/snapshot"
	"github.com/polzovatel/browser-autopilot/internal/surface"
)

const (
	defaultNavTimeout  = 30 * time.Second
	defaultFindWait    = 3 * time.Second
	defaultMaxElements = 150
	keyAttr            = "data-ap-key"
)

type Options struct {
	Headless bool
	// StorageState is loaded into every new context when the file exists.
	StorageState string
	NavTimeout   time.Duration
	// FindWait is how long Find waits for a first match to attach.
	FindWait    time.Duration
	MaxElements int
	// Screenshots attaches a JPEG to every observation.
	Screenshots bool
	Logger      zerolog.Logger
}

// Launcher owns the Playwright lifecycle and hands out one isolated browser
// context per session.
type Launcher struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	opts    Options
	log     zerolog.Logger
}

var _ surface.Opener = (*Launcher)(nil)

func NewLauncher(opts Options) (*Launcher, error) {
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = defaultNavTimeout
	}
	if opts.FindWait <= 0 {
		opts.FindWait = defaultFindWait
	}
	if opts.MaxElements <= 0 {
		opts.MaxElements = defaultMaxElements
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args: []string{
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	return &Launcher{pw: pw, browser: browser, opts: opts, log: opts.Logger.With().Str("comp", "browser").Logger()}, nil
}

func (l *Launcher) Open(ctx context.Context) (surface.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	copts := playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(true),
	}
	if path := strings.TrimSpace(l.opts.StorageState); path != "" {
		if _, err := os.Stat(path); err == nil {
			copts.StorageStatePath = playwright.String(path)
		}
	}
	bctx, err := l.browser.NewContext(copts)
	if err != nil {
		return nil, fmt.Errorf("new context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	page.SetDefaultTimeout(float64(l.opts.NavTimeout.Milliseconds()))
	return &session{bctx: bctx, page: page, opts: l.opts, log: l.log}, nil
}

func (l *Launcher) Close() error {
	if l.browser != nil {
		_ = l.browser.Close()
	}
	if l.pw != nil {
		return l.pw.Stop()
	}
	return nil
}

type session struct {
	bctx playwright.BrowserContext
	page playwright.Page
	opts Options
	log  zerolog.Logger
}

func (s *session) Close(context.Context) error {
	if s.page != nil {
		_ = s.page.Close()
	}
	if s.bctx != nil {
		return wrap(s.bctx.Close())
	}
	return nil
}

func (s *session) URL() string { return s.page.URL() }

func (s *session) Goto(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   timeoutMS(ctx, s.opts.NavTimeout),
	})
	return wrap(err)
}

func (s *session) Observe(ctx context.Context) (snapshot.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return snapshot.Snapshot{}, err
	}
	val, err := s.page.Evaluate(observeScript, map[string]any{"limit": s.opts.MaxElements * 2, "attr": keyAttr})
	if err != nil {
		return snapshot.Snapshot{}, wrap(err)
	}
	var raw struct {
		Title    string             `json:"title"`
		Visible  string             `json:"visible"`
		Elements []snapshot.Element `json:"elements"`
	}
	if err := decode(val, &raw); err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	snap := snapshot.New(s.page.URL(), raw.Title, raw.Visible, snapshot.Rank(raw.Elements, s.opts.MaxElements))

	if s.opts.Screenshots {
		img, err := s.page.Screenshot(playwright.PageScreenshotOptions{
			Type:    playwright.ScreenshotTypeJpeg,
			Quality: playwright.Int(50),
			Timeout: timeoutMS(ctx, 5*time.Second),
		})
		if err != nil {
			s.log.Debug().Err(err).Msg("screenshot")
		} else {
			snap.Visual = img
		}
	}
	return snap, nil
}

// Find resolves loc against the live page. It waits briefly for a first match
// to attach; no match is an empty result, not an error.
func (s *session) Find(ctx context.Context, loc locator.Locator) ([]surface.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pl := s.resolve(loc)
	if err := pl.First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateAttached,
		Timeout: timeoutMS(ctx, s.opts.FindWait),
	}); err != nil && !isTimeout(err) {
		return nil, wrap(err)
	}
	val, err := pl.EvaluateAll(describeScript, keyAttr)
	if err != nil {
		return nil, wrap(err)
	}
	var found []surface.Element
	if err := decode(val, &found); err != nil {
		return nil, fmt.Errorf("decode matches: %w", err)
	}
	return found, nil
}

func (s *session) resolve(loc locator.Locator) playwright.Locator {
	exact := playwright.Bool(loc.Exact)
	switch loc.Strategy {
	case locator.ByRole:
		opts := playwright.PageGetByRoleOptions{Exact: exact}
		if loc.Value != "" {
			opts.Name = loc.Value
		}
		return s.page.GetByRole(playwright.AriaRole(strings.ToLower(loc.Role)), opts)
	case locator.ByText:
		return s.page.GetByText(loc.Value, playwright.PageGetByTextOptions{Exact: exact})
	case locator.ByLabel:
		return s.page.GetByLabel(loc.Value, playwright.PageGetByLabelOptions{Exact: exact})
	case locator.ByPlaceholder:
		return s.page.GetByPlaceholder(loc.Value, playwright.PageGetByPlaceholderOptions{Exact: exact})
	case locator.ByAltText:
		return s.page.GetByAltText(loc.Value, playwright.PageGetByAltTextOptions{Exact: exact})
	case locator.ByTitle:
		return s.page.GetByTitle(loc.Value, playwright.PageGetByTitleOptions{Exact: exact})
	case locator.ByTestID:
		return s.page.GetByTestId(loc.Value)
	default:
		return s.page.Locator(loc.Value)
	}
}

func (s *session) Act(ctx context.Context, el surface.Element, kind surface.Kind, value string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	expr := fmt.Sprintf(`[%s=%q]`, keyAttr, el.Key)
	target := s.page.Locator(expr)
	n, err := target.Count()
	if err != nil {
		return "", wrap(err)
	}
	if n == 0 {
		return "", &surface.LocatorError{Expr: "key=" + el.Key, Err: surface.ErrNotFound}
	}
	target = target.First()
	timeout := timeoutMS(ctx, s.opts.NavTimeout)

	switch kind {
	case surface.KindClick:
		if err := target.ScrollIntoViewIfNeeded(playwright.LocatorScrollIntoViewIfNeededOptions{Timeout: timeout}); err != nil {
			s.log.Debug().Err(err).Str("key", el.Key).Msg("scroll into view")
		}
		return "", wrap(target.Click(playwright.LocatorClickOptions{Timeout: timeout}))
	case surface.KindFill:
		return "", wrap(target.Fill(value, playwright.LocatorFillOptions{Timeout: timeout}))
	case surface.KindPress:
		return "", wrap(target.Press(value, playwright.LocatorPressOptions{Timeout: timeout}))
	case surface.KindRead:
		text, err := target.InnerText(playwright.LocatorInnerTextOptions{Timeout: timeout})
		if err != nil {
			return "", wrap(err)
		}
		if strings.TrimSpace(text) == "" {
			if v, err := target.InputValue(playwright.LocatorInputValueOptions{Timeout: timeout}); err == nil {
				text = v
			}
		}
		return strings.TrimSpace(text), nil
	}
	return "", fmt.Errorf("unsupported action %q", kind)
}

// timeoutMS converts the time left on ctx, capped at def, to Playwright's
// millisecond timeout.
func timeoutMS(ctx context.Context, def time.Duration) *float64 {
	d := def
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < d {
			d = left
		}
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return playwright.Float(float64(d.Milliseconds()))
}

func decode(val any, out any) error {
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func isTimeout(err error) bool {
	return errors.Is(err, playwright.ErrTimeout) || strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// wrap prefixes Playwright errors and classifies timeouts as
// surface.ErrTimeout.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	if isTimeout(err) {
		return fmt.Errorf("playwright: %w: %w", surface.ErrTimeout, err)
	}
	return fmt.Errorf("playwright: %w", err)
}
