package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Options configures a Chrome driver.
type Options struct {
	Headless bool
	// ExecPath overrides the Chrome binary.
	ExecPath string
	// ProfilePath is a user data dir kept between runs.
	ProfilePath string
	// Settle is how long to wait after navigation for client-side rendering.
	Settle time.Duration
	// ElementTimeout bounds WaitVisible.
	ElementTimeout time.Duration
}

// ChromeDriver implements Driver with chromedp. It owns one tab; calls are
// serialized.
type ChromeDriver struct {
	opts Options

	mu          sync.Mutex
	tab         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
}

var _ Driver = (*ChromeDriver)(nil)

var keys = map[string]string{
	"Enter":  kb.Enter,
	"Tab":    kb.Tab,
	"Escape": kb.Escape,
}

// NewChromeDriver starts a browser and opens a tab.
func NewChromeDriver(opts Options) (*ChromeDriver, error) {
	if opts.ElementTimeout <= 0 {
		opts.ElementTimeout = 10 * time.Second
	}

	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts, chromedp.Flag("headless", opts.Headless))
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.ProfilePath != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(opts.ProfilePath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	tab, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, args ...any) {
		zap.L().Debug(fmt.Sprintf(format, args...), zap.String("component", "chromedp"))
	}))

	// The first Run allocates the browser; it must not share a deadline
	// with any call.
	if err := chromedp.Run(tab); err != nil {
		cancelTab()
		cancelAlloc()
		return nil, eris.Wrap(err, "browser: start chrome")
	}

	return &ChromeDriver{
		opts:        opts,
		tab:         tab,
		cancelTab:   cancelTab,
		cancelAlloc: cancelAlloc,
	}, nil
}

// Navigate implements Driver.
func (d *ChromeDriver) Navigate(ctx context.Context, url string) error {
	actions := []chromedp.Action{chromedp.Navigate(url)}
	if d.opts.Settle > 0 {
		actions = append(actions, chromedp.Sleep(d.opts.Settle))
	}
	return d.run(ctx, "navigate", actions...)
}

// SetCookie implements Driver.
func (d *ChromeDriver) SetCookie(ctx context.Context, c Cookie) error {
	path := c.Path
	if path == "" {
		path = "/"
	}
	return d.run(ctx, "set cookie", chromedp.ActionFunc(func(ctx context.Context) error {
		return network.SetCookie(c.Name, c.Value).
			WithDomain(c.Domain).
			WithPath(path).
			WithSecure(true).
			WithHTTPOnly(true).
			Do(ctx)
	}))
}

// Fill implements Driver.
func (d *ChromeDriver) Fill(ctx context.Context, selector, value string) error {
	if err := d.WaitVisible(ctx, selector); err != nil {
		return err
	}
	return d.run(ctx, "fill",
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

// Click implements Driver.
func (d *ChromeDriver) Click(ctx context.Context, selector string) error {
	if err := d.WaitVisible(ctx, selector); err != nil {
		return err
	}
	return d.run(ctx, "click", chromedp.Click(selector, chromedp.ByQuery))
}

// Press implements Driver.
func (d *ChromeDriver) Press(ctx context.Context, selector, key string) error {
	k, ok := keys[key]
	if !ok {
		k = key
	}
	return d.run(ctx, "press", chromedp.SendKeys(selector, k, chromedp.ByQuery))
}

// WaitVisible implements Driver.
func (d *ChromeDriver) WaitVisible(ctx context.Context, selector string) error {
	waitCtx, cancel := context.WithTimeout(ctx, d.opts.ElementTimeout)
	defer cancel()

	err := d.run(waitCtx, "wait", chromedp.WaitVisible(selector, chromedp.ByQuery))
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return eris.Wrapf(ErrNotFound, "selector %q", selector)
	}
	return err
}

// Texts implements Driver.
func (d *ChromeDriver) Texts(ctx context.Context, selector string) ([]string, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return nil, eris.Wrap(err, "browser: encode selector")
	}
	js := fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).map(e => (e.innerText || e.value || "").trim())`, sel)
	var out []string
	if err := d.run(ctx, "texts", chromedp.Evaluate(js, &out)); err != nil {
		return nil, err
	}
	return out, nil
}

// Attrs implements Driver.
func (d *ChromeDriver) Attrs(ctx context.Context, selector, attr string) ([]string, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return nil, eris.Wrap(err, "browser: encode selector")
	}
	name, err := json.Marshal(attr)
	if err != nil {
		return nil, eris.Wrap(err, "browser: encode attribute")
	}
	js := fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).map(e => e.getAttribute(%s) || "")`, sel, name)
	var out []string
	if err := d.run(ctx, "attrs", chromedp.Evaluate(js, &out)); err != nil {
		return nil, err
	}
	return out, nil
}

// Location implements Driver.
func (d *ChromeDriver) Location(ctx context.Context) (string, error) {
	var loc string
	if err := d.run(ctx, "location", chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// Cookie implements Driver.
func (d *ChromeDriver) Cookie(ctx context.Context, name string) (string, error) {
	var value string
	found := false
	err := d.run(ctx, "cookies", chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			if c.Name == name {
				value, found = c.Value, true
				return nil
			}
		}
		return nil
	}))
	if err != nil {
		return "", err
	}
	if !found {
		return "", eris.Wrapf(ErrNotFound, "cookie %q", name)
	}
	return value, nil
}

// Close shuts the tab and the browser.
func (d *ChromeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelTab()
	d.cancelAlloc()
	return nil
}

// run executes actions on the tab, bounded by ctx's deadline and
// cancellation.
func (d *ChromeDriver) run(ctx context.Context, what string, actions ...chromedp.Action) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	runCtx, cancel := context.WithCancel(d.tab)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return context.DeadlineExceeded
		}
		return eris.Wrapf(err, "browser: %s", what)
	}
	return nil
}
