package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const visibleTextScript = `document.body ? document.body.innerText : ""`

var errNetworkIdleTimeout = errors.New("network did not settle")

// ChromedpConfig controls the headless Chrome launcher.
type ChromedpConfig struct {
	ExecPath          string
	UserAgent         string
	NoSandbox         bool
	NavigationTimeout time.Duration
	// NetworkIdleTimeout bounds the wait for the networkIdle lifecycle event
	// after the load completes. Reaching it is not an error.
	NetworkIdleTimeout time.Duration
}

// ChromedpLauncher implements Launcher with chromedp and headless Chrome.
type ChromedpLauncher struct {
	cfg ChromedpConfig
}

// NewChromedpLauncher creates a launcher backed by chromedp.
func NewChromedpLauncher(cfg ChromedpConfig) *ChromedpLauncher {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.NetworkIdleTimeout <= 0 {
		cfg.NetworkIdleTimeout = 10 * time.Second
	}
	return &ChromedpLauncher{cfg: cfg}
}

func (l *ChromedpLauncher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	if l.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	return opts
}

// Launch starts one Chrome process. The caller must Close the returned Browser.
func (l *ChromedpLauncher) Launch(ctx context.Context) (Browser, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	stop := context.AfterFunc(ctx, browserCancel)
	err := chromedp.Run(browserCtx)
	stop()
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	return &chromedpBrowser{
		cfg:         l.cfg,
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
	}, nil
}

type chromedpBrowser struct {
	cfg         ChromedpConfig
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	closeOnce   sync.Once
	closeErr    error
}

func (b *chromedpBrowser) NewPage(ctx context.Context) (Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.ctx)
	idle := newIdleWatcher()
	chromedp.ListenTarget(tabCtx, idle.handle)

	stop := context.AfterFunc(ctx, tabCancel)
	err := chromedp.Run(tabCtx, cdppage.SetLifecycleEventsEnabled(true))
	stop()
	if err != nil {
		tabCancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &chromedpPage{cfg: b.cfg, ctx: tabCtx, cancel: tabCancel, idle: idle}, nil
}

func (b *chromedpBrowser) Close() error {
	b.closeOnce.Do(func() {
		if err := chromedp.Cancel(b.ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.closeErr = fmt.Errorf("close chrome: %w", err)
		}
		b.cancel()
		b.allocCancel()
	})
	return b.closeErr
}

type chromedpPage struct {
	cfg    ChromedpConfig
	ctx    context.Context
	cancel context.CancelFunc
	idle   *idleWatcher
}

func (p *chromedpPage) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(p.ctx, p.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var loaderID cdp.LoaderID
	actions := []chromedp.Action{
		p.networkSetupAction(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, id, errorText, _, err := cdppage.Navigate(url).Do(ctx)
			if err != nil {
				return fmt.Errorf("navigate: %w", err)
			}
			if errorText != "" {
				return fmt.Errorf("navigate: %s", errorText)
			}
			loaderID = id
			return nil
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			err := p.idle.wait(ctx, loaderID, p.cfg.NetworkIdleTimeout)
			if errors.Is(err, errNetworkIdleTimeout) {
				return nil
			}
			return err
		}),
	}
	if err := chromedp.Run(navCtx, actions...); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func (p *chromedpPage) VisibleText(ctx context.Context) (string, error) {
	evalCtx, cancel := context.WithTimeout(p.ctx, p.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var text string
	if err := chromedp.Run(evalCtx, chromedp.Evaluate(visibleTextScript, &text)); err != nil {
		return "", fmt.Errorf("read body text: %w", err)
	}
	return text, nil
}

func (p *chromedpPage) Close() error {
	err := chromedp.Cancel(p.ctx)
	p.cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close tab: %w", err)
	}
	return nil
}

func (p *chromedpPage) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if p.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(p.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// idleWatcher records which loaders reached the networkIdle lifecycle event.
type idleWatcher struct {
	mu     sync.Mutex
	idle   map[cdp.LoaderID]struct{}
	notify chan struct{}
}

func newIdleWatcher() *idleWatcher {
	return &idleWatcher{
		idle:   make(map[cdp.LoaderID]struct{}),
		notify: make(chan struct{}, 1),
	}
}

func (w *idleWatcher) handle(ev any) {
	e, ok := ev.(*cdppage.EventLifecycleEvent)
	if !ok || e.Name != "networkIdle" {
		return
	}
	w.mu.Lock()
	w.idle[e.LoaderID] = struct{}{}
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *idleWatcher) seen(loaderID cdp.LoaderID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.idle[loaderID]
	return ok
}

func (w *idleWatcher) wait(ctx context.Context, loaderID cdp.LoaderID, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if w.seen(loaderID) {
			return nil
		}
		select {
		case <-w.notify:
		case <-timer.C:
			return errNetworkIdleTimeout
		case <-ctx.Done():
			return fmt.Errorf("wait for network idle: %w", ctx.Err())
		}
	}
}
