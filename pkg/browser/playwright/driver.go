// Package playwright adapts playwright-go to the browser session ports.
//
// Chromium sessions are launched with a remote debugging port so a worker
// in another process can attach to the same browser over CDP. Sessions on a
// remote grid are reached through the Playwright protocol and can only be
// driven from the process that connected them.
package playwright

import (
	"context"
	"fmt"
	"io"
	"maps"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	pw "github.com/playwright-community/playwright-go"

	"github.com/odvcencio/gridrunner/pkg/browser"
)

// Session option keys exchanged with workers.
const (
	OptCDPEndpoint = "cdpEndpoint"
	OptWSEndpoint  = "wsEndpoint"
	OptEngine      = "engine"
)

// Options configures the driver.
type Options struct {
	// Install downloads the driver and browsers before first use.
	Install bool
	// Verbose forwards driver installation output to Stdout/Stderr.
	Verbose bool
	Stdout  io.Writer
	Stderr  io.Writer
	// DefaultTimeoutMs applies to every page action. Zero keeps Playwright's default.
	DefaultTimeoutMs float64
}

// Driver launches and attaches Playwright sessions. It implements
// browser.Launcher and browser.Attacher.
type Driver struct {
	opts Options

	mu sync.Mutex
	pw *pw.Playwright
}

// New creates a driver; Playwright starts on first use.
func New(opts Options) *Driver {
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	return &Driver{opts: opts}
}

func (d *Driver) start() (*pw.Playwright, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pw != nil {
		return d.pw, nil
	}

	runOpts := &pw.RunOptions{
		Verbose: d.opts.Verbose,
		Stdout:  d.opts.Stdout,
		Stderr:  d.opts.Stderr,
	}
	if d.opts.Install {
		if err := pw.Install(runOpts); err != nil {
			return nil, fmt.Errorf("failed to install playwright: %w", err)
		}
	}
	p, err := pw.Run(runOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}
	d.pw = p
	return p, nil
}

// Close stops the Playwright driver process.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pw == nil {
		return nil
	}
	err := d.pw.Stop()
	d.pw = nil
	return err
}

func browserType(p *pw.Playwright, engine string) (pw.BrowserType, error) {
	switch engine {
	case "", "chromium":
		return p.Chromium, nil
	case "firefox":
		return p.Firefox, nil
	case "webkit":
		return p.WebKit, nil
	default:
		return nil, fmt.Errorf("unknown engine %q", engine)
	}
}

// Launch starts a session. A grid URL connects to the remote Playwright
// server; otherwise a local browser is launched.
func (d *Driver) Launch(ctx context.Context, req browser.LaunchRequest) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := d.start()
	if err != nil {
		return nil, err
	}
	bt, err := browserType(p, req.Engine)
	if err != nil {
		return nil, err
	}

	opts := map[string]any{OptEngine: engineName(req.Engine)}
	var br pw.Browser
	switch {
	case req.GridURL != "":
		br, err = bt.Connect(req.GridURL)
		opts[OptWSEndpoint] = req.GridURL
	case engineName(req.Engine) == "chromium":
		var port int
		port, err = freePort()
		if err != nil {
			return nil, err
		}
		br, err = bt.Launch(pw.BrowserTypeLaunchOptions{
			Headless: pw.Bool(req.Headless),
			Args:     []string{"--remote-debugging-port=" + strconv.Itoa(port)},
		})
		opts[OptCDPEndpoint] = cdpEndpoint(port)
	default:
		br, err = bt.Launch(pw.BrowserTypeLaunchOptions{Headless: pw.Bool(req.Headless)})
	}
	if err != nil {
		return nil, fmt.Errorf("launch %s: %w", engineName(req.Engine), err)
	}

	bctx, err := br.NewContext()
	if err != nil {
		_ = br.Close()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = br.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	if d.opts.DefaultTimeoutMs > 0 {
		page.SetDefaultTimeout(d.opts.DefaultTimeoutMs)
	}

	return &session{
		id:      uuid.NewString(),
		browser: br,
		page:    page,
		caps:    capabilities(req.DesiredCapabilities, engineName(req.Engine), br.Version()),
		opts:    opts,
	}, nil
}

// Attach connects to a session launched by another process over CDP.
func (d *Driver) Attach(ctx context.Context, req browser.AttachRequest) (browser.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	endpoint, _ := req.Options[OptCDPEndpoint].(string)
	if endpoint == "" {
		return nil, fmt.Errorf("%w: %s", browser.ErrNotAttachable, req.SessionID)
	}
	p, err := d.start()
	if err != nil {
		return nil, err
	}

	br, err := p.Chromium.ConnectOverCDP(endpoint)
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", req.SessionID, err)
	}

	page, err := firstPage(br)
	if err != nil {
		_ = br.Close()
		return nil, err
	}
	if d.opts.DefaultTimeoutMs > 0 {
		page.SetDefaultTimeout(d.opts.DefaultTimeoutMs)
	}

	return &session{
		id:      req.SessionID,
		browser: br,
		page:    page,
		caps:    maps.Clone(req.Capabilities),
		opts:    maps.Clone(req.Options),
	}, nil
}

func firstPage(br pw.Browser) (pw.Page, error) {
	for _, c := range br.Contexts() {
		if pages := c.Pages(); len(pages) > 0 {
			return pages[0], nil
		}
	}
	contexts := br.Contexts()
	if len(contexts) == 0 {
		return nil, fmt.Errorf("attached browser has no context")
	}
	return contexts[0].NewPage()
}

func engineName(engine string) string {
	if engine == "" {
		return "chromium"
	}
	return engine
}

func capabilities(desired map[string]any, engine, version string) map[string]any {
	caps := maps.Clone(desired)
	if caps == nil {
		caps = make(map[string]any, 2)
	}
	caps["browserName"] = engine
	if version != "" {
		caps["browserVersion"] = version
	}
	return caps
}

func cdpEndpoint(port int) string {
	return "http://127.0.0.1:" + strconv.Itoa(port)
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate debugging port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
