// Package probe validates the health surface of a provisioned container:
// the VNC web UI, the REST API in front of the terminal and the bridge port.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultVNCPort = 3000
	DefaultAPIPort = 8000
	DefaultRPCPort = 8001

	DefaultSymbol = "EURUSD"

	defaultTimeout       = 10 * time.Second
	defaultStreamTimeout = 5 * time.Second
)

type Level string

const (
	LevelOK    Level = "ok"
	LevelWarn  Level = "warning"
	LevelError Level = "error"
)

// Check is one validation line.
type Check struct {
	Name   string `json:"name"`
	Level  Level  `json:"level"`
	Detail string `json:"detail,omitempty"`
}

// Report collects every check of a validation run.
type Report struct {
	Checks []Check `json:"checks"`
}

func (r *Report) add(name string, lvl Level, format string, args ...any) {
	r.Checks = append(r.Checks, Check{Name: name, Level: lvl, Detail: fmt.Sprintf(format, args...)})
}

func (r Report) filter(lvl Level) []Check {
	var out []Check
	for _, c := range r.Checks {
		if c.Level == lvl {
			out = append(out, c)
		}
	}
	return out
}

func (r Report) Errors() []Check   { return r.filter(LevelError) }
func (r Report) Warnings() []Check { return r.filter(LevelWarn) }

// OK reports whether the run found no errors. Warnings do not count.
func (r Report) OK() bool { return len(r.Errors()) == 0 }

// Options configures a Prober. Zero values select the container defaults.
type Options struct {
	Host    string
	APIPort int
	VNCPort int
	Ports   []int // TCP ports that must accept connections
	Timeout time.Duration
	// Symbol is the instrument whose tick stream is sampled.
	Symbol string
	// StreamTimeout bounds the wait for the first tick.
	StreamTimeout time.Duration
	Client        *http.Client
	Logger        *slog.Logger
}

type Prober struct {
	host          string
	apiPort       int
	vncPort       int
	ports         []int
	timeout       time.Duration
	symbol        string
	streamTimeout time.Duration
	client        *http.Client
	logger        *slog.Logger
}

func New(opts Options) *Prober {
	p := &Prober{
		host:          opts.Host,
		apiPort:       opts.APIPort,
		vncPort:       opts.VNCPort,
		ports:         opts.Ports,
		timeout:       opts.Timeout,
		symbol:        opts.Symbol,
		streamTimeout: opts.StreamTimeout,
		client:        opts.Client,
		logger:        opts.Logger,
	}
	if p.host == "" {
		p.host = "localhost"
	}
	if p.apiPort == 0 {
		p.apiPort = DefaultAPIPort
	}
	if p.vncPort == 0 {
		p.vncPort = DefaultVNCPort
	}
	if p.ports == nil {
		p.ports = []int{p.vncPort, p.apiPort, DefaultRPCPort}
	}
	if p.timeout <= 0 {
		p.timeout = defaultTimeout
	}
	if p.symbol == "" {
		p.symbol = DefaultSymbol
	}
	if p.streamTimeout <= 0 {
		p.streamTimeout = defaultStreamTimeout
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: p.timeout}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "probe")
	return p
}

func (p *Prober) url(port int, path string) string {
	return "http://" + net.JoinHostPort(p.host, strconv.Itoa(port)) + path
}

// Run executes every check in order. It stops early only when ctx ends.
func (p *Prober) Run(ctx context.Context) Report {
	var r Report
	for _, port := range p.ports {
		if ctx.Err() != nil {
			return r
		}
		p.checkPort(ctx, &r, port)
	}
	steps := []func(context.Context, *Report){
		p.checkVNC,
		p.checkHealth,
		p.checkDocs,
		p.checkEndpoints,
		p.checkStream,
	}
	for _, step := range steps {
		if ctx.Err() != nil {
			return r
		}
		step(ctx, &r)
	}
	for _, c := range r.Checks {
		switch c.Level {
		case LevelError:
			p.logger.Error("Check failed", "check", c.Name, "detail", c.Detail)
		case LevelWarn:
			p.logger.Warn("Check warning", "check", c.Name, "detail", c.Detail)
		default:
			p.logger.Info("Check passed", "check", c.Name, "detail", c.Detail)
		}
	}
	return r
}

func (p *Prober) checkPort(ctx context.Context, r *Report, port int) {
	name := "port " + strconv.Itoa(port)
	d := net.Dialer{Timeout: p.timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(p.host, strconv.Itoa(port)))
	if err != nil {
		r.add(name, LevelError, "not accessible: %v", err)
		return
	}
	_ = conn.Close()
	r.add(name, LevelOK, "open")
}

func (p *Prober) get(ctx context.Context, port int, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url(port, path), nil)
	if err != nil {
		return nil, err
	}
	return p.client.Do(req)
}

func (p *Prober) checkStatus(ctx context.Context, r *Report, name string, port int, path string, accept ...int) {
	resp, err := p.get(ctx, port, path)
	if err != nil {
		r.add(name, LevelError, "%v", err)
		return
	}
	_ = resp.Body.Close()
	for _, code := range accept {
		if resp.StatusCode == code {
			r.add(name, LevelOK, "status %d", resp.StatusCode)
			return
		}
	}
	r.add(name, LevelError, "status %d", resp.StatusCode)
}

func (p *Prober) checkVNC(ctx context.Context, r *Report) {
	p.checkStatus(ctx, r, "vnc", p.vncPort, "/", http.StatusOK)
}

type healthBody struct {
	Status       string `json:"status"`
	MT5Connected bool   `json:"mt5_connected"`
}

func (p *Prober) checkHealth(ctx context.Context, r *Report) {
	resp, err := p.get(ctx, p.apiPort, "/health")
	if err != nil {
		r.add("health", LevelError, "%v", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		r.add("health", LevelError, "status %d", resp.StatusCode)
		return
	}
	var body healthBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		r.add("health", LevelError, "invalid body: %v", err)
		return
	}
	if body.Status != "healthy" {
		r.add("health", LevelError, "api reports %q", body.Status)
		return
	}
	r.add("health", LevelOK, "healthy")
	if body.MT5Connected {
		r.add("mt5 connection", LevelOK, "connected")
	} else {
		r.add("mt5 connection", LevelWarn, "terminal not connected")
	}
}

func (p *Prober) checkDocs(ctx context.Context, r *Report) {
	p.checkStatus(ctx, r, "docs", p.apiPort, "/docs", http.StatusOK)
}

// checkEndpoints accepts 404 since an empty account has no symbols or positions yet.
func (p *Prober) checkEndpoints(ctx context.Context, r *Report) {
	for _, path := range []string{"/symbols", "/account", "/positions"} {
		p.checkStatus(ctx, r, "GET "+path, p.apiPort, path, http.StatusOK, http.StatusNotFound)
	}
}

// checkStream reads one message from the tick websocket. A tick carrying a
// symbol passes, silence within the stream timeout is a warning and a failed
// handshake or broken connection is an error.
func (p *Prober) checkStream(ctx context.Context, r *Report) {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(p.host, strconv.Itoa(p.apiPort)),
		Path:   "/ws/ticks/" + p.symbol,
	}
	d := websocket.Dialer{HandshakeTimeout: p.timeout}
	conn, resp, err := d.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			r.add("tick stream", LevelError, "handshake status %d", resp.StatusCode)
			return
		}
		r.add("tick stream", LevelError, "%v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(p.streamTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			r.add("tick stream", LevelWarn, "connected but no data within %s", p.streamTimeout)
			return
		}
		r.add("tick stream", LevelError, "%v", err)
		return
	}
	var tick map[string]json.RawMessage
	if err := json.Unmarshal(msg, &tick); err != nil {
		r.add("tick stream", LevelWarn, "message is not JSON: %v", err)
		return
	}
	if _, ok := tick["symbol"]; !ok {
		r.add("tick stream", LevelWarn, "message has no symbol field")
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	r.add("tick stream", LevelOK, "receiving %s ticks", p.symbol)
}
