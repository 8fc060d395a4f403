package sockguardtest

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/agentsh/sockguard/internal/config"
	"github.com/agentsh/sockguard/internal/logging"
	"github.com/agentsh/sockguard/pkg/sockguard"
	"github.com/gobwas/glob"
	"github.com/google/uuid"
)

// Options are the global defaults of a test binary.
type Options struct {
	// DisableSocket blocks sockets in every test that does not say otherwise.
	DisableSocket bool
	// AllowHosts stay reachable while sockets are disabled.
	AllowHosts []sockguard.HostPort
	// InstallDefaultTransport guards http.DefaultTransport during Main.
	InstallDefaultTransport bool
	// MetricsFile receives the guard's counters when Main returns.
	MetricsFile string
	// Directives attach directives to tests by name.
	Directives []PatternDirective
	// Logger replaces the harness logger when set.
	Logger *slog.Logger
}

// PatternDirective applies Directive to tests whose full name (including
// subtest path) matches the glob Pattern, with "/" as separator.
type PatternDirective struct {
	Pattern   string
	Directive sockguard.Directive
}

type compiledDirective struct {
	glob      glob.Glob
	directive sockguard.Directive
}

// Harness wires a Policy into the test lifecycle: it establishes the global
// default, resolves each test's directive and fixtures, and re-establishes
// the enclosing state when a test finishes.
//
// Tests are assumed to run one at a time. Scopes of tests running in
// parallel overlap on the same Policy, which the harness reports but cannot
// untangle.
type Harness struct {
	policy *sockguard.Policy
	guard  *sockguard.Guard
	logger *slog.Logger
	runID  string

	mu       sync.Mutex
	opts     Options
	patterns []compiledDirective
	scopes   []*Scope

	flags flagValues
}

type flagValues struct {
	fs            *flag.FlagSet
	disableSocket bool
	allowHosts    string
	configPath    string
}

// Option configures a Harness.
type Option func(*Harness)

// WithPolicy makes the harness drive p instead of sockguard.Default().
func WithPolicy(p *sockguard.Policy) Option {
	return func(h *Harness) { h.policy = p }
}

// WithGuard sets the guard whose counters the harness reports. Its policy
// must be the harness policy.
func WithGuard(g *sockguard.Guard) Option {
	return func(h *Harness) { h.guard = g }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

func New(opts ...Option) *Harness {
	h := &Harness{runID: uuid.NewString()}
	for _, opt := range opts {
		opt(h)
	}
	if h.policy == nil {
		h.policy = sockguard.Default()
	}
	if h.guard == nil {
		if h.policy == sockguard.Default() {
			h.guard = sockguard.DefaultGuard()
		} else {
			h.guard = sockguard.NewGuard(h.policy, sockguard.WithLogger(h.logger))
		}
	}
	return h
}

func (h *Harness) Policy() *sockguard.Policy { return h.policy }

func (h *Harness) Guard() *sockguard.Guard { return h.guard }

func (h *Harness) log() *slog.Logger {
	if h.logger != nil {
		return h.logger
	}
	return slog.Default()
}

// RegisterFlags adds -disable-socket, -allow-hosts and -sockguard-config to
// fs. The default harness registers them on flag.CommandLine.
func (h *Harness) RegisterFlags(fs *flag.FlagSet) {
	h.flags.fs = fs
	fs.BoolVar(&h.flags.disableSocket, "disable-socket", false, "block network sockets in tests that do not enable them")
	fs.StringVar(&h.flags.allowHosts, "allow-hosts", "", "comma-separated host[:port] entries reachable while sockets are disabled")
	fs.StringVar(&h.flags.configPath, "sockguard-config", "", "sockguard config file (default: nearest .sockguard.yaml)")
}

// LoadOptions merges the config file, the environment and the flags, in
// increasing order of precedence. Only flags set explicitly on the command
// line override the file.
func (h *Harness) LoadOptions() (Options, error) {
	var (
		cfg *config.Config
		err error
	)
	if h.flags.configPath != "" {
		cfg, err = config.Load(h.flags.configPath)
	} else {
		var wd string
		if wd, err = os.Getwd(); err == nil {
			cfg, _, err = config.Discover(wd)
		}
	}
	if err != nil {
		return Options{}, err
	}

	if h.flags.fs != nil {
		h.flags.fs.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "disable-socket":
				cfg.DisableSocket = h.flags.disableSocket
			case "allow-hosts":
				cfg.AllowHosts = strings.Split(h.flags.allowHosts, ",")
			}
		})
	}
	return h.optionsFromConfig(cfg)
}

func (h *Harness) optionsFromConfig(cfg *config.Config) (Options, error) {
	allowed, err := cfg.AllowList()
	if err != nil {
		return Options{}, fmt.Errorf("invalid allow hosts: %w", err)
	}
	opts := Options{
		DisableSocket:           cfg.DisableSocket,
		AllowHosts:              allowed,
		InstallDefaultTransport: cfg.InstallDefaultTransport,
		MetricsFile:             cfg.MetricsFile,
	}
	for _, td := range cfg.Tests {
		d, err := sockguard.ParseDirective(td.Directive)
		if err != nil {
			return Options{}, err
		}
		opts.Directives = append(opts.Directives, PatternDirective{Pattern: td.Pattern, Directive: d})
	}
	if h.logger == nil {
		if opts.Logger, err = logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format); err != nil {
			return Options{}, err
		}
	}
	return opts, nil
}

// Configure sets the global default and re-establishes the policy for the
// innermost active test, or the global default when there is none.
func (h *Harness) Configure(opts Options) error {
	patterns := make([]compiledDirective, 0, len(opts.Directives))
	for _, pd := range opts.Directives {
		g, err := glob.Compile(pd.Pattern, '/')
		if err != nil {
			return fmt.Errorf("compile test pattern %q: %w", pd.Pattern, err)
		}
		patterns = append(patterns, compiledDirective{glob: g, directive: pd.Directive})
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.opts = opts
	h.patterns = patterns
	if opts.Logger != nil {
		h.logger = opts.Logger
		h.guard.SetLogger(opts.Logger)
	}
	h.restoreLocked()
	return nil
}

// Main establishes the global default from config, environment and flags,
// runs the tests and reports blocked attempts. Use it from TestMain:
//
//	func TestMain(m *testing.M) { os.Exit(sockguardtest.Main(m)) }
func (h *Harness) Main(m *testing.M) int {
	if !flag.Parsed() {
		flag.Parse()
	}
	opts, err := h.LoadOptions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sockguard: %v\n", err)
		return 2
	}
	if err := h.Configure(opts); err != nil {
		fmt.Fprintf(os.Stderr, "sockguard: %v\n", err)
		return 2
	}
	if opts.InstallDefaultTransport {
		restore := sockguard.InstallDefaultTransport(h.guard)
		defer restore()
	}
	h.log().Debug("sockguard: configured",
		"run_id", h.runID,
		"disable_socket", opts.DisableSocket,
		"allow_hosts", len(opts.AllowHosts),
		"directives", len(opts.Directives),
	)

	code := m.Run()
	if err := h.finish(); err != nil {
		fmt.Fprintf(os.Stderr, "sockguard: %v\n", err)
	}
	return code
}

// finish logs the blocked attempts of the run and writes the metrics file.
func (h *Harness) finish() error {
	stats := h.guard.Stats()
	if stats.Blocked > 0 {
		h.log().Warn("sockguard: blocked socket attempts",
			"run_id", h.runID,
			"blocked", stats.Blocked,
			"checked", stats.Checked,
		)
	}

	h.mu.Lock()
	path := h.opts.MetricsFile
	h.mu.Unlock()
	if path == "" {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metrics file: %w", err)
	}
	if err := h.guard.WriteMetrics(f); err != nil {
		f.Close()
		return fmt.Errorf("write metrics file: %w", err)
	}
	return f.Close()
}

func (h *Harness) directiveForLocked(name string) sockguard.Directive {
	for _, p := range h.patterns {
		if p.glob.Match(name) {
			return p.directive
		}
	}
	return sockguard.Inherit
}

// applyDefaultLocked puts the policy in the global default state.
func (h *Harness) applyDefaultLocked() {
	if h.opts.DisableSocket {
		h.policy.Disable(h.opts.AllowHosts...)
		return
	}
	h.policy.Enable()
}

// restoreLocked re-applies the innermost scope, or the global default.
func (h *Harness) restoreLocked() {
	if n := len(h.scopes); n > 0 {
		h.applyLocked(h.scopes[n-1])
		return
	}
	h.applyDefaultLocked()
}

var std = New()

func init() {
	std.RegisterFlags(flag.CommandLine)
}

// Default returns the harness over sockguard.Default(), whose flags are
// registered on flag.CommandLine.
func Default() *Harness { return std }

// Main runs m with the default harness.
func Main(m *testing.M) int { return std.Main(m) }
