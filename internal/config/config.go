package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
)

const (
	// WorkspaceDirName is the directory name for project-level deskpilot config.
	WorkspaceDirName = ".deskpilot"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
	// EnvPrefix prefixes environment overrides, e.g. DESKPILOT_HOLD_THRESHOLD.
	EnvPrefix = "DESKPILOT"
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all settings for the companion process. Settings (the
// named live keys) sit at the top level next to the startup-only sections.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Browser BrowserConfig `mapstructure:"browser"`
	MCP     MCPConfig     `mapstructure:"mcp"`
	Rules   RulesConfig   `mapstructure:"rules"`
	Diag    DiagConfig    `mapstructure:"diag"`
	Trace   TraceConfig   `mapstructure:"trace"`
	Journal JournalConfig `mapstructure:"journal"`

	Settings `mapstructure:",squash"`

	// Files lists the config files that were merged, in order.
	Files []string `mapstructure:"-"`
}

type ServerConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
	// File receives log output instead of stderr. Required in stdio MCP
	// mode, where stdout carries the protocol.
	File string `mapstructure:"file"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Empty launches a browser.
	DebuggerURL string `mapstructure:"debugger_url"`
	// Launch starts a local browser when no debugger URL is given.
	Launch   bool   `mapstructure:"launch"`
	Bin      string `mapstructure:"bin"`
	Headless bool   `mapstructure:"headless"`
	// PageMatch picks the agent desktop tab by URL substring.
	PageMatch string `mapstructure:"page_match"`
	// StartURL is opened when no tab matches.
	StartURL      string        `mapstructure:"start_url"`
	AttachTimeout time.Duration `mapstructure:"attach_timeout"`
	// Stealth opens new tabs with go-rod/stealth evasions.
	Stealth bool `mapstructure:"stealth"`
}

type MCPConfig struct {
	// When set, serves MCP over SSE plus the REST control endpoints on this
	// port instead of stdio.
	SSEPort int `mapstructure:"sse_port"`
}

// RulesConfig points at an optional rule pack overlay.
type RulesConfig struct {
	Path string `mapstructure:"path"`
}

// DiagConfig controls the diagnostics fact buffer.
type DiagConfig struct {
	Enable          bool `mapstructure:"enable"`
	FactBufferLimit int  `mapstructure:"fact_buffer_limit"`
}

// TraceConfig controls the per-tick JSONL trace.
type TraceConfig struct {
	Enable          bool   `mapstructure:"enable"`
	Dir             string `mapstructure:"dir"`
	MaxFileBytes    int64  `mapstructure:"max_file_bytes"`
	MaxRotatedFiles int    `mapstructure:"max_rotated_files"`
}

// JournalConfig controls the SQLite history.
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "deskpilot")
	v.SetDefault("server.version", "0.3.0")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("browser.debugger_url", "")
	v.SetDefault("browser.launch", false)
	v.SetDefault("browser.bin", "")
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.page_match", "desktop.wxcc")
	v.SetDefault("browser.start_url", "")
	v.SetDefault("browser.attach_timeout", "10s")
	v.SetDefault("browser.stealth", true)
	v.SetDefault("mcp.sse_port", 0)
	v.SetDefault("rules.path", "")
	v.SetDefault("diag.enable", true)
	v.SetDefault("diag.fact_buffer_limit", 2048)
	v.SetDefault("trace.enable", false)
	v.SetDefault("trace.dir", "data/trace")
	v.SetDefault("trace.max_file_bytes", 8<<20)
	v.SetDefault("trace.max_rotated_files", 5)
	v.SetDefault("journal.path", "data/history.db")

	d := DefaultSettings()
	v.SetDefault("autofill.enabled", d.Autofill.Enabled)
	v.SetDefault("autofill.queue", d.Autofill.Queue)
	v.SetDefault("autofill.assign_to", d.Autofill.AssignTo)
	v.SetDefault("autofill.hide_queue", d.Autofill.HideQueue)
	v.SetDefault("autofill.hide_assign", d.Autofill.HideAssign)
	v.SetDefault("autofill.option_delay", d.Autofill.OptionDelay)
	v.SetDefault("hold.enabled", d.Hold.Enabled)
	v.SetDefault("hold.threshold", d.Hold.Threshold)
	v.SetDefault("hold.snooze", d.Hold.Snooze)
	v.SetDefault("hold.mode", d.Hold.Mode)
	v.SetDefault("hold.duration_attr", d.Hold.DurationAttr)
	v.SetDefault("hold.state_attr", d.Hold.StateAttr)
	v.SetDefault("poll.interval", d.Poll.Interval)
	v.SetDefault("poll.autofill_interval", d.Poll.AutofillInterval)
	v.SetDefault("poll.watch_interval", d.Poll.WatchInterval)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// DefaultConfig returns the configuration with nothing but defaults.
func DefaultConfig() Config {
	var cfg Config
	if err := newViper().Unmarshal(&cfg); err != nil {
		panic(eris.Wrap(err, "config: defaults"))
	}
	return cfg
}

// Load implements the multi-layer config merge:
//
//	defaults <- .deskpilot/config.yaml <- explicit --config <- DESKPILOT_* env
//
// Returns the merged config and the workspace directory (empty if none found).
func Load(explicitConfig string, opts WorkspaceOptions) (*Config, string, error) {
	v := newViper()
	var files []string

	wsDir := ""
	if !opts.Disable {
		var err error
		wsDir, err = findWorkspace(opts)
		if err != nil {
			return nil, "", err
		}
		if wsDir != "" {
			path := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			v.SetConfigFile(path)
			if err := v.MergeInConfig(); err != nil {
				return nil, "", eris.Wrapf(err, "config: read workspace config %s", path)
			}
			files = append(files, path)
		}
	}

	if explicitConfig != "" {
		v.SetConfigFile(explicitConfig)
		if err := v.MergeInConfig(); err != nil {
			return nil, wsDir, eris.Wrapf(err, "config: read %s", explicitConfig)
		}
		files = append(files, explicitConfig)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, wsDir, eris.Wrap(err, "config: unmarshal")
	}
	cfg.Files = files
	if wsDir != "" {
		cfg = resolveWorkspacePaths(cfg, wsDir)
	}
	return &cfg, wsDir, cfg.Validate()
}

func findWorkspace(opts WorkspaceOptions) (string, error) {
	if opts.ExplicitDir != "" {
		candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return opts.ExplicitDir, nil
		}
		return "", nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", eris.Wrap(err, "config: getting working directory")
	}
	return DiscoverWorkspace(cwd)
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, WorkspaceDirName, p)
	}
	cfg.Log.File = resolve(cfg.Log.File)
	cfg.Rules.Path = resolve(cfg.Rules.Path)
	cfg.Trace.Dir = resolve(cfg.Trace.Dir)
	cfg.Journal.Path = resolve(cfg.Journal.Path)
	return cfg
}

// Validate ensures required fields exist so the process can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return eris.New("config: server.name is required")
	}
	if c.Browser.AttachTimeout <= 0 {
		return eris.New("config: browser.attach_timeout must be positive")
	}
	if c.MCP.SSEPort < 0 || c.MCP.SSEPort > 65535 {
		return eris.Errorf("config: mcp.sse_port %d out of range", c.MCP.SSEPort)
	}
	return c.Settings.Validate()
}

// ReadSettings re-reads only the live settings from the given files, for
// hot reload.
func ReadSettings(files ...string) (Settings, error) {
	v := newViper()
	for _, f := range files {
		v.SetConfigFile(f)
		if err := v.MergeInConfig(); err != nil {
			return Settings{}, eris.Wrapf(err, "config: read %s", f)
		}
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, eris.Wrap(err, "config: unmarshal settings")
	}
	return s, s.Validate()
}
