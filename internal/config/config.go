package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/devblac/netflow-tower/internal/classify"
	"github.com/devblac/netflow-tower/internal/units"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the YAML configuration.
type Config struct {
	Version int           `yaml:"version"`
	Global  GlobalConfig  `yaml:"global"`
	Chain   ChainConfig   `yaml:"chain"`
	Token   TokenConfig   `yaml:"token"`
	Watch   []WatchGroup  `yaml:"watch"`
	Monitor MonitorConfig `yaml:"monitor"`
	API     APIConfig     `yaml:"api"`
	Sinks   []Sink        `yaml:"sinks"`
}

type GlobalConfig struct {
	DBPath    string `yaml:"db_path"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

type ChainConfig struct {
	ID                uint64      `yaml:"id"`
	RPCURL            string      `yaml:"rpc_url"`
	RequestTimeout    Duration    `yaml:"request_timeout"`
	RequestsPerSecond float64     `yaml:"requests_per_second"`
	Retry             RetryConfig `yaml:"retry"`
	ABIDirs           []string    `yaml:"abi_dirs"`
}

type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
}

type TokenConfig struct {
	Contract string `yaml:"contract"`
	Symbol   string `yaml:"symbol"`
	Decimals int32  `yaml:"decimals"`
}

// WatchGroup is a named set of addresses whose transfers are tracked.
type WatchGroup struct {
	Name      string   `yaml:"name"`
	Addresses []string `yaml:"addresses"`
}

type MonitorConfig struct {
	Classifier       string        `yaml:"classifier"`
	PollInterval     Duration      `yaml:"poll_interval"`
	BatchSize        uint64        `yaml:"batch_size"`
	FetchChunk       uint64        `yaml:"fetch_chunk"`
	FetchConcurrency int           `yaml:"fetch_concurrency"`
	PersistTimeout   Duration      `yaml:"persist_timeout"`
	MaxLag           uint64        `yaml:"max_lag"`
	Backoff          BackoffConfig `yaml:"backoff"`
}

type BackoffConfig struct {
	BaseDelay Duration `yaml:"base_delay"`
	MaxDelay  Duration `yaml:"max_delay"`
}

type APIConfig struct {
	Addr            string `yaml:"addr"`
	DefaultPageSize int    `yaml:"default_page_size"`
	MaxPageSize     int    `yaml:"max_page_size"`
}

type Sink struct {
	ID         string   `yaml:"id"`
	Type       string   `yaml:"type"`
	WebhookURL string   `yaml:"webhook_url"`
	Template   string   `yaml:"template"`
	URL        string   `yaml:"url"`
	Method     string   `yaml:"method"`
	Brokers    []string `yaml:"brokers"`
	Topic      string   `yaml:"topic"`
	MinAmount  string   `yaml:"min_amount"`
}

// Duration is a time.Duration written as a Go duration string ("12s", "1m30s").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string", node.Line)
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Default returns a configuration with every optional field set.
func Default() Config {
	return Config{
		Global: GlobalConfig{
			DBPath:    "netflow.db",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Chain: ChainConfig{
			RequestTimeout: Duration(10 * time.Second),
			Retry: RetryConfig{
				MaxAttempts: 5,
				BaseDelay:   Duration(500 * time.Millisecond),
				MaxDelay:    Duration(30 * time.Second),
			},
		},
		Token: TokenConfig{Decimals: 18},
		Monitor: MonitorConfig{
			PollInterval:     Duration(12 * time.Second),
			BatchSize:        100,
			FetchChunk:       100,
			FetchConcurrency: 1,
			PersistTimeout:   Duration(30 * time.Second),
			Backoff: BackoffConfig{
				BaseDelay: Duration(time.Second),
				MaxDelay:  Duration(5 * time.Minute),
			},
		},
		API: APIConfig{
			Addr:            "127.0.0.1:8080",
			DefaultPageSize: 100,
			MaxPageSize:     1000,
		},
	}
}

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML over the defaults, applies NETFLOW_* overrides, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

// applyEnvOverrides lets deployments change a few settings without editing the file.
func (c *Config) applyEnvOverrides() error {
	if v, ok := os.LookupEnv("NETFLOW_DB_PATH"); ok && v != "" {
		c.Global.DBPath = v
	}
	if v, ok := os.LookupEnv("NETFLOW_RPC_URL"); ok && v != "" {
		c.Chain.RPCURL = v
	}
	if v, ok := os.LookupEnv("NETFLOW_API_ADDR"); ok && v != "" {
		c.API.Addr = v
	}
	if v, ok := os.LookupEnv("NETFLOW_LOG_LEVEL"); ok && v != "" {
		c.Global.LogLevel = v
	}
	if v, ok := os.LookupEnv("NETFLOW_POLL_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("NETFLOW_POLL_INTERVAL: %w", err)
		}
		c.Monitor.PollInterval = Duration(d)
	}
	if v, ok := os.LookupEnv("NETFLOW_BATCH_SIZE"); ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("NETFLOW_BATCH_SIZE: %w", err)
		}
		c.Monitor.BatchSize = n
	}
	return nil
}

// Validate performs small, direct schema checks.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", c.Version)
	}
	if err := c.Global.Validate(); err != nil {
		return fmt.Errorf("global: %w", err)
	}
	if err := c.Chain.Validate(); err != nil {
		return fmt.Errorf("chain: %w", err)
	}
	if err := c.Token.Validate(); err != nil {
		return fmt.Errorf("token: %w", err)
	}

	if len(c.Watch) == 0 {
		return errors.New("at least one watch group is required")
	}
	if _, err := c.Classifiers(); err != nil {
		return err
	}
	if _, err := c.ActiveClassifier(); err != nil {
		return err
	}

	if err := c.Monitor.Validate(); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	sinkIDs := map[string]struct{}{}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if _, exists := sinkIDs[s.ID]; exists {
			return fmt.Errorf("duplicate sink id: %s", s.ID)
		}
		sinkIDs[s.ID] = struct{}{}
		if err := s.Validate(c.Token.Decimals); err != nil {
			return fmt.Errorf("sink %s: %w", s.ID, err)
		}
	}

	return nil
}

func (g *GlobalConfig) Validate() error {
	if g.DBPath == "" {
		return errors.New("db_path is required")
	}
	switch strings.ToLower(g.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unsupported log_level: %s", g.LogLevel)
	}
	switch strings.ToLower(g.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unsupported log_format: %s", g.LogFormat)
	}
	return nil
}

func (ch *ChainConfig) Validate() error {
	if ch.RPCURL == "" {
		return errors.New("rpc_url is required")
	}
	u, err := url.Parse(ch.RPCURL)
	if err != nil {
		return fmt.Errorf("rpc_url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("rpc_url: unsupported scheme %q", u.Scheme)
	}
	if ch.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}
	if ch.RequestsPerSecond < 0 {
		return errors.New("requests_per_second must not be negative")
	}
	if ch.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if ch.Retry.BaseDelay < 0 || ch.Retry.MaxDelay < ch.Retry.BaseDelay {
		return errors.New("retry delays must satisfy 0 <= base_delay <= max_delay")
	}
	return nil
}

func (t *TokenConfig) Validate() error {
	if !common.IsHexAddress(t.Contract) {
		return fmt.Errorf("contract %q is not a hex address", t.Contract)
	}
	if t.Decimals < 0 || t.Decimals > 36 {
		return fmt.Errorf("decimals must be between 0 and 36, got %d", t.Decimals)
	}
	return nil
}

// ContractAddress returns the token contract as an address.
func (t TokenConfig) ContractAddress() common.Address {
	return common.HexToAddress(t.Contract)
}

func (m *MonitorConfig) Validate() error {
	if m.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if m.BatchSize == 0 {
		return errors.New("batch_size must be positive")
	}
	if m.FetchChunk == 0 {
		return errors.New("fetch_chunk must be positive")
	}
	if m.FetchChunk > m.BatchSize {
		return fmt.Errorf("fetch_chunk (%d) must not exceed batch_size (%d)", m.FetchChunk, m.BatchSize)
	}
	if m.FetchConcurrency < 1 {
		return errors.New("fetch_concurrency must be at least 1")
	}
	if m.PersistTimeout <= 0 {
		return errors.New("persist_timeout must be positive")
	}
	if m.Backoff.BaseDelay <= 0 || m.Backoff.MaxDelay < m.Backoff.BaseDelay {
		return errors.New("backoff delays must satisfy 0 < base_delay <= max_delay")
	}
	return nil
}

func (a *APIConfig) Validate() error {
	if a.DefaultPageSize < 1 {
		return errors.New("default_page_size must be at least 1")
	}
	if a.MaxPageSize < a.DefaultPageSize {
		return errors.New("max_page_size must be at least default_page_size")
	}
	return nil
}

func (s *Sink) Validate(decimals int32) error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}

	switch strings.ToLower(s.Type) {
	case "slack", "teams":
		if s.WebhookURL == "" {
			return errors.New("webhook_url is required for slack/teams sinks")
		}
	case "webhook":
		if s.URL == "" {
			return errors.New("url is required for webhook sink")
		}
		if s.Method == "" {
			s.Method = "POST"
		}
	case "kafka":
		if len(s.Brokers) == 0 {
			return errors.New("brokers are required for kafka sink")
		}
		if s.Topic == "" {
			return errors.New("topic is required for kafka sink")
		}
	default:
		return fmt.Errorf("unsupported sink type: %s", s.Type)
	}
	if s.MinAmount != "" {
		if _, err := units.Parse(s.MinAmount, decimals); err != nil {
			return fmt.Errorf("min_amount: %w", err)
		}
	}
	return nil
}

// Classifiers builds one classifier per watch group, keyed by group name.
func (c *Config) Classifiers() (*classify.Registry, error) {
	reg := classify.NewRegistry()
	for _, w := range c.Watch {
		ws, err := classify.NewWatchedSet(w.Name, w.Addresses)
		if err != nil {
			return nil, fmt.Errorf("watch: %w", err)
		}
		if err := reg.Register(ws); err != nil {
			return nil, fmt.Errorf("watch: %w", err)
		}
	}
	return reg, nil
}

// ActiveClassifier returns the classifier named by monitor.classifier,
// or the only watch group when just one is configured.
func (c *Config) ActiveClassifier() (classify.Classifier, error) {
	reg, err := c.Classifiers()
	if err != nil {
		return nil, err
	}
	name := c.Monitor.Classifier
	if name == "" {
		names := reg.Names()
		if len(names) != 1 {
			return nil, errors.New("monitor.classifier is required when more than one watch group is configured")
		}
		name = names[0]
	}
	cl, ok := reg.Get(name)
	if !ok {
		return nil, fmt.Errorf("monitor.classifier: unknown watch group %q", name)
	}
	return cl, nil
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
