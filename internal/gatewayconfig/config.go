// Package gatewayconfig loads, validates, and hot-reloads the gateway's
// gateway.yaml configuration: routes, upstreams, failover/slow-start
// policy, and the ambient server/logging/auth settings.
//
// See spec.md §3 (Data model) and §6 (External interfaces) for the
// schema this package implements.
package gatewayconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/llmgateway/llmgateway/internal/modify"
)

// Config is the top-level gateway configuration, loaded from gateway.yaml.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Auth    *AuthPolicy   `yaml:"auth,omitempty"`
	Plugins []PluginRef   `yaml:"plugins,omitempty"` // run on every route, before route-level plugins
	Routes  []Route       `yaml:"routes"`
}

// ServerConfig defines where the gateway listens and how long it waits
// for in-flight requests to drain on shutdown.
type ServerConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	ShutdownTimeoutMs int    `yaml:"shutdownTimeoutMs"`
	BodyParserLimit   string `yaml:"bodyParserLimit"`
}

// LoggingConfig sets the level and handler format of the gateway's
// structured slog logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// AuthPolicy is a gateway-wide authentication requirement. When Enabled
// is true and no custom AuthChecker is supplied, the orchestrator checks
// the bearer token on Header against Tokens itself. A custom AuthChecker
// (spec.md §6) runs on every request whatever this struct says; Enabled
// then only decides whether Header is stripped before forwarding.
type AuthPolicy struct {
	Enabled bool     `yaml:"enabled"`
	Header  string   `yaml:"header"` // default "Authorization"
	Tokens  []string `yaml:"tokens,omitempty"`
}

// Route is one routable path prefix, its rewrite rules, request/response
// modification, plugin chain, and candidate upstream set.
type Route struct {
	Path      string               `yaml:"path"`
	Rewrites  []RewriteRule        `yaml:"rewrites,omitempty"`
	Request   *modify.Rules        `yaml:"request,omitempty"`
	Response  []ResponseRule       `yaml:"response,omitempty"`
	Stream    *StreamTransformRule `yaml:"stream,omitempty"`
	Plugins   []PluginRef          `yaml:"plugins,omitempty"`
	Upstreams []Upstream           `yaml:"upstreams"`
	Failover  *FailoverPolicy      `yaml:"failover,omitempty"`
	Auth      *AuthPolicy          `yaml:"auth,omitempty"`
}

// RewriteRule rewrites the outbound path. Pattern is a regexp2 pattern
// (supports lookaround, unlike Go's RE2-based regexp — spec.md §4.C).
// Rules are tried in declared order; the first one whose pattern matches
// applies its Replace and rewriting then stops.
type RewriteRule struct {
	Pattern string `yaml:"pattern"`
	Replace string `yaml:"replace"`
}

// ResponseRule conditionally applies modify.Rules to a response based on
// status code and/or header matches.
type ResponseRule struct {
	Match   ResponseMatch `yaml:"match"`
	Apply   *modify.Rules `yaml:"apply"`
}

// ResponseMatch selects which responses a ResponseRule applies to. An
// empty StatusCodes list matches any status. Headers use glob patterns
// against the actual header value (spec.md DOMAIN STACK: gobwas/glob).
type ResponseMatch struct {
	StatusCodes []int             `yaml:"statusCodes,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`
}

// StreamTransformRule carries the phase-specific modification rules and
// phase-detection config the SSE stream executor applies to each chunk
// (spec.md §4.G).
type StreamTransformRule struct {
	Detection PhaseDetection          `yaml:"detection"`
	Phases    map[Phase]*modify.Rules `yaml:"phases"`
}

// Phase is one of the SSE lifecycle phases a chunk can be classified as.
type Phase string

const (
	PhaseStart Phase = "start"
	PhaseChunk Phase = "chunk"
	PhaseEnd   Phase = "end"
	PhaseSkip  Phase = "skip"
)

// PhaseDetection holds the event-name/data patterns used to classify an
// incoming SSE frame into a Phase (spec.md §4.G). When EventField is
// empty, patterns are matched against the frame's `event:` field; when it
// is set, they are matched against that named field of the decoded
// `data:` JSON.
type PhaseDetection struct {
	EventField string              `yaml:"eventField,omitempty"`
	StartWhen  []string            `yaml:"startWhen,omitempty"`
	EndWhen    []string            `yaml:"endWhen,omitempty"`
	SkipWhen   []string            `yaml:"skipWhen,omitempty"`
}

// PluginRef names a plugin to run in this route's chain, either as a bare
// name ("redact-pii") or a full descriptor with its own config.
type PluginRef struct {
	Name   string         `yaml:"-"`
	Config map[string]any `yaml:"-"`
}

// UnmarshalYAML accepts both `plugins: [redact-pii]` (bare name) and
// `plugins: [{name: redact-pii, config: {...}}]` (descriptor), mirroring
// the teacher's stringOrList union-type pattern.
func (p *PluginRef) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		p.Name = value.Value
		return nil
	}
	var d struct {
		Name   string         `yaml:"name"`
		Config map[string]any `yaml:"config"`
	}
	if err := value.Decode(&d); err != nil {
		return fmt.Errorf("expected plugin name or {name, config}, got %v", value.Kind)
	}
	p.Name = d.Name
	p.Config = d.Config
	return nil
}

// Upstream is one candidate backend for a route, with its selection
// weight, priority band, and circuit-breaker/slow-start tuning.
type Upstream struct {
	Name              string            `yaml:"name"`
	URL               string            `yaml:"url"`
	Weight            int               `yaml:"weight"`
	Priority          int               `yaml:"priority"`
	Headers           map[string]string `yaml:"headers,omitempty"`
	RequestTimeoutMs  int               `yaml:"requestTimeoutMs"`
	SlowStart         *SlowStartPolicy  `yaml:"slowStart,omitempty"`
	Plugins           []PluginRef       `yaml:"plugins,omitempty"`
}

// FailoverPolicy tunes the circuit breaker and retry/backoff behavior
// shared by every upstream in a route (spec.md §4.D, §4.E).
type FailoverPolicy struct {
	FailureThreshold     int     `yaml:"failureThreshold"`
	HealthyThreshold     int     `yaml:"healthyThreshold"`
	RecoveryIntervalMs   int     `yaml:"recoveryIntervalMs"`
	RecoveryTimeoutMs    int     `yaml:"recoveryTimeoutMs"`
	RetryableStatusCodes []int   `yaml:"retryableStatusCodes"`
	Backoff              Backoff `yaml:"backoff"`
}

// Backoff is the exponential-backoff-with-jitter tuning for retries.
type Backoff struct {
	BaseMs int     `yaml:"baseMs"`
	MaxMs  int     `yaml:"maxMs"`
	Factor float64 `yaml:"factor"`
}

// SlowStartPolicy ramps a freshly-recovered (or freshly-added) upstream's
// effective weight up from a fraction of its configured weight over
// DurationMs (spec.md §4.D).
type SlowStartPolicy struct {
	DurationMs           int     `yaml:"durationMs"`
	InitialWeightFactor  float64 `yaml:"initialWeightFactor"`
}

// Load reads and parses gateway.yaml from path, applies defaults for any
// unset fields, and validates the result. A missing file is not an
// error — it yields a minimal default config with no routes.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	applyTopLevelDefaults(cfg)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyRouteDefaults(cfg)

	// An omitted weight and an explicit `weight: 0` both decode as 0 and
	// get the default; put explicit zeros back so validate sees them.
	var raw struct {
		Routes []struct{ Upstreams []map[string]any }
	}
	if yaml.Unmarshal(data, &raw) == nil {
		for i, r := range raw.Routes {
			for j, u := range r.Upstreams {
				if w, ok := u["weight"]; ok && w == 0 {
					cfg.Routes[i].Upstreams[j].Weight = 0
				}
			}
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a minimal default gateway.yaml with server and
// logging defaults populated and no routes, for first-run setup.
func WriteDefault(path string) error {
	cfg := &Config{}
	applyTopLevelDefaults(cfg)

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# Gateway Configuration
#
# server: bind address, shutdown drain timeout, request body size limit
# logging: level and format for the structured request/error log
# auth: gateway-wide bearer-token requirement (checked when enabled)
# routes: path prefixes, each with rewrites, modification rules, plugins,
#         and a weighted/prioritized upstream set

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

func applyTopLevelDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeoutMs == 0 {
		cfg.Server.ShutdownTimeoutMs = 10000
	}
	if cfg.Server.BodyParserLimit == "" {
		cfg.Server.BodyParserLimit = "10MB"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Auth != nil && cfg.Auth.Header == "" {
		cfg.Auth.Header = "Authorization"
	}
}

// applyRouteDefaults fills in spec.md §6's per-upstream and per-route
// defaults for any field left unset in gateway.yaml.
func applyRouteDefaults(cfg *Config) {
	for i := range cfg.Routes {
		r := &cfg.Routes[i]

		if r.Failover == nil {
			r.Failover = &FailoverPolicy{}
		}
		applyFailoverDefaults(r.Failover)

		for j := range r.Upstreams {
			u := &r.Upstreams[j]
			if u.Weight == 0 {
				u.Weight = 100
			}
			if u.Priority == 0 {
				u.Priority = 1
			}
			if u.RequestTimeoutMs == 0 {
				u.RequestTimeoutMs = 30000
			}
			if u.SlowStart == nil {
				u.SlowStart = &SlowStartPolicy{}
			}
			if u.SlowStart.DurationMs == 0 {
				u.SlowStart.DurationMs = 30000
			}
			if u.SlowStart.InitialWeightFactor == 0 {
				u.SlowStart.InitialWeightFactor = 0.1
			}
		}
	}
}

func applyFailoverDefaults(f *FailoverPolicy) {
	if f.FailureThreshold == 0 {
		f.FailureThreshold = 3
	}
	if f.HealthyThreshold == 0 {
		f.HealthyThreshold = 2
	}
	if f.RecoveryIntervalMs == 0 {
		f.RecoveryIntervalMs = 5000
	}
	if f.RecoveryTimeoutMs == 0 {
		f.RecoveryTimeoutMs = 3000
	}
	if len(f.RetryableStatusCodes) == 0 {
		f.RetryableStatusCodes = []int{502, 503, 504}
	}
	if f.Backoff.BaseMs == 0 {
		f.Backoff.BaseMs = 1000
	}
	if f.Backoff.MaxMs == 0 {
		f.Backoff.MaxMs = 30000
	}
	if f.Backoff.Factor == 0 {
		f.Backoff.Factor = 0.2
	}
}

// validate checks the config for logical errors after defaults are
// applied: every route needs at least one upstream, and any non-empty
// priority band must carry positive total weight (spec.md §8).
func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	for _, r := range cfg.Routes {
		if r.Path == "" {
			return fmt.Errorf("route has empty path")
		}
		if len(r.Upstreams) == 0 {
			return fmt.Errorf("route %q: must declare at least one upstream", r.Path)
		}

		weightByPriority := map[int]int{}
		for _, u := range r.Upstreams {
			if u.URL == "" {
				return fmt.Errorf("route %q: upstream %q has empty url", r.Path, u.Name)
			}
			if u.Weight < 0 {
				return fmt.Errorf("route %q: upstream %q has negative weight", r.Path, u.Name)
			}
			weightByPriority[u.Priority] += u.Weight
		}
		for priority, total := range weightByPriority {
			if total <= 0 {
				return fmt.Errorf("route %q: priority band %d has zero total weight", r.Path, priority)
			}
		}
	}

	return nil
}
