package configsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"porthaul/controlplane/pkg/snapshot"
	"porthaul/controlplane/pkg/store"
)

// Plugin names referenced by every rendered service.
const (
	AutherName   = "porthaul-auther"
	LimiterName  = "porthaul-limiter"
	ObserverName = "porthaul-observer"
)

// EngineConfig is the engine's declarative config.
type EngineConfig struct {
	Services  []Service `yaml:"services" json:"services"`
	Authers   []Plugin  `yaml:"authers,omitempty" json:"authers,omitempty"`
	Limiters  []Plugin  `yaml:"limiters,omitempty" json:"limiters,omitempty"`
	Observers []Plugin  `yaml:"observers,omitempty" json:"observers,omitempty"`
}

// Service is one forwarding service, one per active rule.
type Service struct {
	Name      string    `yaml:"name" json:"name"`
	Addr      string    `yaml:"addr" json:"addr"`
	Handler   Handler   `yaml:"handler" json:"handler"`
	Listener  Listener  `yaml:"listener" json:"listener"`
	Forwarder Forwarder `yaml:"forwarder" json:"forwarder"`
	Limiter   string    `yaml:"climiter,omitempty" json:"climiter,omitempty"`
	Observer  string    `yaml:"observer,omitempty" json:"observer,omitempty"`
	Metadata  Metadata  `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Handler is a service handler.
type Handler struct {
	Type   string `yaml:"type" json:"type"`
	Auther string `yaml:"auther,omitempty" json:"auther,omitempty"`
}

// Listener is a service listener.
type Listener struct {
	Type string `yaml:"type" json:"type"`
}

// Forwarder lists the targets of a service.
type Forwarder struct {
	Nodes []Node `yaml:"nodes" json:"nodes"`
}

// Node is one forwarding target.
type Node struct {
	Name string `yaml:"name" json:"name"`
	Addr string `yaml:"addr" json:"addr"`
}

// Metadata carries service options.
type Metadata struct {
	ObserverPeriod string `yaml:"observer.period,omitempty" json:"observer.period,omitempty"`
	RuleID         string `yaml:"porthaul.rule,omitempty" json:"porthaul.rule,omitempty"`
}

// Plugin is an HTTP plugin the engine calls back into.
type Plugin struct {
	Name   string     `yaml:"name" json:"name"`
	Plugin PluginSpec `yaml:"plugin" json:"plugin"`
}

// PluginSpec locates a plugin.
type PluginSpec struct {
	Type    string `yaml:"type" json:"type"`
	Addr    string `yaml:"addr" json:"addr"`
	Token   string `yaml:"token,omitempty" json:"token,omitempty"`
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Source lists the rules to render.
type Source interface {
	Rules(ctx context.Context) ([]snapshot.RuleState, error)
}

// StoreSource derives rule activity straight from the store, so a sync
// requested right after an enforcement change sees that change.
type StoreSource struct {
	Store store.Store
	Now   func() time.Time
}

// Rules implements Source.
func (s StoreSource) Rules(ctx context.Context) ([]snapshot.RuleState, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	snap, err := snapshot.Build(ctx, s.Store, now(), "configsync")
	if err != nil {
		return nil, err
	}
	return snap.Rules, nil
}

// RendererConfig configures a Renderer.
type RendererConfig struct {
	// CallbackBaseURL is where the engine reaches /auth, /limiter and
	// /observer.
	CallbackBaseURL string

	// CallbackToken is sent by the engine with every callback.
	CallbackToken string

	// ListenHost prefixes every listen address.
	ListenHost string

	// ObserverPeriod is how often the engine reports stats.
	ObserverPeriod time.Duration
}

// Renderer turns rules into an EngineConfig.
type Renderer struct {
	cfg RendererConfig
}

// NewRenderer creates a renderer.
func NewRenderer(cfg RendererConfig) *Renderer {
	cfg.CallbackBaseURL = strings.TrimRight(cfg.CallbackBaseURL, "/")
	return &Renderer{cfg: cfg}
}

// Render builds the config for the active rules, ordered by source port.
func (r *Renderer) Render(rules []snapshot.RuleState) *EngineConfig {
	active := make([]snapshot.RuleState, 0, len(rules))
	for _, rule := range rules {
		if rule.Active {
			active = append(active, rule)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].SourcePort < active[j].SourcePort })

	out := &EngineConfig{Services: make([]Service, 0, len(active))}
	for _, rule := range active {
		proto := rule.Protocol
		if proto == "" {
			proto = "tcp"
		}
		svc := Service{
			Name:     fmt.Sprintf("forward-%s-%d", proto, rule.SourcePort),
			Addr:     net.JoinHostPort(r.cfg.ListenHost, strconv.Itoa(rule.SourcePort)),
			Handler:  Handler{Type: proto},
			Listener: Listener{Type: proto},
			Forwarder: Forwarder{Nodes: []Node{{
				Name: fmt.Sprintf("rule-%d", rule.ID),
				Addr: rule.TargetAddress,
			}}},
			Metadata: Metadata{RuleID: strconv.FormatInt(rule.ID, 10)},
		}
		if r.cfg.CallbackBaseURL != "" {
			svc.Handler.Auther = AutherName
			svc.Limiter = LimiterName
			svc.Observer = ObserverName
			if r.cfg.ObserverPeriod > 0 {
				svc.Metadata.ObserverPeriod = r.cfg.ObserverPeriod.String()
			}
		}
		out.Services = append(out.Services, svc)
	}

	if r.cfg.CallbackBaseURL != "" {
		out.Authers = []Plugin{r.plugin(AutherName, "/auth")}
		out.Limiters = []Plugin{r.plugin(LimiterName, "/limiter")}
		out.Observers = []Plugin{r.plugin(ObserverName, "/observer")}
	}
	return out
}

func (r *Renderer) plugin(name, path string) Plugin {
	return Plugin{
		Name: name,
		Plugin: PluginSpec{
			Type:  "http",
			Addr:  r.cfg.CallbackBaseURL + path,
			Token: r.cfg.CallbackToken,
		},
	}
}

// Encode returns the canonical YAML of cfg and its SHA-256 hash.
func Encode(cfg *EngineConfig) ([]byte, string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, "", fmt.Errorf("encode engine config: %w", err)
	}
	return data, Hash(data), nil
}

// Hash returns the hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
