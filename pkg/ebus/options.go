package ebus

import (
	"github.com/ebus-project/ebus/errs"
	"github.com/ebus-project/ebus/pkg/ebus/definition"
	"github.com/ebus-project/ebus/pkg/ebus/types"
)

// Config is the bus-wide configuration NewBus builds from, the
// counterpart to the teacher's BaseConfiguration: a logger, the bus's own
// public identity, and the single-writer inbox's buffer size.
type Config struct {
	Logger      types.Logger
	BusPublicId types.BusPublicId
	InboxSize   int
}

// Option configures a Config, applied in order by NewBus.
type Option func(*Config)

// WithLogger overrides the default logger (definition.NewDefaultLogger).
func WithLogger(log types.Logger) Option {
	return func(c *Config) { c.Logger = log }
}

// WithBusPublicId pins this bus's identity instead of generating a fresh
// UUID, useful for tests that need a deterministic neighbor name.
func WithBusPublicId(id types.BusPublicId) Option {
	return func(c *Config) { c.BusPublicId = id }
}

// WithInboxSize overrides the single-writer inbox's channel buffer.
func WithInboxSize(n int) Option {
	return func(c *Config) { c.InboxSize = n }
}

func defaultConfig() *Config {
	return &Config{
		Logger:    definition.NewDefaultLogger(),
		InboxSize: 64,
	}
}

func (c *Config) validate() error {
	if c.InboxSize < 0 {
		return errs.Internal("InboxSize must be non-negative")
	}
	return nil
}

// BridgeConfig configures one child bridge's admission policy, the
// per-connection counterpart to the teacher's PeerConfiguration (§4.2).
// The transport itself is passed positionally to Bus.Bridge, matching
// ConnectParent's shape.
type BridgeConfig struct {
	AllowList *types.GroupSet
	DenyList  *types.GroupSet
}

// BridgeOption configures a BridgeConfig, applied in order by Bus.Bridge.
type BridgeOption func(*BridgeConfig)

// WithAllowList restricts a bridge to only admit traffic whose source
// groups intersect names.
func WithAllowList(names ...string) BridgeOption {
	return func(c *BridgeConfig) {
		g := types.NewGroupSet(names...)
		c.AllowList = &g
	}
}

// WithDenyList rejects traffic whose source groups intersect names,
// taking precedence over any allow list (§4.2).
func WithDenyList(names ...string) BridgeOption {
	return func(c *BridgeConfig) {
		g := types.NewGroupSet(names...)
		c.DenyList = &g
	}
}

func newBridgeConfig(opts ...BridgeOption) *BridgeConfig {
	cfg := &BridgeConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func (c *BridgeConfig) policy() types.BridgePolicy {
	return types.BridgePolicy{AllowList: c.AllowList, DenyList: c.DenyList}
}
