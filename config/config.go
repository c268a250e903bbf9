package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/yieldtrader/errs"
)

// Session modes.
const (
	ModeBacktest = "backtest"
	ModeLive     = "live"
)

// Asset kinds.
const (
	KindCash  = "cash"
	KindToken = "token"
	KindPerp  = "perp"
)

// Venue kinds.
const (
	VenueWallet  = "wallet"
	VenueLending = "lending"
	VenueStaking = "staking"
	VenueCEX     = "cex"
)

// Config is the complete, immutable description of one session. It is loaded
// once, validated, and then shared by pointer with every component.
type Config struct {
	Session        SessionConfig          `json:"session" yaml:"session"`
	Strategy       StrategyConfig         `json:"strategy" yaml:"strategy"`
	Assets         map[string]AssetConfig `json:"assets" yaml:"assets"`
	Venues         []VenueConfig          `json:"venues" yaml:"venues"`
	Risk           RiskConfig             `json:"risk" yaml:"risk"`
	Execution      ExecutionConfig        `json:"execution" yaml:"execution"`
	Reconciliation ToleranceConfig        `json:"reconciliation" yaml:"reconciliation"`
	PnL            ToleranceConfig        `json:"pnl" yaml:"pnl"`
	Data           DataConfig             `json:"data" yaml:"data"`
	Journal        JournalConfig          `json:"journal" yaml:"journal"`
}

// SessionConfig selects the mode and time range.
type SessionConfig struct {
	Name  string `json:"name" yaml:"name"`
	Mode  string `json:"mode" yaml:"mode"`   // "backtest" or "live"
	Start string `json:"start" yaml:"start"` // RFC3339
	End   string `json:"end,omitempty" yaml:"end,omitempty"`
	Step  string `json:"step" yaml:"step"` // e.g. "24h", "1m"
	Seed  int64  `json:"seed" yaml:"seed"`
}

// StartTime parses Start.
func (s SessionConfig) StartTime() (time.Time, error) {
	return parseTime("session.start", s.Start)
}

// EndTime parses End. A live session may leave it empty (runs until stopped).
func (s SessionConfig) EndTime() (time.Time, error) {
	if s.End == "" {
		return time.Time{}, nil
	}
	return parseTime("session.end", s.End)
}

// StepDuration parses Step.
func (s SessionConfig) StepDuration() (time.Duration, error) {
	d, err := time.ParseDuration(s.Step)
	if err != nil {
		return 0, errs.Invalid("session.step", err.Error())
	}
	if d <= 0 {
		return 0, errs.Invalid("session.step", "must be positive")
	}
	return d, nil
}

// StrategyConfig names the strategy family and its parameters.
type StrategyConfig struct {
	Name           string             `json:"name" yaml:"name"`
	InitialCapital float64            `json:"initial_capital" yaml:"initial_capital"`
	BaseAsset      string             `json:"base_asset" yaml:"base_asset"`
	Wallet         string             `json:"wallet" yaml:"wallet"` // venue holding idle capital
	Params         map[string]float64 `json:"params,omitempty" yaml:"params,omitempty"`
}

// Param returns a required strategy parameter.
func (s StrategyConfig) Param(name string) (float64, error) {
	v, ok := s.Params[name]
	if !ok {
		return 0, errs.Missing("strategy.params." + name)
	}
	return v, nil
}

// AssetConfig describes how an asset is priced.
type AssetConfig struct {
	Kind       string  `json:"kind" yaml:"kind"`                                 // cash|token|perp
	Price      string  `json:"price,omitempty" yaml:"price,omitempty"`           // series key, token only
	Peg        float64 `json:"peg,omitempty" yaml:"peg,omitempty"`               // cash only
	Underlying string  `json:"underlying,omitempty" yaml:"underlying,omitempty"` // perp only
}

// VenueConfig describes one venue and the series that drive it.
type VenueConfig struct {
	Name   string   `json:"name" yaml:"name"`
	Kind   string   `json:"kind" yaml:"kind"`
	Weight *float64 `json:"weight" yaml:"weight"`

	// asset -> series key of an APY (0.05 == 5%)
	SupplyRates map[string]string `json:"supply_rates,omitempty" yaml:"supply_rates,omitempty"`
	BorrowRates map[string]string `json:"borrow_rates,omitempty" yaml:"borrow_rates,omitempty"`
	// perp -> series key of an annualised funding rate
	Funding map[string]string `json:"funding,omitempty" yaml:"funding,omitempty"`

	FeeBps         float64 `json:"fee_bps,omitempty" yaml:"fee_bps,omitempty"`
	LiquidationLTV float64 `json:"liquidation_ltv,omitempty" yaml:"liquidation_ltv,omitempty"`
	// Simulated lending venues seize debt*(1+penalty) of collateral when
	// liquidating.
	LiquidationPenalty float64 `json:"liquidation_penalty,omitempty" yaml:"liquidation_penalty,omitempty"`

	// Live venues only.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Token    string `json:"token,omitempty" yaml:"token,omitempty"`

	// Simulated venues only: every submit at these timestamps fails.
	FailAt []string `json:"fail_at,omitempty" yaml:"fail_at,omitempty"`
}

// FailTimes parses FailAt.
func (v VenueConfig) FailTimes() ([]time.Time, error) {
	out := make([]time.Time, 0, len(v.FailAt))
	for i, s := range v.FailAt {
		t, err := parseTime(fmt.Sprintf("venues[%s].fail_at[%d]", v.Name, i), s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// RiskConfig thresholds are pointers so that an absent key is distinguishable
// from zero. There are no defaults.
type RiskConfig struct {
	MaxLTV      *float64 `json:"max_ltv" yaml:"max_ltv"`
	MaxLeverage *float64 `json:"max_leverage" yaml:"max_leverage"`
	MaxDrawdown *float64 `json:"max_drawdown" yaml:"max_drawdown"`
	MinHeadroom *float64 `json:"min_headroom" yaml:"min_headroom"`
}

// ExecutionConfig bounds venue retries.
type ExecutionConfig struct {
	MaxAttempts    int     `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoff string  `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     string  `json:"max_backoff" yaml:"max_backoff"`
	Multiplier     float64 `json:"multiplier" yaml:"multiplier"`
	Parallel       bool    `json:"parallel" yaml:"parallel"`

	// Live sessions only.
	RequestTimeout string         `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`
	Bridge         BridgeEndpoint `json:"bridge,omitempty" yaml:"bridge,omitempty"`
}

// BridgeEndpoint is the live transfer service.
type BridgeEndpoint struct {
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Token    string `json:"token,omitempty" yaml:"token,omitempty"`
}

// Timeout parses RequestTimeout, defaulting to 10s when unset.
func (e ExecutionConfig) Timeout() (time.Duration, error) {
	if e.RequestTimeout == "" {
		return 10 * time.Second, nil
	}
	d, err := time.ParseDuration(e.RequestTimeout)
	if err != nil {
		return 0, errs.Invalid("execution.request_timeout", err.Error())
	}
	return d, nil
}

// Backoff parses the backoff bounds.
func (e ExecutionConfig) Backoff() (initial, max time.Duration, err error) {
	initial, err = time.ParseDuration(e.InitialBackoff)
	if err != nil {
		return 0, 0, errs.Invalid("execution.initial_backoff", err.Error())
	}
	max, err = time.ParseDuration(e.MaxBackoff)
	if err != nil {
		return 0, 0, errs.Invalid("execution.max_backoff", err.Error())
	}
	if max < initial {
		return 0, 0, errs.Invalid("execution.max_backoff", "must be >= initial_backoff")
	}
	return initial, max, nil
}

// ToleranceConfig is shared by reconciliation and pnl.
type ToleranceConfig struct {
	Tolerance *float64 `json:"tolerance" yaml:"tolerance"`
}

// DataConfig points at the market data for either mode.
type DataConfig struct {
	HistoricalPath string         `json:"historical_path,omitempty" yaml:"historical_path,omitempty"`
	Live           LiveDataConfig `json:"live,omitempty" yaml:"live,omitempty"`
}

// LiveDataConfig configures the REST and websocket feeds.
type LiveDataConfig struct {
	BaseURL   string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Token     string `json:"token,omitempty" yaml:"token,omitempty"`
	Timeout   string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	StreamURL string `json:"stream_url,omitempty" yaml:"stream_url,omitempty"`
	MaxAge    string `json:"max_age,omitempty" yaml:"max_age,omitempty"`
}

// TimeoutDuration parses Timeout. Zero means the provider default.
func (l LiveDataConfig) TimeoutDuration() (time.Duration, error) {
	return optionalDuration("data.live.timeout", l.Timeout)
}

// MaxAgeDuration parses MaxAge. Zero disables staleness flagging.
func (l LiveDataConfig) MaxAgeDuration() (time.Duration, error) {
	return optionalDuration("data.live.max_age", l.MaxAge)
}

func optionalDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errs.Invalid(field, err.Error())
	}
	if d < 0 {
		return 0, errs.Invalid(field, "must not be negative")
	}
	return d, nil
}

// JournalConfig contains event logging parameters
type JournalConfig struct {
	Type      string `json:"type" yaml:"type"` // "sqlite", "csv", "postgres" or "memory"
	DBPath    string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	Path      string `json:"path,omitempty" yaml:"path,omitempty"`
	DSN       string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	QueueSize int    `json:"queue_size" yaml:"queue_size"`
}

// Require dereferences a required numeric parameter or fails with a
// ConfigurationError naming it.
func Require(field string, v *float64) (float64, error) {
	if v == nil {
		return 0, errs.Missing(field)
	}
	return *v, nil
}

// Float returns a pointer to v. Handy for building configs in code.
func Float(v float64) *float64 { return &v }

// Venue looks a venue up by name.
func (c *Config) Venue(name string) (VenueConfig, bool) {
	for _, v := range c.Venues {
		if v.Name == name {
			return v, true
		}
	}
	return VenueConfig{}, false
}

// Asset looks an asset up by name.
func (c *Config) Asset(name string) (AssetConfig, error) {
	a, ok := c.Assets[name]
	if !ok {
		return AssetConfig{}, errs.Invalid("assets", fmt.Sprintf("unknown asset %q", name))
	}
	return a, nil
}

// VenuesOfKind returns venues of the given kind in config order.
func (c *Config) VenuesOfKind(kind string) []VenueConfig {
	var out []VenueConfig
	for _, v := range c.Venues {
		if v.Kind == kind {
			out = append(out, v)
		}
	}
	return out
}

// LoadFromFile loads configuration from a file (YAML or JSON)
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension)
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Validate checks structure and cross references. Every failure is a
// *errs.ConfigurationError naming the offending field.
func (c *Config) Validate() error {
	s := c.Session
	if s.Mode != ModeBacktest && s.Mode != ModeLive {
		return errs.Invalid("session.mode", "must be 'backtest' or 'live'")
	}
	start, err := s.StartTime()
	if err != nil {
		return err
	}
	end, err := s.EndTime()
	if err != nil {
		return err
	}
	if s.Mode == ModeBacktest && end.IsZero() {
		return errs.Missing("session.end")
	}
	if !end.IsZero() && end.Before(start) {
		return errs.Invalid("session.end", "must not be before session.start")
	}
	if _, err := s.StepDuration(); err != nil {
		return err
	}

	if c.Strategy.Name == "" {
		return errs.Missing("strategy.name")
	}
	if c.Strategy.InitialCapital <= 0 {
		return errs.Invalid("strategy.initial_capital", "must be positive")
	}
	if c.Strategy.BaseAsset == "" {
		return errs.Missing("strategy.base_asset")
	}
	base, ok := c.Assets[c.Strategy.BaseAsset]
	if !ok || base.Kind != KindCash {
		return errs.Invalid("strategy.base_asset", "must name a cash asset")
	}
	if c.Strategy.Wallet == "" {
		return errs.Missing("strategy.wallet")
	}
	if w, ok := c.Venue(c.Strategy.Wallet); !ok || w.Kind != VenueWallet {
		return errs.Invalid("strategy.wallet", "must name a wallet venue")
	}

	if err := c.validateAssets(); err != nil {
		return err
	}
	if err := c.validateVenues(); err != nil {
		return err
	}

	for field, v := range map[string]*float64{
		"risk.max_ltv":             c.Risk.MaxLTV,
		"risk.max_leverage":        c.Risk.MaxLeverage,
		"risk.max_drawdown":        c.Risk.MaxDrawdown,
		"risk.min_headroom":        c.Risk.MinHeadroom,
		"reconciliation.tolerance": c.Reconciliation.Tolerance,
		"pnl.tolerance":            c.PnL.Tolerance,
	} {
		if v == nil {
			return errs.Missing(field)
		}
		if *v < 0 {
			return errs.Invalid(field, "must not be negative")
		}
	}

	if c.Execution.MaxAttempts < 1 {
		return errs.Invalid("execution.max_attempts", "must be at least 1")
	}
	if c.Execution.Multiplier < 1 {
		return errs.Invalid("execution.multiplier", "must be >= 1")
	}
	if _, _, err := c.Execution.Backoff(); err != nil {
		return err
	}
	if _, err := c.Execution.Timeout(); err != nil {
		return err
	}
	if s.Mode == ModeLive && c.Execution.Bridge.Endpoint == "" {
		return errs.Missing("execution.bridge.endpoint")
	}

	if s.Mode == ModeBacktest && c.Data.HistoricalPath == "" {
		return errs.Missing("data.historical_path")
	}
	if s.Mode == ModeLive && c.Data.Live.BaseURL == "" && c.Data.Live.StreamURL == "" {
		return errs.Missing("data.live.base_url")
	}
	if _, err := c.Data.Live.TimeoutDuration(); err != nil {
		return err
	}
	if _, err := c.Data.Live.MaxAgeDuration(); err != nil {
		return err
	}

	return c.validateJournal()
}

func (c *Config) validateAssets() error {
	if len(c.Assets) == 0 {
		return errs.Missing("assets")
	}
	for name, a := range c.Assets {
		field := "assets." + name
		switch a.Kind {
		case KindCash:
			if a.Peg <= 0 {
				return errs.Invalid(field+".peg", "must be positive")
			}
		case KindToken:
			if a.Price == "" {
				return errs.Missing(field + ".price")
			}
		case KindPerp:
			u, ok := c.Assets[a.Underlying]
			if !ok || u.Kind == KindPerp {
				return errs.Invalid(field+".underlying", "must name a cash or token asset")
			}
		default:
			return errs.Invalid(field+".kind", "must be cash, token or perp")
		}
	}
	return nil
}

func (c *Config) validateVenues() error {
	if len(c.Venues) == 0 {
		return errs.Missing("venues")
	}
	seen := map[string]bool{}
	for i, v := range c.Venues {
		field := fmt.Sprintf("venues[%d]", i)
		if v.Name == "" {
			return errs.Missing(field + ".name")
		}
		if v.Name == "bridge" {
			return errs.Invalid(field+".name", `"bridge" is reserved for transfers`)
		}
		if c.Session.Mode == ModeLive && v.Endpoint == "" {
			return errs.Missing(field + ".endpoint")
		}
		if seen[v.Name] {
			return errs.Invalid(field+".name", fmt.Sprintf("duplicate venue %q", v.Name))
		}
		seen[v.Name] = true

		switch v.Kind {
		case VenueWallet, VenueLending, VenueStaking, VenueCEX:
		default:
			return errs.Invalid(field+".kind", "must be wallet, lending, staking or cex")
		}
		if v.Weight == nil {
			return errs.Missing(field + ".weight")
		}
		if *v.Weight < 0 {
			return errs.Invalid(field+".weight", "must not be negative")
		}
		if v.FeeBps < 0 {
			return errs.Invalid(field+".fee_bps", "must not be negative")
		}
		for _, m := range []map[string]string{v.SupplyRates, v.BorrowRates} {
			for asset := range m {
				if _, ok := c.Assets[asset]; !ok {
					return errs.Invalid(field, fmt.Sprintf("rate for unknown asset %q", asset))
				}
			}
		}
		for perp := range v.Funding {
			if a, ok := c.Assets[perp]; !ok || a.Kind != KindPerp {
				return errs.Invalid(field+".funding", fmt.Sprintf("%q is not a perp asset", perp))
			}
		}
		if len(v.BorrowRates) > 0 && v.LiquidationLTV <= 0 {
			return errs.Missing(field + ".liquidation_ltv")
		}
		if v.LiquidationPenalty < 0 {
			return errs.Invalid(field+".liquidation_penalty", "must not be negative")
		}
		if _, err := v.FailTimes(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateJournal() error {
	j := c.Journal
	switch j.Type {
	case "sqlite":
		if j.DBPath == "" {
			return errs.Missing("journal.db_path")
		}
	case "csv":
		if j.Path == "" {
			return errs.Missing("journal.path")
		}
	case "postgres":
		if j.DSN == "" {
			return errs.Missing("journal.dsn")
		}
	case "memory":
	default:
		return errs.Invalid("journal.type", "must be sqlite, csv, postgres or memory")
	}
	if j.QueueSize < 1 {
		return errs.Invalid("journal.queue_size", "must be at least 1")
	}
	return nil
}

func parseTime(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errs.Missing(field)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errs.Invalid(field, err.Error())
	}
	return t.UTC(), nil
}

// Default returns a pure lending backtest over 30 days on one pool.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			Name:  "pure-lending-demo",
			Mode:  ModeBacktest,
			Start: "2024-01-01T00:00:00Z",
			End:   "2024-01-31T00:00:00Z",
			Step:  "24h",
			Seed:  1,
		},
		Strategy: StrategyConfig{
			Name:           "pure_lending",
			InitialCapital: 100000,
			BaseAsset:      "USDC",
			Wallet:         "wallet",
			Params: map[string]float64{
				"rebalance_threshold": 0.005,
				"min_trade":           10,
			},
		},
		Assets: map[string]AssetConfig{
			"USDC": {Kind: KindCash, Peg: 1},
		},
		Venues: []VenueConfig{
			{Name: "wallet", Kind: VenueWallet, Weight: Float(1)},
			{
				Name:        "lending_pool_A",
				Kind:        VenueLending,
				Weight:      Float(1),
				SupplyRates: map[string]string{"USDC": "rate:lending_pool_A:USDC"},
			},
		},
		Risk: RiskConfig{
			MaxLTV:      Float(0.8),
			MaxLeverage: Float(3),
			MaxDrawdown: Float(0.2),
			MinHeadroom: Float(0.05),
		},
		Execution: ExecutionConfig{
			MaxAttempts:    3,
			InitialBackoff: "100ms",
			MaxBackoff:     "2s",
			Multiplier:     2,
		},
		Reconciliation: ToleranceConfig{Tolerance: Float(1e-6)},
		PnL:            ToleranceConfig{Tolerance: Float(0.01)},
		Data: DataConfig{
			HistoricalPath: "./data/series.csv",
		},
		Journal: JournalConfig{
			Type:      "sqlite",
			DBPath:    "./yieldtrader.db",
			QueueSize: 1024,
		},
	}
}
