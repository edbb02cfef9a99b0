// Package config defines the scanner configuration and turns it into the
// typed settings of each component.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/pulkyeet/spread-scanner/internal/artifacts"
	"github.com/pulkyeet/spread-scanner/internal/eth"
	"github.com/pulkyeet/spread-scanner/internal/gates"
	"github.com/pulkyeet/spread-scanner/internal/paper"
	"github.com/pulkyeet/spread-scanner/internal/truth"
)

// Config is the root configuration. populated from a TOML file, then
// overridden by SPREADSCAN_* environment variables.
type Config struct {
	Chain      ChainConfig      `toml:"chain"`
	Scan       ScanConfig       `toml:"scan"`
	Gates      GatesConfig      `toml:"gates"`
	Confidence ConfidenceConfig `toml:"confidence"`
	Quarantine QuarantineConfig `toml:"quarantine"`
	Paper      PaperConfig      `toml:"paper"`
	Output     OutputConfig     `toml:"output"`
	S3         S3Config         `toml:"s3"`
	LogLevel   string           `toml:"log_level"`
}

type ChainConfig struct {
	ChainID uint64   `toml:"chain_id"`
	RPCURLs []string `toml:"rpc_urls"`

	Timeout                  duration `toml:"timeout"`
	MaxRetries               int      `toml:"max_retries"`
	BackoffBase              duration `toml:"backoff_base"`
	BackoffMax               duration `toml:"backoff_max"`
	QuarantineMinRequests    int      `toml:"quarantine_min_requests"`
	QuarantineMinSuccessRate string   `toml:"quarantine_min_success_rate"`
	QuarantineCooldown       duration `toml:"quarantine_cooldown"`
}

// ScanConfig is what one cycle covers and how it runs.
type ScanConfig struct {
	Pairs     []string `toml:"pairs"`
	Dexes     []string `toml:"dexes"`
	AnchorDex string   `toml:"anchor_dex"`
	// trade-size ladder in base token units (wei strings)
	Sizes       []string `toml:"sizes"`
	Concurrency int      `toml:"concurrency"`
	Deadline    duration `toml:"deadline"`
	Schedule    string   `toml:"schedule"`

	Numeraire       string `toml:"numeraire"`
	NotionalCapital string `toml:"notional_capital"`
	// used when the native token has no anchor price this cycle
	NativePriceFallback string `toml:"native_price_fallback"`
	GasPriceFallbackWei string `toml:"gas_price_fallback_wei"`

	TopN        int `toml:"top_n"`
	SampleLimit int `toml:"sample_limit"`
}

type SizeLimitConfig struct {
	MinSize string `toml:"min_size"`
	Limit   uint64 `toml:"limit"`
}

type DeviationConfig struct {
	Coarse int64 `toml:"coarse_bps"`
	Fine   int64 `toml:"fine_bps"`
}

type GatesConfig struct {
	GasCeilings    []SizeLimitConfig            `toml:"gas_ceilings"`
	TickLimits     map[string][]SizeLimitConfig `toml:"tick_limits"`
	Deviation      map[string]DeviationConfig   `toml:"deviation"`
	MaxSlippageBps int64                        `toml:"max_slippage_bps"`
	VolatilePairs  []string                     `toml:"volatile_pairs"`
	StablePairs    []string                     `toml:"stable_pairs"`
}

type ConfidenceConfig struct {
	MinConfidence         string `toml:"min_confidence"`
	MaxPlausibleSpreadBps string `toml:"max_plausible_spread_bps"`
	FreshLatencyMs        int64  `toml:"fresh_latency_ms"`
	StaleLatencyMs        int64  `toml:"stale_latency_ms"`
	MaxTicks              int64  `toml:"max_ticks"`
	TargetNetBps          string `toml:"target_net_bps"`
}

// QuarantineConfig is the pool quarantine, not the rpc endpoint one.
type QuarantineConfig struct {
	Threshold int      `toml:"threshold"`
	Duration  duration `toml:"duration"`
}

type PaperConfig struct {
	Enabled          bool   `toml:"enabled"`
	Dir              string `toml:"dir"`
	SessionID        string `toml:"session_id"`
	CooldownBlocks   uint64 `toml:"cooldown_blocks"`
	SimulateBlocked  bool   `toml:"simulate_blocked"`
	RevalidateBlocks uint64 `toml:"revalidate_after_blocks"`
}

type OutputConfig struct {
	Dir       string `toml:"dir"`
	HistoryDB string `toml:"history_db"`
	Tape      bool   `toml:"tape"`
}

// S3Config mirrors artifacts.S3Config. when enabled, every artifact is
// written both locally and to the bucket.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration lets TOML carry strings like "10s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func sizeCfg(limits []gates.SizeLimit) []SizeLimitConfig {
	out := make([]SizeLimitConfig, len(limits))
	for i, l := range limits {
		out[i] = SizeLimitConfig{MinSize: l.MinSize.String(), Limit: l.Limit}
	}
	return out
}

// Defaults is a working Arbitrum One setup on public endpoints.
func Defaults() Config {
	th := gates.DefaultThresholds()
	ticks := make(map[string][]SizeLimitConfig, len(th.TickLimits))
	for vol, limits := range th.TickLimits {
		ticks[string(vol)] = sizeCfg(limits)
	}
	dev := make(map[string]DeviationConfig, len(th.Deviation))
	for vol, d := range th.Deviation {
		dev[string(vol)] = DeviationConfig{Coarse: d.Coarse, Fine: d.Fine}
	}
	ladder := gates.StandardLadder()
	sizes := make([]string, len(ladder))
	for i, s := range ladder {
		sizes[i] = s.String()
	}
	opts := eth.DefaultOptions()
	pol := truth.DefaultPolicy()

	return Config{
		Chain: ChainConfig{
			ChainID:                  eth.ArbitrumOneChainID,
			RPCURLs:                  append([]string(nil), eth.ArbitrumOneRPCs...),
			Timeout:                  duration{opts.Timeout},
			MaxRetries:               opts.MaxRetries,
			BackoffBase:              duration{opts.BackoffBase},
			BackoffMax:               duration{opts.BackoffMax},
			QuarantineMinRequests:    opts.QuarantineMinRequests,
			QuarantineMinSuccessRate: opts.QuarantineMinSuccessRate.String(),
			QuarantineCooldown:       duration{opts.QuarantineCooldown},
		},
		Scan: ScanConfig{
			Pairs:               []string{"WETH/USDC", "ARB/USDC"},
			Dexes:               []string{"uniswap_v3", "sushiswap_v3", "camelot_v3"},
			AnchorDex:           "uniswap_v3",
			Sizes:               sizes,
			Concurrency:         8,
			Deadline:            duration{20 * time.Second},
			Schedule:            "@every 30s",
			Numeraire:           "USDC",
			NotionalCapital:     "10000",
			NativePriceFallback: "3000",
			GasPriceFallbackWei: "10000000",
			TopN:                truth.DefaultTopN,
			SampleLimit:         10,
		},
		Gates: GatesConfig{
			GasCeilings:    sizeCfg(th.GasCeilings),
			TickLimits:     ticks,
			Deviation:      dev,
			MaxSlippageBps: th.MaxSlippageBps,
			VolatilePairs:  th.VolatilePairs,
			StablePairs:    th.StablePairs,
		},
		Confidence: ConfidenceConfig{
			MinConfidence:         pol.MinConfidence.String(),
			MaxPlausibleSpreadBps: pol.MaxPlausibleSpreadBps.String(),
			FreshLatencyMs:        pol.FreshLatencyMs,
			StaleLatencyMs:        pol.StaleLatencyMs,
			MaxTicks:              pol.MaxTicks,
			TargetNetBps:          pol.TargetNetBps.String(),
		},
		Quarantine: QuarantineConfig{
			Threshold: gates.DefaultQuarantineThreshold,
			Duration:  duration{gates.DefaultQuarantineDuration},
		},
		Paper: PaperConfig{
			Enabled:          true,
			Dir:              "data/paper_sessions",
			CooldownBlocks:   10,
			SimulateBlocked:  true,
			RevalidateBlocks: 1,
		},
		Output: OutputConfig{
			Dir:       "data",
			HistoryDB: "data/history.db",
			Tape:      true,
		},
		S3: S3Config{
			Region: "us-east-1",
			Prefix: "spread-scanner",
			UseSSL: true,
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// chain
	if c.Chain.ChainID == 0 {
		errs = append(errs, "chain: chain_id must be set")
	}
	if len(c.Chain.RPCURLs) == 0 {
		errs = append(errs, "chain: rpc_urls must list at least one endpoint")
	}
	for _, u := range c.Chain.RPCURLs {
		if strings.Contains(u, "${") {
			errs = append(errs, fmt.Sprintf("chain: rpc url %q references an unset variable", u))
		}
	}
	if c.Chain.Timeout.Duration <= 0 {
		errs = append(errs, "chain: timeout must be > 0")
	}
	if c.Chain.MaxRetries < 1 {
		errs = append(errs, "chain: max_retries must be >= 1")
	}
	if _, err := parseRate(c.Chain.QuarantineMinSuccessRate); err != nil {
		errs = append(errs, "chain: quarantine_min_success_rate "+err.Error())
	}

	// scan
	if len(c.Scan.Pairs) == 0 {
		errs = append(errs, "scan: pairs must not be empty")
	}
	for _, p := range c.Scan.Pairs {
		if parts := strings.Split(p, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			errs = append(errs, fmt.Sprintf("scan: pair %q must look like BASE/COUNTER", p))
		}
	}
	if len(c.Scan.Dexes) < 2 {
		errs = append(errs, "scan: at least two dexes are needed to build spreads")
	}
	for _, d := range c.Scan.Dexes {
		if _, ok := eth.DEXByID(d); !ok {
			errs = append(errs, fmt.Sprintf("scan: unknown dex %q", d))
		}
	}
	if c.Scan.AnchorDex == "" {
		errs = append(errs, "scan: anchor_dex must be set")
	} else if !contains(c.Scan.Dexes, c.Scan.AnchorDex) {
		errs = append(errs, fmt.Sprintf("scan: anchor_dex %q is not one of the scanned dexes", c.Scan.AnchorDex))
	}
	if len(c.Scan.Sizes) == 0 {
		errs = append(errs, "scan: sizes must not be empty")
	}
	for _, s := range c.Scan.Sizes {
		if _, err := parseWei(s); err != nil {
			errs = append(errs, "scan: size "+err.Error())
		}
	}
	if c.Scan.Concurrency < 1 {
		errs = append(errs, "scan: concurrency must be >= 1")
	}
	if c.Scan.Deadline.Duration <= 0 {
		errs = append(errs, "scan: deadline must be > 0")
	}
	if c.Scan.Schedule != "" {
		if _, err := cron.ParseStandard(c.Scan.Schedule); err != nil {
			errs = append(errs, fmt.Sprintf("scan: schedule %q: %v", c.Scan.Schedule, err))
		}
	}
	if c.Scan.Numeraire == "" {
		errs = append(errs, "scan: numeraire must be set")
	}
	if d, err := decimal.NewFromString(c.Scan.NotionalCapital); err != nil || !d.IsPositive() {
		errs = append(errs, fmt.Sprintf("scan: notional_capital %q must be a positive decimal", c.Scan.NotionalCapital))
	}
	if d, err := decimal.NewFromString(c.Scan.NativePriceFallback); err != nil || d.IsNegative() {
		errs = append(errs, fmt.Sprintf("scan: native_price_fallback %q must be a non-negative decimal", c.Scan.NativePriceFallback))
	}
	if _, err := parseWei(c.Scan.GasPriceFallbackWei); err != nil {
		errs = append(errs, "scan: gas_price_fallback_wei "+err.Error())
	}

	// gates
	if len(c.Gates.GasCeilings) == 0 {
		errs = append(errs, "gates: gas_ceilings must not be empty")
	}
	for _, l := range c.Gates.GasCeilings {
		if _, err := parseWei(l.MinSize); err != nil {
			errs = append(errs, "gates: gas ceiling min_size "+err.Error())
		}
	}
	if _, ok := c.Gates.TickLimits[string(gates.Normal)]; !ok {
		errs = append(errs, "gates: tick_limits needs a normal table")
	}
	for vol, limits := range c.Gates.TickLimits {
		if !validVolatility(vol) {
			errs = append(errs, fmt.Sprintf("gates: unknown volatility class %q", vol))
		}
		for _, l := range limits {
			if _, err := parseWei(l.MinSize); err != nil {
				errs = append(errs, fmt.Sprintf("gates: tick limit %s min_size %v", vol, err))
			}
		}
	}
	if _, ok := c.Gates.Deviation[string(gates.Normal)]; !ok {
		errs = append(errs, "gates: deviation needs a normal entry")
	}
	for vol, d := range c.Gates.Deviation {
		if !validVolatility(vol) {
			errs = append(errs, fmt.Sprintf("gates: unknown volatility class %q", vol))
		}
		if d.Fine <= 0 || d.Coarse < d.Fine {
			errs = append(errs, fmt.Sprintf("gates: deviation %s needs 0 < fine_bps <= coarse_bps", vol))
		}
	}
	if c.Gates.MaxSlippageBps <= 0 {
		errs = append(errs, "gates: max_slippage_bps must be > 0")
	}

	// confidence
	if d, err := parseRate(c.Confidence.MinConfidence); err != nil {
		errs = append(errs, "confidence: min_confidence "+err.Error())
	} else if d.IsZero() {
		errs = append(errs, "confidence: min_confidence must be > 0")
	}
	if d, err := decimal.NewFromString(c.Confidence.MaxPlausibleSpreadBps); err != nil || !d.IsPositive() {
		errs = append(errs, "confidence: max_plausible_spread_bps must be a positive decimal")
	}
	if d, err := decimal.NewFromString(c.Confidence.TargetNetBps); err != nil || !d.IsPositive() {
		errs = append(errs, "confidence: target_net_bps must be a positive decimal")
	}
	if c.Confidence.FreshLatencyMs < 0 || c.Confidence.StaleLatencyMs <= c.Confidence.FreshLatencyMs {
		errs = append(errs, "confidence: stale_latency_ms must exceed fresh_latency_ms")
	}
	if c.Confidence.MaxTicks <= 0 {
		errs = append(errs, "confidence: max_ticks must be > 0")
	}

	// pool quarantine
	if c.Quarantine.Threshold < 1 {
		errs = append(errs, "quarantine: threshold must be >= 1")
	}
	if c.Quarantine.Duration.Duration <= 0 {
		errs = append(errs, "quarantine: duration must be > 0")
	}

	// paper
	if c.Paper.Enabled && c.Paper.Dir == "" {
		errs = append(errs, "paper: dir must be set when enabled")
	}
	if c.Paper.Enabled && c.Paper.RevalidateBlocks < 1 {
		errs = append(errs, "paper: revalidate_after_blocks must be >= 1")
	}

	// output
	if c.Output.Dir == "" {
		errs = append(errs, "output: dir must be set")
	}

	// s3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when enabled")
		}
		if (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
			errs = append(errs, "s3: access_key and secret_key must be set together")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func validVolatility(v string) bool {
	switch gates.Volatility(v) {
	case gates.Normal, gates.Volatile, gates.Stable:
		return true
	}
	return false
}

func parseWei(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%q is not a non-negative integer", s)
	}
	return n, nil
}

func parseRate(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%q is not a decimal", s)
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("%q must be within [0,1]", s)
	}
	return d, nil
}

// the accessors below assume Validate passed; unparsable values fall back to zero.

func mustWei(s string) *big.Int {
	n, err := parseWei(s)
	if err != nil {
		return new(big.Int)
	}
	return n
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func sizeLimits(in []SizeLimitConfig) []gates.SizeLimit {
	out := make([]gates.SizeLimit, len(in))
	for i, l := range in {
		out[i] = gates.SizeLimit{MinSize: mustWei(l.MinSize), Limit: l.Limit}
	}
	return out
}

// SizeLadder is the trade-size ladder, ascending as configured.
func (c *Config) SizeLadder() []*big.Int {
	out := make([]*big.Int, len(c.Scan.Sizes))
	for i, s := range c.Scan.Sizes {
		out[i] = mustWei(s)
	}
	return out
}

func (c *Config) GateThresholds() gates.Thresholds {
	ticks := make(map[gates.Volatility][]gates.SizeLimit, len(c.Gates.TickLimits))
	for vol, limits := range c.Gates.TickLimits {
		ticks[gates.Volatility(vol)] = sizeLimits(limits)
	}
	dev := make(map[gates.Volatility]gates.DeviationLimits, len(c.Gates.Deviation))
	for vol, d := range c.Gates.Deviation {
		dev[gates.Volatility(vol)] = gates.DeviationLimits{Coarse: d.Coarse, Fine: d.Fine}
	}
	return gates.Thresholds{
		GasCeilings:    sizeLimits(c.Gates.GasCeilings),
		TickLimits:     ticks,
		Deviation:      dev,
		MaxSlippageBps: c.Gates.MaxSlippageBps,
		VolatilePairs:  c.Gates.VolatilePairs,
		StablePairs:    c.Gates.StablePairs,
	}
}

func (c *Config) ConfidencePolicy() truth.Policy {
	return truth.Policy{
		MinConfidence:         mustDecimal(c.Confidence.MinConfidence),
		MaxPlausibleSpreadBps: mustDecimal(c.Confidence.MaxPlausibleSpreadBps),
		FreshLatencyMs:        c.Confidence.FreshLatencyMs,
		StaleLatencyMs:        c.Confidence.StaleLatencyMs,
		MaxTicks:              c.Confidence.MaxTicks,
		TargetNetBps:          mustDecimal(c.Confidence.TargetNetBps),
	}
}

func (c *Config) RPCOptions() eth.Options {
	opts := eth.DefaultOptions()
	opts.Timeout = c.Chain.Timeout.Duration
	opts.MaxRetries = c.Chain.MaxRetries
	opts.BackoffBase = c.Chain.BackoffBase.Duration
	opts.BackoffMax = c.Chain.BackoffMax.Duration
	opts.QuarantineMinRequests = c.Chain.QuarantineMinRequests
	opts.QuarantineMinSuccessRate = mustDecimal(c.Chain.QuarantineMinSuccessRate)
	opts.QuarantineCooldown = c.Chain.QuarantineCooldown.Duration
	return opts
}

func (c *Config) S3Sink() artifacts.S3Config {
	return artifacts.S3Config{
		Endpoint:       c.S3.Endpoint,
		Region:         c.S3.Region,
		Bucket:         c.S3.Bucket,
		Prefix:         c.S3.Prefix,
		AccessKey:      c.S3.AccessKey,
		SecretKey:      c.S3.SecretKey,
		UseSSL:         c.S3.UseSSL,
		ForcePathStyle: c.S3.ForcePathStyle,
	}
}

func (c *Config) NotionalCapital() decimal.Decimal { return mustDecimal(c.Scan.NotionalCapital) }

func (c *Config) NativePriceFallback() decimal.Decimal {
	return mustDecimal(c.Scan.NativePriceFallback)
}

func (c *Config) GasPriceFallback() *big.Int { return mustWei(c.Scan.GasPriceFallbackWei) }

func (c *Config) PaperSession() paper.SessionConfig {
	return paper.SessionConfig{
		Dir:             c.Paper.Dir,
		SessionID:       c.Paper.SessionID,
		CooldownBlocks:  c.Paper.CooldownBlocks,
		SimulateBlocked: c.Paper.SimulateBlocked,
	}
}
