package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const envPrefix = "SPREADSCAN_"

// Load merges the TOML file at path over Defaults, then applies .env and
// SPREADSCAN_* overrides and expands ${VAR} references in rpc urls.
// an empty path keeps the defaults. the result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// missing .env is fine
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	expandRPCURLs(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// chain
	setUint64(&cfg.Chain.ChainID, envPrefix+"CHAIN_ID")
	setStringSlice(&cfg.Chain.RPCURLs, envPrefix+"RPC_URLS")
	setDuration(&cfg.Chain.Timeout, envPrefix+"RPC_TIMEOUT")
	setInt(&cfg.Chain.MaxRetries, envPrefix+"RPC_MAX_RETRIES")

	// scan
	setStringSlice(&cfg.Scan.Pairs, envPrefix+"PAIRS")
	setStringSlice(&cfg.Scan.Dexes, envPrefix+"DEXES")
	setStr(&cfg.Scan.AnchorDex, envPrefix+"ANCHOR_DEX")
	setStringSlice(&cfg.Scan.Sizes, envPrefix+"SIZES")
	setInt(&cfg.Scan.Concurrency, envPrefix+"CONCURRENCY")
	setDuration(&cfg.Scan.Deadline, envPrefix+"DEADLINE")
	setStr(&cfg.Scan.Schedule, envPrefix+"SCHEDULE")
	setStr(&cfg.Scan.Numeraire, envPrefix+"NUMERAIRE")
	setStr(&cfg.Scan.NotionalCapital, envPrefix+"NOTIONAL_CAPITAL")

	// confidence
	setStr(&cfg.Confidence.MinConfidence, envPrefix+"MIN_CONFIDENCE")

	// paper
	setBool(&cfg.Paper.Enabled, envPrefix+"PAPER_ENABLED")
	setStr(&cfg.Paper.Dir, envPrefix+"PAPER_DIR")
	setStr(&cfg.Paper.SessionID, envPrefix+"PAPER_SESSION_ID")
	setUint64(&cfg.Paper.CooldownBlocks, envPrefix+"PAPER_COOLDOWN_BLOCKS")
	setBool(&cfg.Paper.SimulateBlocked, envPrefix+"PAPER_SIMULATE_BLOCKED")

	// output
	setStr(&cfg.Output.Dir, envPrefix+"OUTPUT_DIR")
	setStr(&cfg.Output.HistoryDB, envPrefix+"HISTORY_DB")
	setBool(&cfg.Output.Tape, envPrefix+"TAPE")

	// s3
	setBool(&cfg.S3.Enabled, envPrefix+"S3_ENABLED")
	setStr(&cfg.S3.Endpoint, envPrefix+"S3_ENDPOINT")
	setStr(&cfg.S3.Region, envPrefix+"S3_REGION")
	setStr(&cfg.S3.Bucket, envPrefix+"S3_BUCKET")
	setStr(&cfg.S3.Prefix, envPrefix+"S3_PREFIX")
	setStr(&cfg.S3.AccessKey, envPrefix+"S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, envPrefix+"S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, envPrefix+"S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, envPrefix+"S3_FORCE_PATH_STYLE")

	setStr(&cfg.LogLevel, envPrefix+"LOG_LEVEL")
}

// expandRPCURLs resolves ${VAR} so keys stay out of the config file.
// unresolved references are left in place and caught by Validate.
func expandRPCURLs(cfg *Config) {
	for i, u := range cfg.Chain.RPCURLs {
		cfg.Chain.RPCURLs[i] = os.Expand(u, func(name string) string {
			if v, ok := os.LookupEnv(name); ok {
				return v
			}
			return "${" + name + "}"
		})
	}
}

// each helper only touches dst when the variable is set and non-empty.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
