// Package config loads the per-service node configuration and (for the
// chain service only) the genesis block, per SPEC_FULL.md's expansion of
// §1's CLI surface: `--config` (TOML, hand-decoded — no spf13/viper, same
// economy the teacher's cmd/ binaries show by wiring things directly
// instead of through a framework) and `--genesis` (JSON).
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// NodeConfig is the flat set of options every citacore service reads at
// boot. Not every field is meaningful to every binary (e.g. StatusPeriod
// only matters to citachain) — each cmd/ entrypoint reads the fields it
// needs and ignores the rest, same as the services themselves ignore
// irrelevant zero-valued Config fields.
type NodeConfig struct {
	DataDir    string
	LogLevel   string
	MetricsAddr string

	// AuthPool.
	PoolCapacity  int
	BatchSize     int
	BlockQuota    uint64
	AccountQuota  uint64

	// Consensus.
	ProposeTimeout   time.Duration
	PrevoteTimeout   time.Duration
	PrecommitTimeout time.Duration
	RoundBackoff     time.Duration
	LocalKeyFile     string

	// Chain.
	QueueCapacity int
	StatusPeriod  time.Duration
	SyncDeadline  time.Duration

	// Executor.
	EconomicModel      string // "quota" or "charge"
	SuperAdmin         string // hex address
	AutoExecEnabled    bool
	AutoExecQuotaLimit uint64
	CacheCapacity      int
}

// defaults mirrors the zero-value fallbacks each service's own New/Config
// already applies; Load fills them in here too so a printed config is
// self-describing.
func defaults() NodeConfig {
	return NodeConfig{
		DataDir:          "./data",
		LogLevel:         "info",
		PoolCapacity:     50_000,
		BatchSize:        200,
		BlockQuota:       1 << 30,
		AccountQuota:     1 << 28,
		ProposeTimeout:   3 * time.Second,
		PrevoteTimeout:   1 * time.Second,
		PrecommitTimeout: 1 * time.Second,
		RoundBackoff:     500 * time.Millisecond,
		QueueCapacity:    1024,
		StatusPeriod:     3 * time.Second,
		SyncDeadline:     5 * time.Second,
		EconomicModel:    "quota",
		CacheCapacity:    4096,
	}
}

// Load reads and decodes the TOML file at path into a NodeConfig seeded
// with defaults.
func Load(path string) (NodeConfig, error) {
	cfg := defaults()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: failed to open %s: %w", path, err)
	}
	defer f.Close()

	fields, err := decodeTOML(f)
	if err != nil {
		return cfg, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	if err := apply(&cfg, fields); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// decodeTOML is a minimal flat/one-level-table TOML reader: it recognizes
// `key = value` lines (string, bool, integer, or duration-suffixed string
// like "3s") and `[section]` headers, which are folded into "section.key"
// field names. Nested tables-of-tables, arrays, and inline tables are not
// supported — this spine's config only ever needs flat scalars, and a
// hand-rolled scanner this small keeps the manual-decode promise honest
// without silently mis-parsing a format it can't actually represent.
func decodeTOML(f *os.File) (map[string]string, error) {
	fields := make(map[string]string)
	section := ""
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSpace(line[1 : len(line)-1])
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			return nil, fmt.Errorf("line %d: expected key = value", lineNo)
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		val = stripComment(val)
		val = unquote(val)
		if section != "" {
			key = section + "." + key
		}
		fields[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return fields, nil
}

func stripComment(v string) string {
	if strings.HasPrefix(v, `"`) {
		end := strings.Index(v[1:], `"`)
		if end < 0 {
			return v
		}
		return v[:end+2] // never strip inside a quoted string
	}
	if i := strings.Index(v, "#"); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	return v
}

func unquote(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}

// apply maps the flat TOML fields onto cfg by name; unknown keys are
// ignored (forward-compatible with a config file written for a newer
// service version, matching §7's "never crash the service" posture).
func apply(cfg *NodeConfig, fields map[string]string) error {
	str := func(key string, dst *string) error {
		if v, ok := fields[key]; ok {
			*dst = v
		}
		return nil
	}
	integer := func(key string, dst *int) error {
		v, ok := fields[key]
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	u64 := func(key string, dst *uint64) error {
		v, ok := fields[key]
		if !ok {
			return nil
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	duration := func(key string, dst *time.Duration) error {
		v, ok := fields[key]
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}
	boolean := func(key string, dst *bool) error {
		v, ok := fields[key]
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}

	for _, err := range []error{
		str("data_dir", &cfg.DataDir),
		str("log_level", &cfg.LogLevel),
		str("metrics_addr", &cfg.MetricsAddr),
		integer("authpool.pool_capacity", &cfg.PoolCapacity),
		integer("authpool.batch_size", &cfg.BatchSize),
		u64("authpool.block_quota", &cfg.BlockQuota),
		u64("authpool.account_quota", &cfg.AccountQuota),
		duration("consensus.propose_timeout", &cfg.ProposeTimeout),
		duration("consensus.prevote_timeout", &cfg.PrevoteTimeout),
		duration("consensus.precommit_timeout", &cfg.PrecommitTimeout),
		duration("consensus.round_backoff", &cfg.RoundBackoff),
		str("consensus.local_key_file", &cfg.LocalKeyFile),
		integer("chain.queue_capacity", &cfg.QueueCapacity),
		duration("chain.status_period", &cfg.StatusPeriod),
		duration("chain.sync_deadline", &cfg.SyncDeadline),
		str("executor.economic_model", &cfg.EconomicModel),
		str("executor.super_admin", &cfg.SuperAdmin),
		boolean("executor.auto_exec_enabled", &cfg.AutoExecEnabled),
		u64("executor.auto_exec_quota_limit", &cfg.AutoExecQuotaLimit),
		integer("executor.cache_capacity", &cfg.CacheCapacity),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}
