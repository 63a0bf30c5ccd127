package cmd

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

// FileConfig is the TOML config file. Its fields mirror the command
// flags, which take precedence when set.
type FileConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	Simulate SimulateFileConfig `toml:"simulate"`
	Fetch    FetchFileConfig    `toml:"fetch"`
	Serve    ServeFileConfig    `toml:"serve"`
	Journal  string             `toml:"journal"`
	DB       string             `toml:"db"`
}

// SimulateFileConfig holds defaults for `svmsim simulate`.
type SimulateFileConfig struct {
	Accounts string `toml:"accounts"`
	Encoding string `toml:"encoding"`
	CPI      bool   `toml:"cpi"`
}

// FetchFileConfig holds defaults for `svmsim fetch`.
type FetchFileConfig struct {
	RPC         []string `toml:"rpc"`
	Commitment  string   `toml:"commitment"`
	BatchSize   int      `toml:"batch_size"`
	Concurrency int      `toml:"concurrency"`
	MaxRetries  int      `toml:"max_retries"`
	MaxSlotLag  int      `toml:"max_slot_lag"`

	// Durations are strings such as "250ms".
	RequestDelayRaw   string `toml:"request_delay"`
	RequestTimeoutRaw string `toml:"request_timeout"`
}

// ServeFileConfig holds defaults for `svmsim serve`.
type ServeFileConfig struct {
	Accounts       string   `toml:"accounts"`
	Addr           string   `toml:"addr"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// LoadFileConfig reads a TOML config file. Unknown keys are rejected.
func LoadFileConfig(path string) (*FileConfig, error) {
	var fc FileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("load config %s: unknown key %q", path, undecoded[0].String())
	}
	return &fc, nil
}

// overrideString copies a file value into dst unless the flag was set.
func overrideString(flags *pflag.FlagSet, name string, dst *string, value string) {
	if value != "" && !flags.Changed(name) {
		*dst = value
	}
}

func overrideBool(flags *pflag.FlagSet, name string, dst *bool, value bool) {
	if value && !flags.Changed(name) {
		*dst = value
	}
}

func overrideInt(flags *pflag.FlagSet, name string, dst *int, value int) {
	if value != 0 && !flags.Changed(name) {
		*dst = value
	}
}

func overrideStrings(flags *pflag.FlagSet, name string, dst *[]string, value []string) {
	if len(value) > 0 && !flags.Changed(name) {
		*dst = value
	}
}

func overrideDuration(flags *pflag.FlagSet, name string, dst *time.Duration, raw string) error {
	if raw == "" || flags.Changed(name) {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config %s: %w", name, err)
	}
	*dst = d
	return nil
}
