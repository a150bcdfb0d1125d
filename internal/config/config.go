package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/miretskiy/flashsim/internal/bytesize"
	"github.com/miretskiy/flashsim/internal/logger"
	"github.com/miretskiy/flashsim/simulator"
)

// EnvPrefix prefixes every environment override, e.g.
// FLASHSIM_SIMULATION_POLICY=2a or FLASHSIM_LOGGING_LEVEL=DEBUG.
const EnvPrefix = "FLASHSIM"

// Config is the file layout read by the CLI and the server
type Config struct {
	Logging    logger.Config       `json:"logging" yaml:"logging" mapstructure:"logging"`
	Simulation simulator.SimConfig `json:"simulation" yaml:"simulation" mapstructure:"simulation"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Logging: logger.Config{
			Level:  "INFO",
			Format: "text",
			Output: "stderr",
		},
		Simulation: simulator.DefaultConfig(),
	}
}

// Load reads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (FLASHSIM_*)
//  2. Configuration file (YAML, JSON or TOML, by extension)
//  3. Default values
//
// An empty path or a missing file yields defaults plus environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	def := Default()
	setDefaults(v, def)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := *def
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Simulation.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it even when
// the file does not mention it.
func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.output", def.Logging.Output)

	s := def.Simulation
	v.SetDefault("simulation.capacityBytes", s.CapacityBytes.Uint64())
	v.SetDefault("simulation.blockBytes", s.BlockBytes.Uint64())
	v.SetDefault("simulation.pageBytes", s.PageBytes.Uint64())
	v.SetDefault("simulation.fillFactor", s.FillFactor)
	v.SetDefault("simulation.writeBufferPct", s.WriteBufferPct)
	v.SetDefault("simulation.policy", s.Policy.String())
	v.SetDefault("simulation.writeHeads", s.WriteHeads)
	v.SetDefault("simulation.dteVictim", s.DTEVictim)
	v.SetDefault("simulation.optimalBuckets", s.OptimalBuckets)
	v.SetDefault("simulation.wearLeveling.enabled", s.WearLeveling.Enabled)
	v.SetDefault("simulation.wearLeveling.luns", s.WearLeveling.LUNs)
	v.SetDefault("simulation.wearLeveling.threshold", s.WearLeveling.Threshold)
	v.SetDefault("simulation.workload.kind", s.Workload.Kind.String())
	v.SetDefault("simulation.workload.zipfS", s.Workload.ZipfS)
	v.SetDefault("simulation.workload.hotFraction", s.Workload.HotFraction)
	v.SetDefault("simulation.workload.hotWriteShare", s.Workload.HotWriteShare)
	v.SetDefault("simulation.randomSeed", s.RandomSeed)
	v.SetDefault("simulation.writesPerStep", s.WritesPerStep)
	v.SetDefault("simulation.statsIntervalWrites", s.StatsIntervalWrites)
	v.SetDefault("simulation.checkInvariants", s.CheckInvariants)
}

// decodeHooks parses byte sizes ("64Mi", 4096) and every enum that
// implements encoding.TextUnmarshaler (policy, workload kind).
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML and JSON often decode numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}
