package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadRuntimeConfigFile reads a YAML file and overlays it onto the defaults.
// Unknown keys anywhere in the document are rejected, per the configuration
// contract.
func LoadRuntimeConfigFile(path string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := NewDefaultRuntimeConfig()
	if err := decodeStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func decodeStrict(data []byte, out *RuntimeConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil // empty file keeps defaults
		}
		return err
	}
	return nil
}

// Validate checks cross-field constraints that strict decoding cannot.
func (c *RuntimeConfig) Validate() error {
	var errs []string
	if !c.Bus.OverflowPolicy.IsValid() {
		errs = append(errs, fmt.Sprintf("bus.overflow_policy: invalid value %q", c.Bus.OverflowPolicy))
	}
	if c.Bus.HighWatermark <= 0 || c.Bus.HighWatermark > 1 {
		errs = append(errs, "bus.high_watermark must be in (0, 1]")
	}
	if c.Pool.MinSize < 0 || c.Pool.MaxSize < c.Pool.MinSize {
		errs = append(errs, "pool.min_size/max_size: require 0 <= min <= max")
	}
	if c.Pool.LowUtilization >= c.Pool.HighUtilization {
		errs = append(errs, "pool.low_utilization must be below pool.high_utilization")
	}
	if w := c.Protocol.NetworkWeight + c.Protocol.MessageWeight + c.Protocol.HistoryWeight; w <= 0 {
		errs = append(errs, "protocol selection weights must sum to a positive value")
	}
	if c.Anomaly.Sensitivity <= 0 || c.Anomaly.Sensitivity > 1 {
		errs = append(errs, "anomaly.sensitivity must be in (0, 1]")
	}
	if c.Balancer.RedistributionThreshold <= 0 || c.Balancer.RedistributionThreshold > 1 {
		errs = append(errs, "balancer.redistribution_threshold must be in (0, 1]")
	}
	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  %s", joinLines(errs))
	}
	return nil
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n  "
		}
		out += l
	}
	return out
}
