package ratelimit

import (
	"fmt"
	"os"

	ratelimitv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/common/ratelimit/v3"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// TimeUnit is the configuration-file spelling of a time window.
type TimeUnit string

const (
	UnitSecond TimeUnit = "second"
	UnitMinute TimeUnit = "minute"
	UnitHour   TimeUnit = "hour"
	UnitDay    TimeUnit = "day"
)

// Window converts the configured unit to its runtime window.
func (u TimeUnit) Window() (TimeWindow, error) {
	switch u {
	case UnitSecond:
		return WindowSecond, nil
	case UnitMinute:
		return WindowMinute, nil
	case UnitHour:
		return WindowHour, nil
	case UnitDay:
		return WindowDay, nil
	default:
		return WindowSecond, fmt.Errorf("unknown time unit %q", string(u))
	}
}

// RateLimitRule is a configured limit: requests per unit of time.
type RateLimitRule struct {
	RequestsPerUnit uint64   `yaml:"requests_per_unit"`
	Unit            TimeUnit `yaml:"unit"`
	Name            string   `yaml:"name,omitempty"`
}

// DescriptorConfig is one node of the rule tree. A node matches a descriptor
// entry when the keys are equal and the node either names the same value or
// names no value at all. Children refine the match for the next entry.
type DescriptorConfig struct {
	Key         string             `yaml:"key"`
	Value       *string            `yaml:"value,omitempty"`
	RateLimit   *RateLimitRule     `yaml:"rate_limit,omitempty"`
	Descriptors []DescriptorConfig `yaml:"descriptors,omitempty"`
}

// DomainConfig holds the rule tree for one rate limit domain.
type DomainConfig struct {
	Domain      string             `yaml:"domain"`
	Descriptors []DescriptorConfig `yaml:"descriptors,omitempty"`
}

// RateLimitConfig maps domain names to their rule trees.
type RateLimitConfig struct {
	Domains map[string]DomainConfig `yaml:"domains"`
}

// NewRateLimitConfig returns an empty configuration.
func NewRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{Domains: make(map[string]DomainConfig)}
}

// LoadRules reads a rules file from disk.
func LoadRules(path string) (RateLimitConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RateLimitConfig{}, fmt.Errorf("failed to read rules file: %w", err)
	}

	cfg, err := ParseRules(data)
	if err != nil {
		return RateLimitConfig{}, err
	}

	log.Info().
		Str("path", path).
		Int("domain_count", len(cfg.Domains)).
		Msg("Loaded rate limit rules")
	return cfg, nil
}

// ParseRules parses rules from YAML. Two shapes are accepted: a single
// domain at the root ({domain, descriptors}) or a multi-domain wrapper
// ({domains: {name: ...}}).
func ParseRules(data []byte) (RateLimitConfig, error) {
	var single DomainConfig
	if err := yaml.Unmarshal(data, &single); err == nil && single.Domain != "" {
		cfg := NewRateLimitConfig()
		cfg.Domains[single.Domain] = single
		return cfg, cfg.validate()
	}

	var cfg RateLimitConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RateLimitConfig{}, fmt.Errorf("failed to parse rules: %w", err)
	}
	if cfg.Domains == nil {
		cfg.Domains = make(map[string]DomainConfig)
	}
	return cfg, cfg.validate()
}

func (c RateLimitConfig) validate() error {
	for name, domain := range c.Domains {
		if err := validateDescriptors(domain.Descriptors); err != nil {
			return fmt.Errorf("domain %q: %w", name, err)
		}
	}
	return nil
}

func validateDescriptors(configs []DescriptorConfig) error {
	for _, cfg := range configs {
		if cfg.Key == "" {
			return fmt.Errorf("descriptor with empty key")
		}
		if cfg.RateLimit != nil {
			if cfg.RateLimit.RequestsPerUnit == 0 {
				return fmt.Errorf("descriptor %q: requests_per_unit must be positive", cfg.Key)
			}
			if _, err := cfg.RateLimit.Unit.Window(); err != nil {
				return fmt.Errorf("descriptor %q: %w", cfg.Key, err)
			}
		}
		if err := validateDescriptors(cfg.Descriptors); err != nil {
			return err
		}
	}
	return nil
}

// Domain returns the rule tree for the named domain.
func (c RateLimitConfig) Domain(name string) (DomainConfig, bool) {
	domain, ok := c.Domains[name]
	return domain, ok
}

// FindLimit resolves the effective rule for a descriptor within a domain, or
// nil when nothing matches.
func (c RateLimitConfig) FindLimit(domain string, descriptor *ratelimitv3.RateLimitDescriptor) *RateLimitRule {
	domainConfig, ok := c.Domains[domain]
	if !ok {
		return nil
	}
	return domainConfig.FindLimit(descriptor)
}

// FindLimit walks the descriptor's entries against the rule tree, index by
// index. A deeper match always wins over a shallower one; among matching
// siblings at the same level the last declared rule wins.
func (d DomainConfig) FindLimit(descriptor *ratelimitv3.RateLimitDescriptor) *RateLimitRule {
	return findLimitIn(d.Descriptors, descriptor.GetEntries(), 0)
}

func findLimitIn(configs []DescriptorConfig, entries []*ratelimitv3.RateLimitDescriptor_Entry, index int) *RateLimitRule {
	if index >= len(entries) {
		return nil
	}

	entry := entries[index]
	var best *RateLimitRule

	for i := range configs {
		cfg := &configs[i]
		if cfg.Key != entry.GetKey() {
			continue
		}
		if cfg.Value != nil && *cfg.Value != entry.GetValue() {
			continue
		}

		if index+1 < len(entries) && len(cfg.Descriptors) > 0 {
			if child := findLimitIn(cfg.Descriptors, entries, index+1); child != nil {
				return child
			}
		}

		if cfg.RateLimit != nil {
			best = cfg.RateLimit
		}
	}

	return best
}
