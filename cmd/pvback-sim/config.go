package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	pvback "github.com/ehrlich-b/go-pvback"
)

// Config is the simulator configuration file
type Config struct {
	Domain      uint16        `yaml:"domain"`
	DevID       int           `yaml:"dev_id"`
	RingPages   int           `yaml:"ring_pages"`
	MaxSegments int           `yaml:"max_segments"`
	PoolSize    int           `yaml:"pool_size"`
	EventFD     bool          `yaml:"eventfd"`
	Latency     time.Duration `yaml:"latency"`
	Requests    int           `yaml:"requests"`
	Depth       int           `yaml:"depth"`
	MetricsAddr string        `yaml:"metrics_addr"`
	Serve       bool          `yaml:"serve"`
	LogLevel    string        `yaml:"log_level"`
	LogFormat   string        `yaml:"log_format"`
	Disks       []DiskConfig  `yaml:"disks"`
}

// DiskConfig describes one LUN exposed to the simulated guest
type DiskConfig struct {
	Name     string `yaml:"name"`
	Addr     string `yaml:"addr"`
	Size     string `yaml:"size"`
	File     string `yaml:"file"`
	Uring    bool   `yaml:"uring"`
	ReadOnly bool   `yaml:"read_only"`
}

func defaultConfig() Config {
	return Config{
		Domain:      1,
		RingPages:   2,
		MaxSegments: pvback.DefaultMaxSegments,
		PoolSize:    pvback.DefaultPoolSize,
		Requests:    1024,
		Depth:       16,
		LogLevel:    "info",
		LogFormat:   "text",
		Disks:       []DiskConfig{{Name: "disk0", Addr: "0:0:0", Size: "64M"}},
	}
}

// loadConfig reads path over the defaults. An empty path yields the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.RingPages <= 0 || c.RingPages&(c.RingPages-1) != 0 || c.RingPages > pvback.MaxRingPages {
		return fmt.Errorf("ring_pages must be a power of two up to %d, got %d", pvback.MaxRingPages, c.RingPages)
	}
	if c.Depth <= 0 {
		return fmt.Errorf("depth must be positive, got %d", c.Depth)
	}
	if len(c.Disks) == 0 {
		return fmt.Errorf("no disks configured")
	}
	seen := make(map[string]bool)
	for _, d := range c.Disks {
		if d.Name == "" || seen[d.Name] {
			return fmt.Errorf("disk name %q empty or duplicated", d.Name)
		}
		seen[d.Name] = true
		if _, err := parseSize(d.Size); err != nil && d.File == "" {
			return fmt.Errorf("disk %s: %w", d.Name, err)
		}
	}
	return nil
}

// parseSize parses a size string like "64M", "1G", "512K"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
	}
	if multiplier > 1 {
		s = s[:len(s)-1]
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if num <= 0 {
		return 0, fmt.Errorf("size must be positive, got %d", num)
	}
	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGT"[exp])
}
