/*
Copyright 2025 The Djl Serving Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the serving configuration from an optional YAML file
// with DJL_-prefixed environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig configures the HTTP front end.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// RedisConfig configures the optional redis-backed inference rate limiter.
// The limiter is disabled while Addr is empty.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	RateLimit int64         `mapstructure:"rate_limit"`
	Window    time.Duration `mapstructure:"window"`
}

// ScalingConfig configures reconciliation and optional backlog scaling.
type ScalingConfig struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	BacklogScaling    bool          `mapstructure:"backlog_scaling"`
	MaxScaleUpRate    float64       `mapstructure:"max_scale_up_rate"`
	MaxScaleDownRate  float64       `mapstructure:"max_scale_down_rate"`
}

// StartupModel is one model registered during process startup.
type StartupModel struct {
	Name          string        `mapstructure:"name"`
	URL           string        `mapstructure:"url"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxBatchDelay time.Duration `mapstructure:"max_batch_delay"`
	MinWorkers    int           `mapstructure:"min_workers"`
	MaxWorkers    int           `mapstructure:"max_workers"`
}

// Config is the process configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Redis  RedisConfig  `mapstructure:"redis"`

	// JobQueueSize is the per-model queue capacity, fixed at registration.
	JobQueueSize int `mapstructure:"job_queue_size"`
	// DefaultWorkersPerModel seeds min and max workers for registrations
	// that do not specify bounds.
	DefaultWorkersPerModel int `mapstructure:"default_workers_per_model"`
	// DeviceCapacities lists, per device id, how many workers the device
	// may host. Empty means CPU-only.
	DeviceCapacities []int `mapstructure:"device_capacities"`

	Scaling ScalingConfig  `mapstructure:"scaling"`
	Models  []StartupModel `mapstructure:"models"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("job_queue_size", 100)
	v.SetDefault("default_workers_per_model", 1)
	v.SetDefault("scaling.reconcile_interval", 10*time.Second)
	v.SetDefault("scaling.backlog_scaling", false)
	v.SetDefault("scaling.max_scale_up_rate", 2.0)
	v.SetDefault("scaling.max_scale_down_rate", 2.0)
	v.SetDefault("redis.rate_limit", 100)
	v.SetDefault("redis.window", time.Minute)
}

// Load reads the configuration file at path, or defaults when path is empty,
// then applies environment overrides such as DJL_SERVER_PORT.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DJL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.JobQueueSize < 1 {
		return fmt.Errorf("job_queue_size must be at least 1, got %d", c.JobQueueSize)
	}
	if c.DefaultWorkersPerModel < 1 {
		return fmt.Errorf("default_workers_per_model must be at least 1, got %d", c.DefaultWorkersPerModel)
	}
	for id, capacity := range c.DeviceCapacities {
		if capacity < 1 {
			return fmt.Errorf("device %d capacity must be at least 1, got %d", id, capacity)
		}
	}
	for i := range c.Models {
		m := &c.Models[i]
		if m.URL == "" {
			return fmt.Errorf("startup model %d: url is required", i)
		}
		if m.BatchSize < 1 {
			m.BatchSize = 1
		}
		if m.MinWorkers == 0 && m.MaxWorkers == 0 {
			m.MinWorkers = c.DefaultWorkersPerModel
			m.MaxWorkers = c.DefaultWorkersPerModel
		}
		if m.MaxWorkers < m.MinWorkers {
			return fmt.Errorf("startup model %d: max_workers %d < min_workers %d", i, m.MaxWorkers, m.MinWorkers)
		}
	}
	return nil
}
