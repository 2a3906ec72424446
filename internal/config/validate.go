package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks configuration invariants that cannot be normalized away.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateChunking(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	p := c.Pipeline
	if p.BackoffBaseSeconds <= 0 {
		return fmt.Errorf("pipeline.retry_backoff_base must be positive, got %d", p.BackoffBaseSeconds)
	}
	if p.BackoffMaxSeconds < p.BackoffBaseSeconds {
		return fmt.Errorf("pipeline.retry_backoff_max (%d) must be >= retry_backoff_base (%d)", p.BackoffMaxSeconds, p.BackoffBaseSeconds)
	}
	if p.HeartbeatTimeout > 0 && p.HeartbeatInterval > 0 && p.HeartbeatTimeout <= p.HeartbeatInterval {
		return fmt.Errorf("pipeline.heartbeat_timeout (%d) must exceed heartbeat_interval (%d)", p.HeartbeatTimeout, p.HeartbeatInterval)
	}
	return nil
}

func (c *Config) validateChunking() error {
	ch := c.Chunking
	if ch.ChunkSize <= 0 {
		return fmt.Errorf("chunking.chunk_size must be positive, got %d", ch.ChunkSize)
	}
	if ch.ChunkOverlap < 0 || ch.ChunkOverlap >= ch.ChunkSize {
		return fmt.Errorf("chunking.chunk_overlap (%d) must be in [0, chunk_size)", ch.ChunkOverlap)
	}
	if ch.ChunkMinSize <= 0 || ch.ChunkMinSize > ch.ChunkSize {
		return fmt.Errorf("chunking.chunk_min_size (%d) must be in (0, chunk_size]", ch.ChunkMinSize)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	return nil
}
