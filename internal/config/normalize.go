package config

import (
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizePipeline()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	fields := []*string{
		&c.Paths.DataDir,
		&c.Paths.StagingDir,
		&c.Paths.LogDir,
	}
	for _, field := range fields {
		expanded, err := expandPath(*field)
		if err != nil {
			return err
		}
		*field = expanded
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	return nil
}

func (c *Config) normalizePipeline() {
	if c.Pipeline.StagePoolSize <= 0 {
		c.Pipeline.StagePoolSize = defaultStagePoolSize
	}
	if c.Pipeline.ChunkPoolSize <= 0 {
		c.Pipeline.ChunkPoolSize = defaultChunkPoolSize
	}
	if c.Pipeline.MaxAttempts <= 0 {
		c.Pipeline.MaxAttempts = defaultMaxAttempts
	}
	if c.Pipeline.StageTimeoutSeconds <= 0 {
		c.Pipeline.StageTimeoutSeconds = defaultStageTimeoutSeconds
	}
	if c.Pipeline.PollIntervalSeconds <= 0 {
		c.Pipeline.PollIntervalSeconds = defaultPollIntervalSeconds
	}
	c.Pipeline.DefaultSchemaVersion = strings.TrimSpace(c.Pipeline.DefaultSchemaVersion)
	if c.Pipeline.DefaultSchemaVersion == "" {
		c.Pipeline.DefaultSchemaVersion = defaultSchemaVersion
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
}
