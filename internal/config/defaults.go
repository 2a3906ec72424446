package config

const (
	defaultDataDir              = "~/.local/share/docpipe/data"
	defaultStagingDir           = "~/.local/share/docpipe/staging"
	defaultLogDir               = "~/.local/share/docpipe/logs"
	defaultAPIBind              = "127.0.0.1:7470"
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	defaultStagePoolSize        = 4
	defaultChunkPoolSize        = 10
	defaultStageTimeoutSeconds  = 3600
	defaultMaxAttempts          = 3
	defaultBackoffBaseSeconds   = 1
	defaultBackoffMaxSeconds    = 60
	defaultPollIntervalSeconds  = 5
	defaultHeartbeatInterval    = 15
	defaultHeartbeatTimeout     = 120
	defaultMaxUploadSizeMB      = 100
	defaultSchemaVersion        = "v1"
	defaultChunkSize            = 1000
	defaultChunkOverlap         = 200
	defaultChunkMinSize         = 100
	defaultEmbeddingModel       = "text-embedding-3-small"
	defaultExtractionModel      = "gpt-4-turbo-preview"
	defaultRequestsPerSecond    = 5.0
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:    defaultDataDir,
			StagingDir: defaultStagingDir,
			LogDir:     defaultLogDir,
			APIBind:    defaultAPIBind,
		},
		Pipeline: Pipeline{
			StagePoolSize:        defaultStagePoolSize,
			ChunkPoolSize:        defaultChunkPoolSize,
			StageTimeoutSeconds:  defaultStageTimeoutSeconds,
			MaxAttempts:          defaultMaxAttempts,
			BackoffBaseSeconds:   defaultBackoffBaseSeconds,
			BackoffMaxSeconds:    defaultBackoffMaxSeconds,
			PollIntervalSeconds:  defaultPollIntervalSeconds,
			HeartbeatInterval:    defaultHeartbeatInterval,
			HeartbeatTimeout:     defaultHeartbeatTimeout,
			EmbeddingEnabled:     true,
			MaxUploadSizeMB:      defaultMaxUploadSizeMB,
			DefaultSchemaVersion: defaultSchemaVersion,
		},
		Chunking: Chunking{
			ChunkSize:    defaultChunkSize,
			ChunkOverlap: defaultChunkOverlap,
			ChunkMinSize: defaultChunkMinSize,
		},
		Embedding: Embedding{
			Model:             defaultEmbeddingModel,
			RequestsPerSecond: defaultRequestsPerSecond,
		},
		Extraction: Extraction{
			Model:             defaultExtractionModel,
			RequestsPerSecond: defaultRequestsPerSecond,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}
