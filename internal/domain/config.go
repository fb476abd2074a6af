package domain

// Config holds the complete harrier configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Mode determines the deployment profile
	Mode Mode `json:"mode"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Scoring constants. The documented defaults are tunable, not baked in.
	Detection DetectionConfig `json:"detection"`
	Rating    RatingConfig    `json:"rating"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// Mode is the deployment profile.
type Mode string

const (
	// ModeStandalone runs on SQLite + in-process LRU + channel bus.
	ModeStandalone Mode = "standalone"

	// ModeCluster runs on PostgreSQL + Redis + NATS.
	ModeCluster Mode = "cluster"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// DetectionConfig holds detector thresholds and fusion weights.
type DetectionConfig struct {
	// Detector thresholds
	GhostingHours       float64 `json:"ghostingHours"`       // gap that triggers ghosting
	GhostingSaturation  float64 `json:"ghostingSaturation"`  // gap at which confidence reaches 1
	FeeInflationRatio   float64 `json:"feeInflationRatio"`   // deviation that triggers inflation
	FeeInflationDivisor float64 `json:"feeInflationDivisor"` // deviation at which confidence reaches 1
	DuplicateSimilarity float64 `json:"duplicateSimilarity"`
	DelayRatio          float64 `json:"delayRatio"`
	DelayDivisor        float64 `json:"delayDivisor"` // (ratio-1) at which confidence reaches 1
	ForgeryConfidence   float64 `json:"forgeryConfidence"`

	// Fusion weights per indicator type; must sum to 1.0.
	Weights map[IndicatorType]float64 `json:"weights"`

	// Level boundaries
	MediumScore float64 `json:"mediumScore"`
	HighScore   float64 `json:"highScore"`
}

// RatingConfig holds the rating engine constants.
type RatingConfig struct {
	Alpha0 float64 `json:"alpha0"` // base learning rate
	Decay  float64 `json:"decay"`  // per-day decay applied to alpha

	// Sub-reward weights in the reward sum.
	TimelinessWeight float64 `json:"timelinessWeight"`
	CompletionWeight float64 `json:"completionWeight"`
	SentimentWeight  float64 `json:"sentimentWeight"`
	AnomalyWeight    float64 `json:"anomalyWeight"`
	FraudWeight      float64 `json:"fraudWeight"` // heaviest: fraud alone can sink the reward

	MinRating float64 `json:"minRating"`
	MaxRating float64 `json:"maxRating"`

	// InitialRating seeds a broker's dimensions on first update.
	InitialRating float64 `json:"initialRating"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp
	Endpoint     string `json:"endpoint"`
}

// DefaultDetectionConfig returns the documented detector defaults
// (48h ghosting, 25% fee inflation, 85% duplicate similarity, 1.5x delay).
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		GhostingHours:       48,
		GhostingSaturation:  96,
		FeeInflationRatio:   0.25,
		FeeInflationDivisor: 0.5,
		DuplicateSimilarity: 0.85,
		DelayRatio:          1.5,
		DelayDivisor:        1.5,
		ForgeryConfidence:   0.6,
		Weights:             DefaultIndicatorWeights(),
		MediumScore:         0.4,
		HighScore:           0.7,
	}
}

// DefaultRatingConfig returns the documented rating defaults.
func DefaultRatingConfig() RatingConfig {
	return RatingConfig{
		Alpha0:           0.15,
		Decay:            0.98,
		TimelinessWeight: 0.30,
		CompletionWeight: 0.25,
		SentimentWeight:  0.20,
		AnomalyWeight:    1.0,
		FraudWeight:      2.0,
		MinRating:        1.0,
		MaxRating:        5.0,
		InitialRating:    3.0,
	}
}

// DefaultConfig returns the standalone configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Mode: ModeStandalone,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./harrier.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     300, // 5 minutes
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Detection: DefaultDetectionConfig(),
		Rating:    DefaultRatingConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "harrier",
		},
	}
}

// ClusterConfig returns the multi-node configuration.
// Set HARRIER_MODE=cluster to select it.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Mode = ModeCluster
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "harrier",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
