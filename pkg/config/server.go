package config

import "time"

// ServerConfig holds runtime configuration for the vantage server.
type ServerConfig struct {
	Environment string
	Addr        string

	// Authentication
	RequireAuth bool
	JWTSecret   string
	IngestToken string

	// Streaming
	HeartbeatInterval  time.Duration
	IdleWindow         time.Duration
	RateLimitPerClient int
	MaxClients         int
	SendBuffer         int

	// Metric history
	RingCapacity           int
	SampleRetention        time.Duration
	AggregationTTL         time.Duration
	RetentionSweep         time.Duration
	StabilityBandPct       float64
	MinUpdateIntervalFloor time.Duration

	// Drill-down
	PathsFile          string
	ResultCacheTTL     time.Duration
	ResultCacheSweep   time.Duration
	ConfidenceCutoff   float64
	SessionIdleTimeout time.Duration
	SessionSweep       time.Duration

	// Optional Postgres backing (query backend + durable subscriptions)
	DatabaseURL   string
	MigrationsDir string

	// Optional Redis rate limiter for the REST surface
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment: GetString("APP_ENV", "development"),
		Addr:        GetString("VANTAGE_ADDR", ":4600"),

		RequireAuth: GetBool("STREAM_REQUIRE_AUTH", true),
		JWTSecret:   GetString("JWT_SECRET", "supersecuresecret"),
		IngestToken: GetString("VANTAGE_INGEST_TOKEN", ""),

		HeartbeatInterval:  time.Duration(GetInt("STREAM_HEARTBEAT_SECONDS", 30)) * time.Second,
		IdleWindow:         time.Duration(GetInt("STREAM_IDLE_SECONDS", 300)) * time.Second,
		RateLimitPerClient: GetInt("STREAM_RATE_LIMIT_PER_CLIENT", 100),
		MaxClients:         GetInt("STREAM_MAX_CLIENTS", 1000),
		SendBuffer:         GetInt("STREAM_SEND_BUFFER", 256),

		RingCapacity:           GetInt("METRIC_RING_CAPACITY", 10000),
		SampleRetention:        time.Duration(GetInt("METRIC_RETENTION_HOURS", 24)) * time.Hour,
		AggregationTTL:         time.Duration(GetInt("METRIC_AGGREGATION_TTL_SECONDS", 60)) * time.Second,
		RetentionSweep:         time.Duration(GetInt("METRIC_RETENTION_SWEEP_SECONDS", 300)) * time.Second,
		StabilityBandPct:       GetFloat("METRIC_STABILITY_BAND_PCT", 1.0),
		MinUpdateIntervalFloor: time.Duration(GetInt("STREAM_MIN_UPDATE_MS", 0)) * time.Millisecond,

		PathsFile:          GetString("VANTAGE_PATHS_FILE", ""),
		ResultCacheTTL:     time.Duration(GetInt("DRILLDOWN_CACHE_TTL_SECONDS", 300)) * time.Second,
		ResultCacheSweep:   time.Duration(GetInt("DRILLDOWN_CACHE_SWEEP_SECONDS", 60)) * time.Second,
		ConfidenceCutoff:   GetFloat("DRILLDOWN_CONFIDENCE_CUTOFF", 0.8),
		SessionIdleTimeout: time.Duration(GetInt("DRILLDOWN_SESSION_IDLE_SECONDS", 1800)) * time.Second,
		SessionSweep:       time.Duration(GetInt("DRILLDOWN_SESSION_SWEEP_SECONDS", 300)) * time.Second,

		DatabaseURL:   GetString("DATABASE_URL", ""),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
