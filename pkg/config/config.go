package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database  DatabaseConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Kafka     KafkaConfig
	HTTP      HTTPConfig
	Stream    StreamConfig
	FanOut    FanOutConfig
	Jobs      JobsConfig
	Retention RetentionConfig
	Log       LogConfig
	SMTP      SMTPConfig
	Rules     RulesConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	DBName       string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type NATSConfig struct {
	URL string
}

type KafkaConfig struct {
	Brokers           []string
	TopicMeasurements string
	TopicIncidents    string
	NumPartitions     int
	// BatchSize and FlushInterval bound how long the db writer buffers
	// queued measurements before storing them.
	BatchSize     int
	FlushInterval time.Duration
}

type HTTPConfig struct {
	Port            int
	CORSOrigins     []string
	ShutdownTimeout time.Duration
	// IngestViaKafka queues ingested records on the measurements topic
	// instead of writing them to the raw store in the request path.
	IngestViaKafka bool
}

// StreamConfig configures the TCP listener probes keep a persistent
// session on.
type StreamConfig struct {
	Enabled           bool
	Port              int
	MaxConnections    int
	IdentifyTimeout   time.Duration
	InactivityTimeout time.Duration
	Workers           int
	QueueSize         int
}

// Fan-out drivers.
const (
	FanOutRedis = "redis"
	FanOutNATS  = "nats"
	FanOutNone  = "none"
)

type FanOutConfig struct {
	Driver  string
	Channel string
	Buffer  int
}

// JobsConfig holds the fixed intervals of the periodic tasks.
type JobsConfig struct {
	AggregationInterval time.Duration
	EvaluationInterval  time.Duration
	ResolveInterval     time.Duration
	RetentionInterval   time.Duration
	// RedisLock makes each job hold a Redis lease while it runs, so a second
	// instance of the same service skips instead of overlapping.
	RedisLock bool
	LockTTL   time.Duration
}

// RetentionConfig holds the windows and lookbacks used by the pipeline.
type RetentionConfig struct {
	RawRetention               time.Duration
	AggregateRetention         time.Duration
	AggregationBootstrap       time.Duration
	AutoResolveLookback        time.Duration
	AutoResolveSamples         int
	StatisticalLookback        time.Duration
	DefaultConsecutiveFailures int
	LossCriticalThreshold      float64
}

type LogConfig struct {
	Level  string
	Format string
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

type RulesConfig struct {
	File          string
	MigrationsDir string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	config := &Config{
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "monitor"),
			Password:     getEnv("DB_PASSWORD", "monitor123"),
			DBName:       getEnv("DB_NAME", "monitoring"),
			SSLMode:      getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL: getEnv("NATS_URL", "nats://localhost:4222"),
		},
		Kafka: KafkaConfig{
			Brokers:           splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			TopicMeasurements: getEnv("KAFKA_TOPIC_MEASUREMENTS", "monitoring.measurements.raw"),
			TopicIncidents:    getEnv("KAFKA_TOPIC_INCIDENTS", "monitoring.incidents"),
			NumPartitions:     getEnvAsInt("KAFKA_NUM_PARTITIONS", 10),
			BatchSize:         getEnvAsInt("KAFKA_BATCH_SIZE", 100),
			FlushInterval:     getEnvAsDuration("KAFKA_FLUSH_INTERVAL", 5*time.Second),
		},
		HTTP: HTTPConfig{
			Port:            getEnvAsInt("HTTP_PORT", 8000),
			CORSOrigins:     splitList(getEnv("CORS_ORIGINS", "http://localhost:5173,http://localhost:3000")),
			ShutdownTimeout: getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
			IngestViaKafka:  getEnvAsBool("INGEST_VIA_KAFKA", false),
		},
		Stream: StreamConfig{
			Enabled:           getEnvAsBool("STREAM_ENABLED", false),
			Port:              getEnvAsInt("STREAM_PORT", 9000),
			MaxConnections:    getEnvAsInt("STREAM_MAX_CONNECTIONS", 10000),
			IdentifyTimeout:   getEnvAsDuration("STREAM_IDENTIFY_TIMEOUT", 10*time.Second),
			InactivityTimeout: getEnvAsDuration("STREAM_INACTIVITY_TIMEOUT", 2*time.Minute),
			Workers:           getEnvAsInt("STREAM_WORKERS", 10),
			QueueSize:         getEnvAsInt("STREAM_QUEUE_SIZE", 1000),
		},
		FanOut: FanOutConfig{
			Driver:  strings.ToLower(getEnv("FANOUT_DRIVER", FanOutRedis)),
			Channel: getEnv("FANOUT_CHANNEL", "measurements"),
			Buffer:  getEnvAsInt("FANOUT_BUFFER", 1024),
		},
		Jobs: JobsConfig{
			AggregationInterval: getEnvAsDuration("AGGREGATION_INTERVAL", time.Minute),
			EvaluationInterval:  getEnvAsDuration("EVALUATION_INTERVAL", 10*time.Second),
			ResolveInterval:     getEnvAsDuration("RESOLVE_INTERVAL", 10*time.Second),
			RetentionInterval:   getEnvAsDuration("RETENTION_INTERVAL", time.Hour),
			RedisLock:           getEnvAsBool("JOB_REDIS_LOCK", false),
			LockTTL:             getEnvAsDuration("JOB_LOCK_TTL", 5*time.Minute),
		},
		Retention: RetentionConfig{
			RawRetention:               getEnvAsDuration("RAW_RETENTION", 6*time.Hour),
			AggregateRetention:         getEnvAsDuration("AGGREGATE_RETENTION", 7*24*time.Hour),
			AggregationBootstrap:       getEnvAsDuration("AGGREGATION_BOOTSTRAP", time.Hour),
			AutoResolveLookback:        getEnvAsDuration("AUTO_RESOLVE_LOOKBACK", 5*time.Minute),
			AutoResolveSamples:         getEnvAsInt("AUTO_RESOLVE_SAMPLES", 5),
			StatisticalLookback:        getEnvAsDuration("STATISTICAL_LOOKBACK", 2*time.Minute),
			DefaultConsecutiveFailures: getEnvAsInt("DEFAULT_CONSECUTIVE_FAILURES", 3),
			LossCriticalThreshold:      getEnvAsFloat("LOSS_CRITICAL_THRESHOLD", 5.0),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", "smtp.gmail.com"),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "monitoring@example.com"),
			To:       getEnv("SMTP_TO", "noc@example.com"),
		},
		Rules: RulesConfig{
			File:          getEnv("ALERT_RULES_FILE", "configs/alert_rules.yaml"),
			MigrationsDir: getEnv("MIGRATIONS_DIR", "migrations"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects settings the periodic tasks cannot run with.
func (c *Config) Validate() error {
	intervals := map[string]time.Duration{
		"AGGREGATION_INTERVAL":      c.Jobs.AggregationInterval,
		"EVALUATION_INTERVAL":       c.Jobs.EvaluationInterval,
		"RESOLVE_INTERVAL":          c.Jobs.ResolveInterval,
		"RETENTION_INTERVAL":        c.Jobs.RetentionInterval,
		"JOB_LOCK_TTL":              c.Jobs.LockTTL,
		"KAFKA_FLUSH_INTERVAL":      c.Kafka.FlushInterval,
		"STREAM_IDENTIFY_TIMEOUT":   c.Stream.IdentifyTimeout,
		"STREAM_INACTIVITY_TIMEOUT": c.Stream.InactivityTimeout,
		"RAW_RETENTION":             c.Retention.RawRetention,
		"AGGREGATE_RETENTION":       c.Retention.AggregateRetention,
		"AGGREGATION_BOOTSTRAP":     c.Retention.AggregationBootstrap,
		"AUTO_RESOLVE_LOOKBACK":     c.Retention.AutoResolveLookback,
		"STATISTICAL_LOOKBACK":      c.Retention.StatisticalLookback,
	}
	for name, d := range intervals {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if c.Retention.AutoResolveSamples <= 0 {
		return fmt.Errorf("AUTO_RESOLVE_SAMPLES must be positive, got %d", c.Retention.AutoResolveSamples)
	}
	if c.Retention.DefaultConsecutiveFailures <= 0 {
		return fmt.Errorf("DEFAULT_CONSECUTIVE_FAILURES must be positive, got %d", c.Retention.DefaultConsecutiveFailures)
	}

	switch c.FanOut.Driver {
	case FanOutRedis, FanOutNATS, FanOutNone:
	default:
		return fmt.Errorf("unknown FANOUT_DRIVER %q (expected redis, nats or none)", c.FanOut.Driver)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
