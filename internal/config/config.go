package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/ini.v1"

	"relentless-harvester/common"
)

type LogConf struct {
	Level  string `ini:"level"`
	Format string `ini:"format"`
}

type StoreConf struct {
	SQLitePath string `ini:"sqlite_path"`
	// JobBackend is "sqlite" or "redis".
	JobBackend string `ini:"job_backend"`
}

type RedisConf struct {
	Addr     string        `ini:"addr"`
	Prefix   string        `ini:"prefix"`
	ClaimTTL time.Duration `ini:"claim_ttl"`
}

type KafkaConf struct {
	Brokers       []string `ini:"brokers" delim:","`
	RequestTopic  string   `ini:"request_topic"`
	ResultsTopic  string   `ini:"results_topic"`
	FailuresTopic string   `ini:"failures_topic"`
	GroupID       string   `ini:"group_id"`
	WriterGroupID string   `ini:"writer_group_id"`
}

type UpstreamConf struct {
	BaseURL     string        `ini:"base_url"`
	APIKey      string        `ini:"api_key"`
	Timeout     time.Duration `ini:"timeout"`
	RetryMax    int           `ini:"retry_max"`
	RetryBase   time.Duration `ini:"retry_base"`
	RetryCap    time.Duration `ini:"retry_cap"`
	RateLimit   float64       `ini:"rate_limit"`
	RateBurst   int           `ini:"rate_burst"`
	MinPrice    float64       `ini:"min_price"`
	MaxPrice    float64       `ini:"max_price"`
	ResultLimit int           `ini:"result_limit"`
}

type ScanConf struct {
	Workers        int           `ini:"workers"`
	MaxAttempts    int           `ini:"max_attempts"`
	BackoffBase    time.Duration `ini:"backoff_base"`
	BackoffCap     time.Duration `ini:"backoff_cap"`
	PollInterval   time.Duration `ini:"poll_interval"`
	ColdQuiet      time.Duration `ini:"cold_quiet"`
	MinDiscount    float64       `ini:"min_discount"`
	ConcurrentJobs int           `ini:"concurrent_jobs"`
	JobTimeout     time.Duration `ini:"job_timeout"`
}

type ProxyConf struct {
	MaxFail        int           `ini:"max_fail"`
	RateLimit      float64       `ini:"rate_limit"`
	RateBurst      int           `ini:"rate_burst"`
	ProbeTarget    string        `ini:"probe_target"`
	ProbeTimeout   time.Duration `ini:"probe_timeout"`
	ProbeParallel  int           `ini:"probe_parallel"`
	ConnectTimeout time.Duration `ini:"connect_timeout"`
}

type SchedulerConf struct {
	Enabled  bool          `ini:"enabled"`
	Interval time.Duration `ini:"interval"`
	Families []string      `ini:"families" delim:","`
}

type Neo4jConf struct {
	URI      string `ini:"uri"`
	User     string `ini:"user"`
	Password string `ini:"password"`
}

type HTTPConf struct {
	APIAddr           string `ini:"api_addr"`
	MetricsAddr       string `ini:"metrics_addr"`
	WriterMetricsAddr string `ini:"writer_metrics_addr"`
}

// Config is the full runtime configuration shared by every binary.
type Config struct {
	Log       LogConf       `ini:"log"`
	Store     StoreConf     `ini:"store"`
	Redis     RedisConf     `ini:"redis"`
	Kafka     KafkaConf     `ini:"kafka"`
	Upstream  UpstreamConf  `ini:"upstream"`
	Scan      ScanConf      `ini:"scan"`
	Proxy     ProxyConf     `ini:"proxy"`
	Scheduler SchedulerConf `ini:"scheduler"`
	Neo4j     Neo4jConf     `ini:"neo4j"`
	HTTP      HTTPConf      `ini:"http"`
}

const (
	MinWorkers = 1
	MaxWorkers = 15
)

// Default returns the configuration used when neither file nor environment sets a value.
func Default() Config {
	return Config{
		Log: LogConf{Level: "info", Format: "console"},
		Store: StoreConf{
			SQLitePath: "harvester.db",
			JobBackend: "sqlite",
		},
		Redis: RedisConf{
			Addr:     "localhost:6379",
			Prefix:   "harvester:",
			ClaimTTL: 24 * time.Hour,
		},
		Kafka: KafkaConf{
			Brokers:       []string{"localhost:9092"},
			RequestTopic:  "harvester.scan-requests",
			ResultsTopic:  "harvester.scan-results",
			FailuresTopic: "harvester.scan-failures",
			GroupID:       "harvester-workers",
			WriterGroupID: "harvester-results-writer",
		},
		Upstream: UpstreamConf{
			BaseURL:     "http://localhost:8090",
			Timeout:     30 * time.Second,
			RetryMax:    2,
			RetryBase:   250 * time.Millisecond,
			RetryCap:    2 * time.Second,
			RateLimit:   1,
			RateBurst:   1,
			ResultLimit: 50,
		},
		Scan: ScanConf{
			Workers:        5,
			MaxAttempts:    10,
			BackoffBase:    500 * time.Millisecond,
			BackoffCap:     5 * time.Second,
			PollInterval:   2 * time.Second,
			ColdQuiet:      6 * time.Hour,
			MinDiscount:    0.2,
			ConcurrentJobs: 2,
			JobTimeout:     6 * time.Hour,
		},
		Proxy: ProxyConf{
			MaxFail:        3,
			RateLimit:      1,
			RateBurst:      1,
			ProbeTimeout:   5 * time.Second,
			ProbeParallel:  8,
			ConnectTimeout: 10 * time.Second,
		},
		Scheduler: SchedulerConf{
			Enabled:  false,
			Interval: time.Hour,
			Families: []string{"default"},
		},
		Neo4j: Neo4jConf{
			URI:      "neo4j://localhost:7687",
			User:     "neo4j",
			Password: "neo4j",
		},
		HTTP: HTTPConf{
			APIAddr:           ":8080",
			MetricsAddr:       ":9090",
			WriterMetricsAddr: ":9091",
		},
	}
}

// Load builds the configuration from defaults, the optional INI file at path, and
// environment overrides, in that order. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			file, err := ini.Load(path)
			if err != nil {
				return Config{}, fmt.Errorf("load config %s: %w", path, err)
			}
			if err := file.MapTo(&cfg); err != nil {
				return Config{}, fmt.Errorf("map config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("stat config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	cfg.normalize()
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Log.Level = common.GetEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = common.GetEnv("LOG_FORMAT", cfg.Log.Format)

	cfg.Store.SQLitePath = common.GetEnv("SQLITE_PATH", cfg.Store.SQLitePath)
	cfg.Store.JobBackend = common.GetEnv("JOB_BACKEND", cfg.Store.JobBackend)

	cfg.Redis.Addr = common.GetEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Prefix = common.GetEnv("REDIS_PREFIX", cfg.Redis.Prefix)
	cfg.Redis.ClaimTTL = common.ParseDuration(os.Getenv("REDIS_CLAIM_TTL"), cfg.Redis.ClaimTTL)

	if brokers := common.SplitList(os.Getenv("KAFKA_BROKERS")); len(brokers) > 0 {
		cfg.Kafka.Brokers = brokers
	}
	cfg.Kafka.RequestTopic = common.GetEnv("KAFKA_REQUEST_TOPIC", cfg.Kafka.RequestTopic)
	cfg.Kafka.ResultsTopic = common.GetEnv("KAFKA_RESULTS_TOPIC", cfg.Kafka.ResultsTopic)
	cfg.Kafka.FailuresTopic = common.GetEnv("KAFKA_FAILURES_TOPIC", cfg.Kafka.FailuresTopic)
	cfg.Kafka.GroupID = common.GetEnv("KAFKA_GROUP_ID", cfg.Kafka.GroupID)
	cfg.Kafka.WriterGroupID = common.GetEnv("KAFKA_WRITER_GROUP_ID", cfg.Kafka.WriterGroupID)

	cfg.Upstream.BaseURL = common.GetEnv("UPSTREAM_BASE_URL", cfg.Upstream.BaseURL)
	cfg.Upstream.APIKey = common.GetEnv("UPSTREAM_API_KEY", cfg.Upstream.APIKey)
	cfg.Upstream.Timeout = common.ParseDuration(os.Getenv("UPSTREAM_TIMEOUT"), cfg.Upstream.Timeout)
	cfg.Upstream.RetryMax = common.ParseInt(os.Getenv("UPSTREAM_RETRY_MAX"), cfg.Upstream.RetryMax)
	cfg.Upstream.RetryBase = common.ParseDuration(os.Getenv("UPSTREAM_RETRY_BASE"), cfg.Upstream.RetryBase)
	cfg.Upstream.RetryCap = common.ParseDuration(os.Getenv("UPSTREAM_RETRY_CAP"), cfg.Upstream.RetryCap)
	cfg.Upstream.RateLimit = common.ParseFloat(os.Getenv("UPSTREAM_RATE_LIMIT"), cfg.Upstream.RateLimit)
	cfg.Upstream.RateBurst = common.ParseInt(os.Getenv("UPSTREAM_RATE_BURST"), cfg.Upstream.RateBurst)
	cfg.Upstream.MinPrice = common.ParseFloat(os.Getenv("UPSTREAM_MIN_PRICE"), cfg.Upstream.MinPrice)
	cfg.Upstream.MaxPrice = common.ParseFloat(os.Getenv("UPSTREAM_MAX_PRICE"), cfg.Upstream.MaxPrice)
	cfg.Upstream.ResultLimit = common.ParseInt(os.Getenv("UPSTREAM_RESULT_LIMIT"), cfg.Upstream.ResultLimit)

	cfg.Scan.Workers = common.ParseInt(os.Getenv("SCAN_WORKERS"), cfg.Scan.Workers)
	cfg.Scan.MaxAttempts = common.ParseInt(os.Getenv("SCAN_MAX_ATTEMPTS"), cfg.Scan.MaxAttempts)
	cfg.Scan.BackoffBase = common.ParseDuration(os.Getenv("SCAN_BACKOFF_BASE"), cfg.Scan.BackoffBase)
	cfg.Scan.BackoffCap = common.ParseDuration(os.Getenv("SCAN_BACKOFF_CAP"), cfg.Scan.BackoffCap)
	cfg.Scan.PollInterval = common.ParseDuration(os.Getenv("SCAN_POLL_INTERVAL"), cfg.Scan.PollInterval)
	cfg.Scan.ColdQuiet = common.ParseDuration(os.Getenv("SCAN_COLD_QUIET"), cfg.Scan.ColdQuiet)
	cfg.Scan.MinDiscount = common.ParseFloat(os.Getenv("SCAN_MIN_DISCOUNT"), cfg.Scan.MinDiscount)
	cfg.Scan.ConcurrentJobs = common.ParseInt(os.Getenv("CONCURRENT_JOBS"), cfg.Scan.ConcurrentJobs)
	cfg.Scan.JobTimeout = common.ParseDuration(os.Getenv("JOB_TIMEOUT"), cfg.Scan.JobTimeout)

	cfg.Proxy.MaxFail = common.ParseInt(os.Getenv("PROXY_MAX_FAIL"), cfg.Proxy.MaxFail)
	cfg.Proxy.RateLimit = common.ParseFloat(os.Getenv("PROXY_RATE_LIMIT"), cfg.Proxy.RateLimit)
	cfg.Proxy.RateBurst = common.ParseInt(os.Getenv("PROXY_RATE_BURST"), cfg.Proxy.RateBurst)
	cfg.Proxy.ProbeTarget = common.GetEnv("PROXY_PROBE_TARGET", cfg.Proxy.ProbeTarget)
	cfg.Proxy.ProbeTimeout = common.ParseDuration(os.Getenv("PROXY_PROBE_TIMEOUT"), cfg.Proxy.ProbeTimeout)
	cfg.Proxy.ProbeParallel = common.ParseInt(os.Getenv("PROXY_PROBE_PARALLEL"), cfg.Proxy.ProbeParallel)
	cfg.Proxy.ConnectTimeout = common.ParseDuration(os.Getenv("PROXY_CONNECT_TIMEOUT"), cfg.Proxy.ConnectTimeout)

	cfg.Scheduler.Enabled = common.ParseBool(os.Getenv("SCHEDULER_ENABLED"), cfg.Scheduler.Enabled)
	cfg.Scheduler.Interval = common.ParseDuration(os.Getenv("SCHEDULER_INTERVAL"), cfg.Scheduler.Interval)
	if families := common.SplitList(os.Getenv("SCHEDULER_FAMILIES")); len(families) > 0 {
		cfg.Scheduler.Families = families
	}

	cfg.Neo4j.URI = common.GetEnv("NEO4J_URI", cfg.Neo4j.URI)
	cfg.Neo4j.User = common.GetEnv("NEO4J_USER", cfg.Neo4j.User)
	cfg.Neo4j.Password = common.GetEnv("NEO4J_PASSWORD", cfg.Neo4j.Password)

	cfg.HTTP.APIAddr = common.GetEnv("API_ADDR", cfg.HTTP.APIAddr)
	cfg.HTTP.MetricsAddr = common.GetEnv("METRICS_ADDR", cfg.HTTP.MetricsAddr)
	cfg.HTTP.WriterMetricsAddr = common.GetEnv("WRITER_METRICS_ADDR", cfg.HTTP.WriterMetricsAddr)
}

func (c *Config) normalize() {
	c.Scan.Workers = ClampWorkers(c.Scan.Workers)
	if c.Scan.MaxAttempts < 1 {
		c.Scan.MaxAttempts = 1
	}
	if c.Scan.ConcurrentJobs < 1 {
		c.Scan.ConcurrentJobs = 1
	}
	if c.Proxy.MaxFail < 1 {
		c.Proxy.MaxFail = 1
	}
	if c.Proxy.ProbeParallel < 1 {
		c.Proxy.ProbeParallel = 1
	}
	if c.Scan.PollInterval <= 0 {
		c.Scan.PollInterval = 2 * time.Second
	}
	if c.Scan.BackoffCap < c.Scan.BackoffBase {
		c.Scan.BackoffCap = c.Scan.BackoffBase
	}
	if c.Upstream.RetryMax < 0 {
		c.Upstream.RetryMax = 0
	}
	if len(c.Scheduler.Families) == 0 {
		c.Scheduler.Families = []string{"default"}
	}
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
}

// ClampWorkers bounds the worker count to [MinWorkers, MaxWorkers].
func ClampWorkers(n int) int {
	if n < MinWorkers {
		return MinWorkers
	}
	if n > MaxWorkers {
		return MaxWorkers
	}
	return n
}
