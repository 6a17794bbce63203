package config

import "github.com/kelseyhightower/envconfig"

type PoolConfig struct {
	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"1m"`
}

type APIConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	PoolConfig
}

type EngineConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	PoolConfig

	// AWS / SQS (engine events)
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	EventsQueueURL     string `envconfig:"EVENTS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`

	// Scan loop
	ScanInterval   string `envconfig:"SCAN_INTERVAL" default:"2s"`
	ScanBatchSize  int    `envconfig:"SCAN_BATCH_SIZE" default:"200"`
	WorkerShards   int    `envconfig:"WORKER_SHARDS" default:"16"`
	ClaimStaleness string `envconfig:"CLAIM_STALENESS" default:"5m"`

	// Retry policy
	MaxRetries       int     `envconfig:"MAX_RETRIES" default:"5"`
	RetryBase        string  `envconfig:"RETRY_BASE" default:"30s"`
	RetryCap         string  `envconfig:"RETRY_CAP" default:"1h"`
	RetryJitterFrac  float64 `envconfig:"RETRY_JITTER_FRAC" default:"0.2"`

	// Identity rate windows
	IdentityPerMinute int    `envconfig:"IDENTITY_PER_MINUTE" default:"4"`
	IdentityPerHour   int    `envconfig:"IDENTITY_PER_HOUR" default:"60"`
	IdentityPerDay    int    `envconfig:"IDENTITY_PER_DAY" default:"400"`
	IdentityCooldown  string `envconfig:"IDENTITY_COOLDOWN" default:"10m"`

	// Proxy allocator
	ProxyFailThreshold int    `envconfig:"PROXY_FAIL_THRESHOLD" default:"3"`
	ProxyProbeInterval string `envconfig:"PROXY_PROBE_INTERVAL" default:"1m"`

	// Gateway
	GatewayBaseURL     string  `envconfig:"GATEWAY_BASE_URL" required:"true"`
	GatewayAPIKey      string  `envconfig:"GATEWAY_API_KEY"`
	GatewayTimeout     string  `envconfig:"GATEWAY_TIMEOUT" default:"8s"`
	GatewayRPSPerPod   float64 `envconfig:"GATEWAY_RPS_PER_POD" default:"10"`
	GatewayBurst       int     `envconfig:"GATEWAY_BURST" default:"20"`
}

type NotifierConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	PoolConfig

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	EventsQueueURL     string `envconfig:"EVENTS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`

	NotifierConcurrency int `envconfig:"NOTIFIER_CONCURRENCY" default:"10"`

	// Outbound webhook delivery
	WebhookTimeout     string `envconfig:"WEBHOOK_TIMEOUT" default:"5s"`
	WebhookMaxRetries  int    `envconfig:"WEBHOOK_MAX_RETRIES" default:"4"`
	WebhookRetryBase   string `envconfig:"WEBHOOK_RETRY_BASE" default:"250ms"`
	WebhookRetryCap    string `envconfig:"WEBHOOK_RETRY_CAP" default:"5s"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadEngine() EngineConfig {
	var cfg EngineConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadNotifier() NotifierConfig {
	var cfg NotifierConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
