package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath   string `envconfig:"DATA_PATH" default:"/app/data"`
	LogPath    string `envconfig:"LOG_PATH" default:""`

	DockerHost     string `envconfig:"DOCKER_HOST" default:""`
	SandboxNetwork string `envconfig:"SANDBOX_NETWORK" default:"studio-sandbox"`
	DefaultImage   string `envconfig:"DEFAULT_IMAGE" default:"node:20-alpine"`

	// Upper bound for a single runtime call. Exceeding it is treated as a
	// retryable daemon failure and counts as one breaker failure.
	RuntimeCallTimeout time.Duration `envconfig:"RUNTIME_CALL_TIMEOUT" default:"30s"`

	BreakerFailureThreshold int           `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	BreakerSuccessThreshold int           `envconfig:"BREAKER_SUCCESS_THRESHOLD" default:"2"`
	BreakerResetTimeout     time.Duration `envconfig:"BREAKER_RESET_TIMEOUT" default:"30s"`

	SessionCapPerClient int           `envconfig:"SESSION_CAP_PER_CLIENT" default:"1"`
	SessionIdleTimeout  time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`
	SessionSweepSpec    string        `envconfig:"SESSION_SWEEP_SPEC" default:"@every 5m"`

	HeartbeatInterval    time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	ReconnectBaseDelay   time.Duration `envconfig:"RECONNECT_BASE_DELAY" default:"1s"`
	ReconnectMaxAttempts int           `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"10"`

	// Rate limiting per operation class: refill rate (tokens/sec) and burst.
	RateGeneral          float64       `envconfig:"RATE_GENERAL" default:"50"`
	RateGeneralBurst     int           `envconfig:"RATE_GENERAL_BURST" default:"100"`
	RateLifecycle        float64       `envconfig:"RATE_LIFECYCLE" default:"0.2"`
	RateLifecycleBurst   int           `envconfig:"RATE_LIFECYCLE_BURST" default:"5"`
	RatePreviewCfg       float64       `envconfig:"RATE_PREVIEW_CONFIGURE" default:"1"`
	RatePreviewCfgBurst  int           `envconfig:"RATE_PREVIEW_CONFIGURE_BURST" default:"10"`
	RateConnect          float64       `envconfig:"RATE_CONNECT" default:"1"`
	RateConnectBurst     int           `envconfig:"RATE_CONNECT_BURST" default:"5"`
	RateBucketIdleExpiry time.Duration `envconfig:"RATE_BUCKET_IDLE_EXPIRY" default:"10m"`

	PreviewPortPolicyPath string `envconfig:"PREVIEW_PORT_POLICY_PATH" default:""`
	PreviewPublicBase     string `envconfig:"PREVIEW_PUBLIC_BASE" default:"http://localhost:8000"`
	PreviewMaxBodyBytes   int64  `envconfig:"PREVIEW_MAX_BODY_BYTES" default:"2097152"`
	PreviewCSPMode        string `envconfig:"PREVIEW_CSP_MODE" default:"nonce"`

	ConsoleMaxQueueAge time.Duration `envconfig:"CONSOLE_MAX_QUEUE_AGE" default:"60s"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("STUDIO", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
