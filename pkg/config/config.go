package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"rillcall/pkg/validation"

	"gopkg.in/yaml.v2"
)

// ICEServer is one traversal-assistance server entry.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	// Server is the call agent status API.
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	// Call is the session the call agent joins on start.
	Call struct {
		RoomID string `yaml:"room_id"`
		UserID string `yaml:"user_id"` // generated when empty
		Role   string `yaml:"role"`    // caller | callee
	} `yaml:"call"`

	Signal struct {
		// Relay server side
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

		// Client transport side
		TopicPrefix         string        `yaml:"topic_prefix"`
		SubscribeTimeout    time.Duration `yaml:"subscribe_timeout"`
		SubscribeBaseDelay  time.Duration `yaml:"subscribe_base_delay"`
		SubscribeMaxRetries int           `yaml:"subscribe_max_retries"`
	} `yaml:"signal"`

	Relay struct {
		Driver       string `yaml:"driver"` // redis | websocket | memory
		WebSocketURL string `yaml:"websocket_url"`
		Token        string `yaml:"token"`

		CircuitBreaker struct {
			Enabled     bool          `yaml:"enabled"`
			MaxFailures int           `yaml:"max_failures"`
			Timeout     time.Duration `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"relay"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		Probe struct {
			Enabled  bool          `yaml:"enabled"`
			Timeout  time.Duration `yaml:"timeout"`
			CacheTTL time.Duration `yaml:"cache_ttl"`
		} `yaml:"probe"`
	} `yaml:"webrtc"`

	Media struct {
		Video      bool   `yaml:"video"`
		Mobile     bool   `yaml:"mobile"`
		LowPower   bool   `yaml:"low_power"`
		FacingMode string `yaml:"facing_mode"`
	} `yaml:"media"`

	Quality struct {
		SampleInterval time.Duration `yaml:"sample_interval"`
	} `yaml:"quality"`

	Adaptation struct {
		Enabled           bool          `yaml:"enabled"`
		Interval          time.Duration `yaml:"interval"`
		DowngradeReadings int           `yaml:"downgrade_readings"`
		UpgradeReadings   int           `yaml:"upgrade_readings"`
		LossDowngrade     float64       `yaml:"loss_downgrade"`
		RTTDowngradeMs    float64       `yaml:"rtt_downgrade_ms"`
		LossUpgrade       float64       `yaml:"loss_upgrade"`
	} `yaml:"adaptation"`

	Resilience struct {
		HealthCheckInterval  time.Duration `yaml:"health_check_interval"`
		ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
		ConnectionTimeout    time.Duration `yaml:"connection_timeout"`
		EscalationFactor     float64       `yaml:"escalation_factor"`
		MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
		PollInterval         time.Duration `yaml:"poll_interval"`
	} `yaml:"resilience"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		ServiceName    string  `yaml:"service_name"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		Enabled        bool          `yaml:"enabled"`
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxConcurrent       int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`

		DataChannel struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"data_channel"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.SubscribeTimeout <= 0 {
		return fmt.Errorf("signal.subscribe_timeout must be > 0")
	}
	if c.Signal.SubscribeBaseDelay <= 0 {
		return fmt.Errorf("signal.subscribe_base_delay must be > 0")
	}
	if c.Signal.SubscribeMaxRetries < 0 {
		return fmt.Errorf("signal.subscribe_max_retries must be >= 0")
	}

	// Call
	if c.Call.RoomID == "" {
		return fmt.Errorf("call.room_id must not be empty")
	}
	switch c.Call.Role {
	case "caller", "callee":
	default:
		return fmt.Errorf("call.role must be caller or callee (got %q)", c.Call.Role)
	}

	// Relay
	switch c.Relay.Driver {
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when relay.driver=redis")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when relay.driver=redis")
		}
	case "websocket":
		if c.Relay.WebSocketURL == "" {
			return fmt.Errorf("relay.websocket_url must not be empty when relay.driver=websocket")
		}
	case "memory":
	default:
		return fmt.Errorf("relay.driver must be one of redis, websocket, memory (got %q)", c.Relay.Driver)
	}
	if c.Relay.CircuitBreaker.Enabled {
		if c.Relay.CircuitBreaker.MaxFailures <= 0 {
			return fmt.Errorf("relay.circuit_breaker.max_failures must be > 0")
		}
		if c.Relay.CircuitBreaker.Timeout <= 0 {
			return fmt.Errorf("relay.circuit_breaker.timeout must be > 0")
		}
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
		for _, u := range s.URLs {
			if err := validation.ValidateICEServerURL(u); err != nil {
				return fmt.Errorf("webrtc.ice_servers[%d]: %w", i, err)
			}
		}
	}
	if c.WebRTC.Probe.Enabled && c.WebRTC.Probe.Timeout <= 0 {
		return fmt.Errorf("webrtc.probe.timeout must be > 0 when probe is enabled")
	}

	// Media
	switch c.Media.FacingMode {
	case "user", "environment":
	default:
		return fmt.Errorf("media.facing_mode must be user or environment")
	}

	// Quality
	if c.Quality.SampleInterval <= 0 {
		return fmt.Errorf("quality.sample_interval must be > 0")
	}

	// Adaptation
	if c.Adaptation.Interval <= 0 {
		return fmt.Errorf("adaptation.interval must be > 0")
	}
	if c.Adaptation.DowngradeReadings <= 0 || c.Adaptation.UpgradeReadings <= 0 {
		return fmt.Errorf("adaptation.downgrade_readings and upgrade_readings must be > 0")
	}
	if c.Adaptation.LossUpgrade >= c.Adaptation.LossDowngrade {
		return fmt.Errorf("adaptation.loss_upgrade must be < loss_downgrade")
	}
	if c.Adaptation.RTTDowngradeMs <= 0 {
		return fmt.Errorf("adaptation.rtt_downgrade_ms must be > 0")
	}

	// Resilience
	if c.Resilience.HealthCheckInterval <= 0 {
		return fmt.Errorf("resilience.health_check_interval must be > 0")
	}
	if c.Resilience.ReconnectDelay < 0 {
		return fmt.Errorf("resilience.reconnect_delay must be >= 0")
	}
	if c.Resilience.ConnectionTimeout <= 0 {
		return fmt.Errorf("resilience.connection_timeout must be > 0")
	}
	if c.Resilience.EscalationFactor < 1 {
		return fmt.Errorf("resilience.escalation_factor must be >= 1")
	}
	if c.Resilience.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("resilience.max_reconnect_attempts must be > 0")
	}
	if c.Resilience.PollInterval <= 0 {
		return fmt.Errorf("resilience.poll_interval must be > 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.JaegerEndpoint == "" {
		return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing is enabled")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Auth
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty")
		}
		if c.Auth.AccessTokenTTL <= 0 {
			return fmt.Errorf("auth.access_token_ttl must be > 0")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.DataChannel.MessagesPerSecond <= 0 || c.RateLimiting.DataChannel.Burst <= 0 {
		return fmt.Errorf("rate_limiting.data_channel values must be > 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.Call.RoomID = "lobby"
	cfg.Call.Role = "callee"

	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.ShutdownTimeout = 10 * time.Second
	cfg.Signal.TopicPrefix = "call:"
	cfg.Signal.SubscribeTimeout = 10 * time.Second
	cfg.Signal.SubscribeBaseDelay = time.Second
	cfg.Signal.SubscribeMaxRetries = 3

	cfg.Relay.Driver = "memory"
	cfg.Relay.CircuitBreaker.Enabled = true
	cfg.Relay.CircuitBreaker.MaxFailures = 5
	cfg.Relay.CircuitBreaker.Timeout = 15 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
	}
	cfg.WebRTC.Probe.Enabled = false
	cfg.WebRTC.Probe.Timeout = 2 * time.Second
	cfg.WebRTC.Probe.CacheTTL = 5 * time.Minute

	cfg.Media.Video = true
	cfg.Media.FacingMode = "user"

	cfg.Quality.SampleInterval = 2 * time.Second

	cfg.Adaptation.Enabled = true
	cfg.Adaptation.Interval = 5 * time.Second
	cfg.Adaptation.DowngradeReadings = 2
	cfg.Adaptation.UpgradeReadings = 3
	cfg.Adaptation.LossDowngrade = 0.05
	cfg.Adaptation.RTTDowngradeMs = 300
	cfg.Adaptation.LossUpgrade = 0.01

	cfg.Resilience.HealthCheckInterval = 5 * time.Second
	cfg.Resilience.ReconnectDelay = 2 * time.Second
	cfg.Resilience.ConnectionTimeout = 10 * time.Second
	cfg.Resilience.EscalationFactor = 1.5
	cfg.Resilience.MaxReconnectAttempts = 5
	cfg.Resilience.PollInterval = time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "rillcall"
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.Enabled = false
	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024
	cfg.RateLimiting.DataChannel.MessagesPerSecond = 5
	cfg.RateLimiting.DataChannel.Burst = 10

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("RILLCALL_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("RILLCALL_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if room := os.Getenv("RILLCALL_CALL_ROOM"); room != "" {
		c.Call.RoomID = room
	}
	if user := os.Getenv("RILLCALL_CALL_USER"); user != "" {
		c.Call.UserID = user
	}
	if role := os.Getenv("RILLCALL_CALL_ROLE"); role != "" {
		c.Call.Role = role
	}
	if driver := os.Getenv("RILLCALL_RELAY_DRIVER"); driver != "" {
		c.Relay.Driver = driver
	}
	if url := os.Getenv("RILLCALL_RELAY_WEBSOCKET_URL"); url != "" {
		c.Relay.WebSocketURL = url
	}
	if token := os.Getenv("RILLCALL_RELAY_TOKEN"); token != "" {
		c.Relay.Token = token
	}
	if addr := os.Getenv("RILLCALL_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if mobile := os.Getenv("RILLCALL_MEDIA_MOBILE"); mobile != "" {
		if v, err := strconv.ParseBool(mobile); err == nil {
			c.Media.Mobile = v
		}
	}
	if level := os.Getenv("RILLCALL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("RILLCALL_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
}
