package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the voice gateway.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway"`
	Listener   ListenerConfig   `yaml:"listener"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	LiveKit    LiveKitConfig    `yaml:"livekit"`
	Session    SessionConfig    `yaml:"session"`
	Audio      AudioConfig      `yaml:"audio"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Database   DatabaseConfig   `yaml:"database"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
}

// GatewayConfig identifies this gateway and its UDP media endpoint.
type GatewayConfig struct {
	ID string `yaml:"id"`

	// PublicIP is advertised to devices in the hello reply.
	PublicIP string `yaml:"public_ip"`

	// UDPHost is the local bind address for the media socket.
	UDPHost string `yaml:"udp_host"`
	UDPPort int    `yaml:"udp_port"`
}

// ListenerConfig controls the embedded MQTT broker devices connect to directly.
type ListenerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`

	// WebSocketAddress enables an additional MQTT-over-websocket listener when set.
	WebSocketAddress string `yaml:"websocket_address"`
}

// MQTTConfig contains settings for the external broker relay.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// LiveKitConfig contains media room server credentials.
type LiveKitConfig struct {
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`

	// TokenTTL is the room token lifetime in minutes.
	TokenTTL int `yaml:"token_ttl"`
}

// SessionConfig contains device session timing. Values are in seconds
// unless the field name says otherwise.
type SessionConfig struct {
	KeepaliveInterval int `yaml:"keepalive_interval"`
	InactivityTimeout int `yaml:"inactivity_timeout"`
	EndingTimeout     int `yaml:"ending_timeout"`

	HelloGraceMS         int `yaml:"hello_grace_ms"`
	GreetingDelayMS      int `yaml:"greeting_delay_ms"`
	StreamEndCloseMS     int `yaml:"stream_end_close_ms"`
	ShutdownGraceMS      int `yaml:"shutdown_grace_ms"`
	ProtocolVersion      int `yaml:"protocol_version"`
	MaxControlPayloadKiB int `yaml:"max_control_payload_kib"`

	// EndPrompt is sent into the room when an idle call is wound down.
	EndPrompt string `yaml:"end_prompt"`
}

// AudioConfig contains sample rates and framing for both audio directions.
type AudioConfig struct {
	DeviceInputRate  int    `yaml:"device_input_rate"`
	DeviceOutputRate int    `yaml:"device_output_rate"`
	RoomRate         int    `yaml:"room_rate"`
	FrameDurationMS  int    `yaml:"frame_duration_ms"`
	SilenceThreshold int    `yaml:"silence_threshold"`
	Format           string `yaml:"format"`
}

// WorkerPoolConfig contains codec worker pool bounds and scaling policy.
type WorkerPoolConfig struct {
	MinWorkers         int     `yaml:"min_workers"`
	MaxWorkers         int     `yaml:"max_workers"`
	ScaleUpThreshold   float64 `yaml:"scale_up_threshold"`
	ScaleDownThreshold float64 `yaml:"scale_down_threshold"`
	CPUScaleUp         float64 `yaml:"cpu_scale_up"`
	CPUScaleDown       float64 `yaml:"cpu_scale_down"`
	LatencyScaleUpMS   int     `yaml:"latency_scale_up_ms"`
	LatencyScaleDownMS int     `yaml:"latency_scale_down_ms"`
	CheckInterval      int     `yaml:"check_interval"`
	ScaleUpCooldown    int     `yaml:"scale_up_cooldown"`
	ScaleDownCooldown  int     `yaml:"scale_down_cooldown"`
	RequestTimeoutMS   int     `yaml:"request_timeout_ms"`
	DrainTimeoutMS     int     `yaml:"drain_timeout_ms"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains event stream settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings.
type FileLoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`

	// SignatureKey verifies three-part device client ids.
	// When empty, only two-part ids are accepted.
	SignatureKey string `yaml:"signature_key"`
}

// JWTConfig contains operator API token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// DefaultEndPrompt asks the agent for a brief farewell before an idle call is closed.
const DefaultEndPrompt = "You must end this conversation now. Start with 'Time flies so fast' and say a SHORT goodbye in 1-2 sentences maximum. Do NOT ask questions or suggest activities. Just say goodbye emotionally and end the conversation."

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern VOICEGW_SECTION_KEY, plus the
// deployment names UDP_PORT, PUBLIC_IP, LIVEKIT_URL, LIVEKIT_API_KEY,
// LIVEKIT_API_SECRET and MQTT_SIGNATURE_KEY.
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ID:       "voicegw-001",
			PublicIP: "127.0.0.1",
			UDPHost:  "0.0.0.0",
			UDPPort:  1883,
		},
		Listener: ListenerConfig{
			Enabled: true,
			Address: ":1883",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "mqtt-gateway",
			},
			QoS: 0,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		LiveKit: LiveKitConfig{
			TokenTTL: 360,
		},
		Session: SessionConfig{
			KeepaliveInterval:    15,
			InactivityTimeout:    60,
			EndingTimeout:        30,
			HelloGraceMS:         100,
			GreetingDelayMS:      1000,
			StreamEndCloseMS:     1000,
			ShutdownGraceMS:      300,
			ProtocolVersion:      3,
			MaxControlPayloadKiB: 64,
			EndPrompt:            DefaultEndPrompt,
		},
		Audio: AudioConfig{
			DeviceInputRate:  16000,
			DeviceOutputRate: 24000,
			RoomRate:         48000,
			FrameDurationMS:  60,
			SilenceThreshold: 10,
			Format:           "opus",
		},
		WorkerPool: WorkerPoolConfig{
			MinWorkers:         2,
			MaxWorkers:         6,
			ScaleUpThreshold:   0.7,
			ScaleDownThreshold: 0.3,
			CPUScaleUp:         60,
			CPUScaleDown:       30,
			LatencyScaleUpMS:   50,
			LatencyScaleDownMS: 10,
			CheckInterval:      5,
			ScaleUpCooldown:    10,
			ScaleDownCooldown:  20,
			RequestTimeoutMS:   150,
			DrainTimeoutMS:     3000,
		},
		Database: DatabaseConfig{
			Path:        "./data/voicegw.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "voicegw",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Gateway
	if v := os.Getenv("PUBLIC_IP"); v != "" {
		cfg.Gateway.PublicIP = v
	}
	if v := os.Getenv("UDP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.UDPPort = port
		}
	}

	// LiveKit
	if v := os.Getenv("LIVEKIT_URL"); v != "" {
		cfg.LiveKit.URL = v
	}
	if v := os.Getenv("LIVEKIT_API_KEY"); v != "" {
		cfg.LiveKit.APIKey = v
	}
	if v := os.Getenv("LIVEKIT_API_SECRET"); v != "" {
		cfg.LiveKit.APISecret = v
	}

	// Device credentials
	if v := os.Getenv("MQTT_SIGNATURE_KEY"); v != "" {
		cfg.Security.SignatureKey = v
	}

	// Database
	if v := os.Getenv("VOICEGW_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT relay
	if v := os.Getenv("VOICEGW_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("VOICEGW_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("VOICEGW_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("VOICEGW_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("VOICEGW_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("VOICEGW_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Security - JWT secret (always override in production)
	if v := os.Getenv("VOICEGW_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Gateway.ID == "" {
		errs = append(errs, "gateway.id is required")
	}
	if c.Gateway.UDPPort < 1 || c.Gateway.UDPPort > 65535 {
		errs = append(errs, "gateway.udp_port must be between 1 and 65535")
	}
	if net.ParseIP(c.Gateway.PublicIP) == nil {
		errs = append(errs, "gateway.public_ip must be an IP address")
	}

	if !c.Listener.Enabled && !c.MQTT.Enabled {
		errs = append(errs, "at least one of listener.enabled or mqtt.enabled must be true")
	}
	if c.Listener.Enabled && c.Listener.Address == "" {
		errs = append(errs, "listener.address is required when the listener is enabled")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.LiveKit.URL == "" {
		errs = append(errs, "livekit.url is required (set LIVEKIT_URL)")
	}
	if c.LiveKit.APIKey == "" || c.LiveKit.APISecret == "" {
		errs = append(errs, "livekit.api_key and livekit.api_secret are required")
	}

	if c.Session.KeepaliveInterval < 1 {
		errs = append(errs, "session.keepalive_interval must be positive")
	}
	if c.Session.InactivityTimeout < c.Session.KeepaliveInterval {
		errs = append(errs, "session.inactivity_timeout must not be shorter than the keepalive interval")
	}

	if c.Audio.FrameDurationMS <= 0 || c.Audio.DeviceOutputRate <= 0 || c.Audio.RoomRate <= 0 || c.Audio.DeviceInputRate <= 0 {
		errs = append(errs, "audio rates and frame_duration_ms must be positive")
	}
	if c.Audio.Format != "opus" && c.Audio.Format != "pcm" {
		errs = append(errs, "audio.format must be opus or pcm")
	}

	wp := c.WorkerPool
	if wp.MinWorkers < 1 {
		errs = append(errs, "worker_pool.min_workers must be at least 1")
	}
	if wp.MaxWorkers < wp.MinWorkers {
		errs = append(errs, "worker_pool.max_workers must not be below min_workers")
	}
	if wp.ScaleDownThreshold >= wp.ScaleUpThreshold {
		errs = append(errs, "worker_pool.scale_down_threshold must be below scale_up_threshold")
	}
	if wp.RequestTimeoutMS <= 0 {
		errs = append(errs, "worker_pool.request_timeout_ms must be positive")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}

		// Operator tokens can close live calls, so a forged token is not harmless.
		const minJWTSecretLength = 32
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required when the API is enabled (set VOICEGW_JWT_SECRET)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// UDPAddress returns the local bind address for the media socket.
func (g GatewayConfig) UDPAddress() string {
	return net.JoinHostPort(g.UDPHost, strconv.Itoa(g.UDPPort))
}

// GetKeepaliveInterval returns how often idle sessions are checked.
func (s SessionConfig) GetKeepaliveInterval() time.Duration {
	return time.Duration(s.KeepaliveInterval) * time.Second
}

// GetInactivityTimeout returns the idle time after which a call is wound down.
func (s SessionConfig) GetInactivityTimeout() time.Duration {
	return time.Duration(s.InactivityTimeout) * time.Second
}

// GetEndingTimeout returns the hard limit on the farewell stage.
func (s SessionConfig) GetEndingTimeout() time.Duration {
	return time.Duration(s.EndingTimeout) * time.Second
}

// GetHelloGrace returns the pause between closing a replaced call and starting the next.
func (s SessionConfig) GetHelloGrace() time.Duration {
	return time.Duration(s.HelloGraceMS) * time.Millisecond
}

// GetGreetingDelay returns how long to wait for an agent to settle before greeting it.
func (s SessionConfig) GetGreetingDelay() time.Duration {
	return time.Duration(s.GreetingDelayMS) * time.Millisecond
}

// GetStreamEndClose returns the delay before an ending session closes after its last audio.
func (s SessionConfig) GetStreamEndClose() time.Duration {
	return time.Duration(s.StreamEndCloseMS) * time.Millisecond
}

// GetShutdownGrace returns the pause between closing sessions and closing sockets.
func (s SessionConfig) GetShutdownGrace() time.Duration {
	return time.Duration(s.ShutdownGraceMS) * time.Millisecond
}

// GetTokenTTL returns the room token lifetime.
func (l LiveKitConfig) GetTokenTTL() time.Duration {
	return time.Duration(l.TokenTTL) * time.Minute
}

// FrameSamples returns the samples in one outbound frame at the device output rate.
func (a AudioConfig) FrameSamples() int {
	return a.DeviceOutputRate * a.FrameDurationMS / 1000
}
