package config

import "time"

type Config struct {
	Relay     RelayConfig
	Transport TransportConfig
	Session   SessionConfig
	Store     StoreConfig
}

type RelayConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
	// ReadTimeout bounds a single read on relay-side sockets.
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

// TransportConfig tunes the client channel.
type TransportConfig struct {
	DialTimeout       time.Duration `mapstructure:"dialTimeout"`
	ReadTimeout       time.Duration `mapstructure:"readTimeout"`
	ReconnectAttempts int           `mapstructure:"reconnectAttempts"`
	ReconnectBackoff  time.Duration `mapstructure:"reconnectBackoff"`
}

// SessionConfig tunes the session controller's delayed work.
type SessionConfig struct {
	PointerThrottle time.Duration `mapstructure:"pointerThrottle"`
	BroadcastBatch  time.Duration `mapstructure:"broadcastBatch"`
	PersistDebounce time.Duration `mapstructure:"persistDebounce"`
}

// StoreConfig points the client at the durable room store.
type StoreConfig struct {
	BaseURL  string        `mapstructure:"baseUrl"`
	Attempts int           `mapstructure:"attempts"`
	Backoff  time.Duration `mapstructure:"backoff"`
}
