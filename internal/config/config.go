// Package config loads the gateway's runtime configuration from the
// environment variables spec §6 names, via spf13/viper's AutomaticEnv
// binding. Grounded on the teacher pack's config loaders (firestige-Otus
// internal/config uses viper against a YAML file; this gateway has no
// config file of its own per spec §6, so we keep viper purely for its
// env-var binding/typed-getter convenience over os.Getenv).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is every knob spec §6 exposes via environment variables.
type Config struct {
	Port int

	EnableSSL   bool
	SSLKeyPath  string
	SSLCertPath string

	EnableSIPGateway bool
	SIPServerHost    string
	SIPServerPort    int
	SIPDomain        string
	LocalSIPPort     int

	RTPEngineHost string
	RTPEnginePort int

	PublicIP string

	MaxSessions int

	LogLevel string
}

// Load reads Config from the process environment, applying the defaults
// spec §6 documents for each variable.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := map[string]interface{}{
		"PORT":                8080,
		"ENABLE_SSL":          false,
		"SSL_KEY_PATH":        "",
		"SSL_CERT_PATH":       "",
		"ENABLE_SIP_GATEWAY":  true,
		"SIP_SERVER_HOST":     "",
		"SIP_SERVER_PORT":     5060,
		"SIP_DOMAIN":          "",
		"LOCAL_SIP_PORT":      5060,
		"RTPENGINE_HOST":      "127.0.0.1",
		"RTPENGINE_PORT":      22222,
		"PUBLIC_IP":           "",
		"MAX_SESSIONS":        500,
		"LOG_LEVEL":           "info",
	}
	for key, def := range defaults {
		v.SetDefault(key, def)
		_ = v.BindEnv(key)
	}

	cfg := &Config{
		Port:             v.GetInt("PORT"),
		EnableSSL:        v.GetBool("ENABLE_SSL"),
		SSLKeyPath:       v.GetString("SSL_KEY_PATH"),
		SSLCertPath:      v.GetString("SSL_CERT_PATH"),
		EnableSIPGateway: v.GetBool("ENABLE_SIP_GATEWAY"),
		SIPServerHost:    v.GetString("SIP_SERVER_HOST"),
		SIPServerPort:    v.GetInt("SIP_SERVER_PORT"),
		SIPDomain:        v.GetString("SIP_DOMAIN"),
		LocalSIPPort:     v.GetInt("LOCAL_SIP_PORT"),
		RTPEngineHost:    v.GetString("RTPENGINE_HOST"),
		RTPEnginePort:    v.GetInt("RTPENGINE_PORT"),
		PublicIP:         v.GetString("PUBLIC_IP"),
		MaxSessions:      v.GetInt("MAX_SESSIONS"),
		LogLevel:         v.GetString("LOG_LEVEL"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.EnableSSL && (c.SSLKeyPath == "" || c.SSLCertPath == "") {
		return fmt.Errorf("config: ENABLE_SSL requires SSL_KEY_PATH and SSL_CERT_PATH")
	}
	if c.EnableSIPGateway && c.SIPServerHost == "" {
		return fmt.Errorf("config: ENABLE_SIP_GATEWAY requires SIP_SERVER_HOST")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("config: MAX_SESSIONS must be positive")
	}
	return nil
}

// RTPEngineAddr is the media-relay control-plane base URL built from the
// configured host/port.
func (c *Config) RTPEngineAddr() string {
	return fmt.Sprintf("http://%s:%d", c.RTPEngineHost, c.RTPEnginePort)
}

// LocalSIPAddr is the address the gateway's own UDP transport binds.
func (c *Config) LocalSIPAddr() string {
	return fmt.Sprintf("0.0.0.0:%d", c.LocalSIPPort)
}

// dialTimeout is not read anywhere; it equals the fixed 2 s HTTP timeout
// relayclient.New sets on its own client, which is not env-configurable.
const dialTimeout = 2 * time.Second
