package mqttconverter

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/clima-dataflow/pkg/config"
	"github.com/rs/zerolog/log"
)

// MQTTClientConfig holds all necessary configuration for the Paho MQTT client.
type MQTTClientConfig struct {
	// BrokerURL is the full URL of the MQTT broker to connect to.
	// Example: "tcp://mosquitto:1883" or "tls://mqtt.example.com:8883"
	BrokerURL string
	// ClientID identifies this session to the broker.
	ClientID string
	// UniqueClientID appends a random suffix to ClientID, for running more than
	// one replica against the same broker.
	UniqueClientID bool
	// Username for authenticating with the MQTT broker.
	Username string
	// Password for authenticating with the MQTT broker.
	Password string
	// QoS used for subscriptions. 1 gives at-least-once delivery.
	QoS byte
	// KeepAlive is the interval at which the client sends keep-alive pings to the broker.
	KeepAlive time.Duration
	// ConnectTimeout bounds a single connection or subscription attempt.
	ConnectTimeout time.Duration
	// ReconnectWaitMax is the maximum time to wait before attempting to reconnect
	// after an established connection is lost.
	ReconnectWaitMax time.Duration
	// InboundBufferSize is the capacity of the notification channel between the
	// Paho callbacks and the dispatch goroutine.
	InboundBufferSize int
	// CACertFile is an optional path to a CA certificate file for verifying the broker's certificate.
	CACertFile string
	// ClientCertFile is an optional path to a client certificate file for mTLS authentication.
	ClientCertFile string
	// ClientKeyFile is an optional path to a client key file for mTLS authentication.
	ClientKeyFile string
	// InsecureSkipVerify skips TLS certificate verification.
	// This is NOT recommended for production environments.
	InsecureSkipVerify bool
}

// Env constants for setting Mqtt settings
const (
	MqttSkipVerify            = "MQTT_INSECURE_SKIP_VERIFY"
	MqttKeepAliveSeconds      = "MQTT_KEEP_ALIVE_SECONDS"
	MqttConnectTimeoutSeconds = "MQTT_CONNECT_TIMEOUT_SECONDS"
	MqttCACertFile            = "MQTT_CA_CERT_FILE"
	MqttClientCertFile        = "MQTT_CLIENT_CERT_FILE"
	MqttClientKeyFile         = "MQTT_CLIENT_KEY_FILE"
)

// LoadMQTTClientConfigWithEnv loads MQTT operational configuration from environment variables.
// It populates settings like timeouts and keep-alive intervals with sensible defaults if
// the environment variables are not set.
// Note: the broker address and client ID are not loaded here; see NewMQTTClientConfigFromSettings.
func LoadMQTTClientConfigWithEnv() *MQTTClientConfig {
	cfg := &MQTTClientConfig{
		QoS:               1,
		KeepAlive:         60 * time.Second,
		ConnectTimeout:    10 * time.Second,
		ReconnectWaitMax:  120 * time.Second,
		InboundBufferSize: 1024,
		CACertFile:        os.Getenv(MqttCACertFile),
		ClientCertFile:    os.Getenv(MqttClientCertFile),
		ClientKeyFile:     os.Getenv(MqttClientKeyFile),
	}
	if skipVerify := os.Getenv(MqttSkipVerify); skipVerify == "true" {
		cfg.InsecureSkipVerify = true
	}

	// Parse durations if set in env, otherwise use defaults
	if ka := os.Getenv(MqttKeepAliveSeconds); ka != "" {
		s, err := time.ParseDuration(ka + "s")
		if err == nil {
			cfg.KeepAlive = s
		} else {
			log.Warn().Err(err).Msg("mqttconverter: error parsing keepAlive seconds, using default")
		}
	}
	if ct := os.Getenv(MqttConnectTimeoutSeconds); ct != "" {
		s, err := time.ParseDuration(ct + "s")
		if err == nil {
			cfg.ConnectTimeout = s
		} else {
			log.Warn().Err(err).Msg("mqttconverter: error parsing connect timeout seconds, using default")
		}
	}

	return cfg
}

// NewMQTTClientConfigFromSettings builds the client configuration from the
// key/value settings, on top of the environment defaults.
func NewMQTTClientConfigFromSettings(s config.Settings) (*MQTTClientConfig, error) {
	var errs []error
	host, err := s.Required(config.KeyMQTTHost)
	if err != nil {
		errs = append(errs, err)
	}
	id, err := s.Required(config.KeyMQTTID)
	if err != nil {
		errs = append(errs, err)
	}
	port, err := s.Port(config.KeyMQTTPort)
	if err != nil {
		errs = append(errs, err)
	}
	useTLS, err := s.Bool(config.KeyMQTTTLS, false)
	if err != nil {
		errs = append(errs, err)
	}
	unique, err := s.Bool(config.KeyMQTTUniqueID, false)
	if err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	scheme := "tcp"
	if useTLS {
		scheme = "tls"
	}

	cfg := LoadMQTTClientConfigWithEnv()
	cfg.BrokerURL = fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(int(port))))
	cfg.ClientID = id
	cfg.UniqueClientID = unique
	cfg.Username = s.String(config.KeyMQTTUsername, "")
	cfg.Password = s.String(config.KeyMQTTPassword, "")
	return cfg, nil
}

// EffectiveClientID returns the client ID presented to the broker.
func (c *MQTTClientConfig) EffectiveClientID() string {
	if !c.UniqueClientID {
		return c.ClientID
	}
	return c.ClientID + "-" + uuid.NewString()[:8]
}

// usesTLS reports whether the broker URL asks for a TLS transport.
func (c *MQTTClientConfig) usesTLS() bool {
	u := strings.ToLower(c.BrokerURL)
	return strings.HasPrefix(u, "tls://") || strings.HasPrefix(u, "ssl://") || strings.HasPrefix(u, "mqtts://")
}

// newTLSConfig is a helper to create a tls.Config.
func newTLSConfig(cfg *MQTTClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
