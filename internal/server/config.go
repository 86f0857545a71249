package server

import (
	"chat-relay/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"net/http"
	"strconv"
	"time"
)

type Option interface {
	apply(*config)
}

type optionFunc func(c *config)

func (f optionFunc) apply(c *config) { f(c) }

// config defines fields used for configuring Server instance
type config struct {
	httpServer    *http.Server
	afterShutdown []func()

	sendBuffer   int
	writeTimeout time.Duration
	pongTimeout  time.Duration
	readLimit    int64

	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
}

func defaultConfig() *config {
	return &config{
		httpServer:   &http.Server{Addr: "0.0.0.0:9000"},
		sendBuffer:   64,
		writeTimeout: 10 * time.Second,
		pongTimeout:  60 * time.Second,
		readLimit:    16 << 10,
	}
}

// pingPeriod must stay below pongTimeout so a healthy peer answers before the read deadline
func (c *config) pingPeriod() time.Duration {
	return c.pongTimeout * 9 / 10
}

// EnvConfig defines fields used for parsing from environment variables
type EnvConfig struct {
	Host          string        `env:"HOST" envDefault:"0.0.0.0"`
	Port          uint16        `env:"PORT" envDefault:"9000"`
	JWTSecret     string        `env:"JWT_SECRET,required"`
	JWTIssuer     string        `env:"JWT_ISSUER" envDefault:"chat-relay"`
	MaxBodyLength int           `env:"MAX_BODY_LENGTH" envDefault:"4096"`
	SendBuffer    int           `env:"SEND_BUFFER" envDefault:"64"`
	WriteTimeout  time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	PongTimeout   time.Duration `env:"PONG_TIMEOUT" envDefault:"60s"`
	StoreDriver   string        `env:"STORE_DRIVER" envDefault:"postgres"`
}

// WithEnvConfig enables processing exported EnvConfig struct to acts as a source of config parameters for Server
func WithEnvConfig(cfg EnvConfig) Option {
	return optionFunc(func(c *config) {
		c.httpServer.Addr = cfg.Host + ":" + strconv.FormatUint(uint64(cfg.Port), 10)
		if cfg.SendBuffer > 0 {
			c.sendBuffer = cfg.SendBuffer
		}
		if cfg.WriteTimeout > 0 {
			c.writeTimeout = cfg.WriteTimeout
		}
		if cfg.PongTimeout > 0 {
			c.pongTimeout = cfg.PongTimeout
		}
		// a frame carries the body plus its JSON envelope
		if cfg.MaxBodyLength > 0 {
			c.readLimit = int64(cfg.MaxBodyLength)*4 + 1024
		}
	})
}

// ReadTimeout sets read timeout for http.Server
func ReadTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.httpServer.ReadTimeout = d
	})
}

// SendBuffer sets the number of outbound events queued per connection before it is dropped as a slow consumer
func SendBuffer(n int) Option {
	return optionFunc(func(c *config) {
		c.sendBuffer = n
	})
}

// PongTimeout sets how long a connection may stay silent before it is closed
func PongTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.pongTimeout = d
	})
}

// WithMetrics records connection level metrics to m and serves g on "/metrics"
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return optionFunc(func(c *config) {
		c.metrics = m
		c.gatherer = g
	})
}

// RegisterAfterShutdown registers a function to call after http.Server shutdown
// f will not be called in separated goroutine
func RegisterAfterShutdown(f func()) Option {
	return optionFunc(func(c *config) {
		c.afterShutdown = append(c.afterShutdown, f)
	})
}
