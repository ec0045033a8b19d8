package client

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const DefaultTimeout = 8 * time.Second

// Transport sends a single HTTP request. *http.Client satisfies it.
type Transport interface {
	Do(*http.Request) (*http.Response, error)
}

type config struct {
	transport  Transport
	timeout    time.Duration
	userAgent  bool
	logger     *logrus.Entry
	logLevel   *logrus.Level
	registerer prometheus.Registerer
}

func defaultConfig() *config {
	return &config{
		timeout:   DefaultTimeout,
		userAgent: true,
		logger:    logrus.WithField("component", "builder-client"),
	}
}

// applyLogLevel runs after every option so that it does not depend on the
// order of WithLogger and WithLogLevel.
func (cfg *config) applyLogLevel() {
	if cfg.logLevel == nil {
		return
	}
	if cfg.logger.Logger == logrus.StandardLogger() {
		std := logrus.StandardLogger()
		logger := logrus.New()
		logger.SetOutput(std.Out)
		logger.SetFormatter(std.Formatter)
		logger.SetReportCaller(std.ReportCaller)
		cfg.logger = logger.WithFields(cfg.logger.Data)
	}
	cfg.logger.Logger.SetLevel(*cfg.logLevel)
}

type Option struct {
	apply       func(cfg *config) error
	description string
}

func (o Option) MarshalText() ([]byte, error) {
	return []byte(o.description), nil
}

// WithTransport replaces the default *http.Client. Timeouts are then the
// transport's concern.
func WithTransport(transport Transport) Option {
	return Option{
		apply: func(cfg *config) error {
			if transport == nil {
				return fmt.Errorf("nil transport")
			}
			cfg.transport = transport
			return nil
		},
		description: fmt.Sprintf("WithTransport(%T)", transport),
	}
}

func WithTimeout(timeout time.Duration) Option {
	return Option{
		apply: func(cfg *config) error {
			if timeout < 0 {
				return fmt.Errorf("negative timeout: %s", timeout)
			}
			cfg.timeout = timeout
			return nil
		},
		description: fmt.Sprintf("WithTimeout(%s)", timeout),
	}
}

// WithUserAgentHeader toggles the User-Agent header on outbound requests.
func WithUserAgentHeader(enabled bool) Option {
	return Option{
		apply: func(cfg *config) error {
			cfg.userAgent = enabled
			return nil
		},
		description: fmt.Sprintf("WithUserAgentHeader(%t)", enabled),
	}
}

func WithLogger(logger *logrus.Entry) Option {
	return Option{
		apply: func(cfg *config) error {
			if logger == nil {
				return fmt.Errorf("nil logger")
			}
			cfg.logger = logger
			return nil
		},
		description: "WithLogger",
	}
}

// WithLogLevel sets the level of the logger passed with WithLogger. Without
// one the client logs through a private copy of the standard logger, so the
// process-wide level is left alone.
func WithLogLevel(logLevel string) Option {
	return Option{
		apply: func(cfg *config) error {
			logLevelParsed, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			cfg.logLevel = &logLevelParsed
			return nil
		},
		description: fmt.Sprintf("WithLogLevel(%s)", logLevel),
	}
}

// WithMetricsRegisterer registers the client collectors on registerer.
// Without it the collectors are kept but never exported.
func WithMetricsRegisterer(registerer prometheus.Registerer) Option {
	return Option{
		apply: func(cfg *config) error {
			cfg.registerer = registerer
			return nil
		},
		description: "WithMetricsRegisterer",
	}
}
