// internal/infra/logger/logger.go
package logger

import (
	"io"
	"os"
	"strings"

	"circle_cycle_engine/internal/infra/config"

	"github.com/sirupsen/logrus"
)

// ServiceName is stamped on every entry as the "service" field.
const ServiceName = "circle-cycle-engine"

// Log is the global logger instance
var Log = logrus.New()

// maskedFields carry bank and rail references. Outside development only their
// tail is logged, enough to match a support ticket.
var maskedFields = []string{"payment_ref", "transfer_ref"}

// Init initializes the global logger based on application configuration.
func Init(cfg *config.AppConfig) {
	Configure(Log, cfg, os.Stdout)

	Log.WithFields(logrus.Fields{
		"level": Log.GetLevel().String(),
		"store": cfg.Store,
	}).Info("Logger initialized")
}

// Configure applies level, formatter and hooks from cfg to l.
func Configure(l *logrus.Logger, cfg *config.AppConfig, out io.Writer) {
	l.SetOutput(out)
	l.ReplaceHooks(make(logrus.LevelHooks))

	level, err := logrus.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		l.Warnf("Invalid log level '%s', defaulting to 'info'. Error: %v", cfg.LogLevel, err)
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	env := strings.ToLower(cfg.Environment)
	if isDeployed(env) {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00", // ISO8601
		})
		l.AddHook(maskHook{fields: maskedFields, keep: 4})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
	l.AddHook(serviceHook{env: env})
}

// Component returns an entry scoped to one process component.
func Component(name string) *logrus.Entry {
	return Log.WithField("component", name)
}

func isDeployed(env string) bool {
	return env == "production" || env == "staging"
}

type serviceHook struct {
	env string
}

func (serviceHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h serviceHook) Fire(e *logrus.Entry) error {
	if _, ok := e.Data["service"]; !ok {
		e.Data["service"] = ServiceName
	}
	if _, ok := e.Data["environment"]; !ok && h.env != "" {
		e.Data["environment"] = h.env
	}
	return nil
}

type maskHook struct {
	fields []string
	keep   int
}

func (maskHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h maskHook) Fire(e *logrus.Entry) error {
	for _, f := range h.fields {
		v, ok := e.Data[f]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		e.Data[f] = mask(s, h.keep)
	}
	return nil
}

func mask(s string, keep int) string {
	if len(s) <= keep {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-keep) + s[len(s)-keep:]
}
