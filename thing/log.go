package thing

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/wrlabs/devicecloud/status"
)

// SetLogLevel adjusts the client log verbosity by configuration name.
func (c *Client) SetLogLevel(level string) error {
	switch strings.ToUpper(level) {
	case "CRITICAL":
		c.log.SetLevel(logrus.FatalLevel)
	case "ERROR":
		c.log.SetLevel(logrus.ErrorLevel)
	case "WARNING":
		c.log.SetLevel(logrus.WarnLevel)
	case "INFO":
		c.log.SetLevel(logrus.InfoLevel)
	case "DEBUG":
		c.log.SetLevel(logrus.DebugLevel)
	case "ALL":
		c.log.Warn("log_level set as 'ALL', DEBUG used as default")
		c.log.SetLevel(logrus.DebugLevel)
	default:
		c.log.SetLevel(logrus.DebugLevel)
		return status.Errorf(status.BadParameter, "unknown log level %q", level)
	}
	return nil
}

// LogLevel returns the configuration name of the current log verbosity.
func (c *Client) LogLevel() string {
	switch c.log.GetLevel() {
	case logrus.FatalLevel, logrus.PanicLevel:
		return "CRITICAL"
	case logrus.ErrorLevel:
		return "ERROR"
	case logrus.WarnLevel:
		return "WARNING"
	case logrus.InfoLevel:
		return "INFO"
	default:
		return "DEBUG"
	}
}
