package config

import (
	"github.com/sirupsen/logrus"
)

// SetupLogging 按配置设置 logrus 的级别与格式
func (c *Config) SetupLogging() {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		logrus.Warnf("Invalid log level '%s', using 'info'", c.Logging.Level)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if c.Logging.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
}
