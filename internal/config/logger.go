package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const logTimestampFormat = "2006-01-02 15:04:05"

// NewLogger 按日志配置构建独立的 logger，供各服务注入
func NewLogger(cfg *Config) (*logrus.Logger, error) {
	logger := logrus.New()
	if err := configureLogger(logger, cfg.Log); err != nil {
		return nil, err
	}
	return logger, nil
}

// InitLogger 初始化全局 logrus（标准 logger）
func InitLogger(cfg *Config) error {
	if err := configureLogger(logrus.StandardLogger(), cfg.Log); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"level":  cfg.Log.Level,
		"format": cfg.Log.Format,
		"output": cfg.Log.Output,
	}).Info("logger initialized")
	return nil
}

func configureLogger(logger *logrus.Logger, lc LogConfig) error {
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		logger.Warnf("Invalid log level '%s', using 'info'", lc.Level)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.ToLower(lc.Format) == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: logTimestampFormat,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: logTimestampFormat})
	}

	out, err := logOutput(lc)
	if err != nil {
		return err
	}
	logger.SetOutput(out)
	logger.SetReportCaller(level >= logrus.DebugLevel)
	return nil
}

func logOutput(lc LogConfig) (io.Writer, error) {
	switch strings.ToLower(lc.Output) {
	case "file":
		return rotatingFile(lc)
	case "both":
		w, err := rotatingFile(lc)
		if err != nil {
			return nil, err
		}
		return io.MultiWriter(os.Stdout, w), nil
	default:
		return os.Stdout, nil
	}
}

// rotatingFile 使用 lumberjack 做日志轮转
func rotatingFile(lc LogConfig) (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(lc.FilePath), 0o755); err != nil {
		return nil, err
	}
	return &lumberjack.Logger{
		Filename:   lc.FilePath,
		MaxSize:    lc.MaxSize,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAge,
		Compress:   lc.Compress,
		LocalTime:  true,
	}, nil
}
