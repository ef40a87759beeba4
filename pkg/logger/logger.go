package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 封装zerolog，负责控制台与文件双路输出
type Logger struct {
	logger zerolog.Logger
}

// New 初始化日志系统；logFile为空时仅输出到控制台
func New(debug bool, logFile string) *Logger {
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	var multi zerolog.LevelWriter
	if logFile != "" {
		// 使用lumberjack进行日志轮转
		fileWriter := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		multi = zerolog.MultiLevelWriter(consoleWriter, fileWriter)
	} else {
		multi = zerolog.MultiLevelWriter(consoleWriter)
	}

	l := &Logger{}
	l.logger = zerolog.New(multi).
		With().
		Timestamp().
		Caller().
		Logger()

	// 设置全局logger
	log.Logger = l.logger

	return l
}

// Base 返回不带组件名的根logger
func (l *Logger) Base() zerolog.Logger {
	return l.logger
}

// GetLogger 返回带组件名的子logger
func (l *Logger) GetLogger(component string) zerolog.Logger {
	return l.logger.With().
		Str("component", component).
		Logger()
}
