package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	// InfoLogger 常规日志实例，输出到stdout和info日志文件
	InfoLogger *logrus.Logger
	// ErrorLogger 错误日志实例，输出到stderr和error日志文件
	ErrorLogger *logrus.Logger
)

// LogConfig 日志配置
type LogConfig struct {
	ErrorLogPath string
	InfoLogPath  string
	LogLevel     string
}

// engineFormatter 存储引擎日志格式化器
//
// 每行形如 [时间] [级别] (文件:函数:行号) 消息。
type engineFormatter struct{}

// Format 实现 logrus.Formatter 接口
func (f *engineFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	timestamp := entry.Time.Format("15:04:05 MST 2006/01/02")

	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}

	logMsg := fmt.Sprintf("[%s] [%s] (%s) %s\n",
		timestamp,
		level,
		callSite(),
		entry.Message)
	return []byte(logMsg), nil
}

// callSite 找到日志调用发生的位置
func callSite() string {
	// 跳过logrus和本包自身的栈帧
	for i := 2; i < 20; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "sirupsen") ||
			strings.Contains(file, "logger/logger.go") {
			continue
		}
		funcName := runtime.FuncForPC(pc).Name()
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), funcName, line)
	}
	return "unknown:unknown:0"
}

// parseLogLevel 解析日志级别字符串为logrus级别
func parseLogLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// InitLogger 初始化日志
//
// 日志文件打不开时回退到标准输出，不中断启动。
func InitLogger(config LogConfig) error {
	formatter := &engineFormatter{}
	level := parseLogLevel(config.LogLevel)

	InfoLogger = logrus.New()
	InfoLogger.SetLevel(level)
	InfoLogger.SetFormatter(formatter)
	InfoLogger.SetOutput(logOutput(config.InfoLogPath, os.Stdout, InfoLogger))

	ErrorLogger = logrus.New()
	ErrorLogger.SetLevel(level)
	ErrorLogger.SetFormatter(formatter)
	ErrorLogger.SetOutput(logOutput(config.ErrorLogPath, os.Stderr, ErrorLogger))

	return nil
}

// logOutput 组装一个日志器的输出目标
func logOutput(logPath string, console *os.File, l *logrus.Logger) io.Writer {
	if logPath == "" {
		return console
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		l.Warnf("create log dir for %s failed, fallback to console: %v", logPath, err)
		return console
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		l.Warnf("open log file %s failed, fallback to console: %v", logPath, err)
		return console
	}
	return io.MultiWriter(console, f)
}

// Info 记录信息日志
func Info(args ...interface{}) {
	if InfoLogger != nil {
		InfoLogger.Info(args...)
	}
}

// Infof 记录格式化信息日志
func Infof(format string, args ...interface{}) {
	if InfoLogger != nil {
		InfoLogger.Infof(format, args...)
	}
}

// Debugf 记录格式化调试日志
func Debugf(format string, args ...interface{}) {
	if InfoLogger != nil {
		InfoLogger.Debugf(format, args...)
	}
}

// Warnf 记录格式化警告日志
func Warnf(format string, args ...interface{}) {
	if InfoLogger != nil {
		InfoLogger.Warnf(format, args...)
	}
}

// Errorf 记录格式化错误日志
func Errorf(format string, args ...interface{}) {
	if ErrorLogger != nil {
		ErrorLogger.Errorf(format, args...)
	}
}
