// Package logger — единый вывод логов pidtester с учётом quiet.
package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Quiet при true отключает информационные сообщения (Info, Debug); Warn и Error выводятся всегда.
var Quiet bool

var (
	mu    sync.RWMutex
	level = zap.NewAtomicLevelAt(zap.InfoLevel)
	base  = newLogger()
)

func newLogger() *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.Level = level
	cfg.DisableCaller = true
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.Named("pidtester").Sugar()
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// SetLevel задаёт уровень: debug, info, warn, error. Неизвестная строка — ошибка.
func SetLevel(s string) error {
	lvl, err := zapcore.ParseLevel(s)
	if err != nil {
		return err
	}
	level.SetLevel(lvl)
	return nil
}

// Replace подменяет логгер (тесты); возвращает функцию восстановления
func Replace(l *zap.Logger) (restore func()) {
	mu.Lock()
	prev := base
	base = l.Sugar()
	mu.Unlock()
	return func() {
		mu.Lock()
		base = prev
		mu.Unlock()
	}
}

// Debug — подробности (отброшенные строки, отправленные команды)
func Debug(format string, args ...interface{}) {
	if Quiet {
		return
	}
	get().Debugf(format, args...)
}

// Info выводит сообщение, если Quiet == false.
func Info(format string, args ...interface{}) {
	if Quiet {
		return
	}
	get().Infof(format, args...)
}

// Warn выводит предупреждение всегда.
func Warn(format string, args ...interface{}) {
	get().Warnf(format, args...)
}

// Error выводит сообщение об ошибке всегда.
func Error(format string, args ...interface{}) {
	get().Errorf(format, args...)
}

// Sync сбрасывает буферы перед выходом
func Sync() {
	_ = get().Sync()
}
