// Package klog is the kernel's structured logger. The teacher's freestanding
// boot code had nothing but a raw UART and string breadcrumbs
// (uartPuts/printHex64 calls scattered through page.go, exceptions.go,
// mmu.go); a hosted build replaces that wire with zap, keeping the same
// "print a short tag plus a few fields at the point something happens"
// texture.
package klog

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	global *zap.Logger
)

func init() {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fall back to a bare logger rather than leaving `global` nil;
		// a kernel component must always be able to log.
		l = zap.NewNop()
	}
	global = l
}

// SetLogger replaces the global logger, used by cmd/fkernel to apply
// boot-time verbosity configuration.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	global = l
}

func logger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

func Trace(msg string, fields ...zap.Field) { logger().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { logger().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { logger().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { logger().Error(msg, fields...) }

// Panic logs at panic level and unwinds, mirroring the teacher's
// exception handler which panics with the trap frame on an Abort/Reserved
// CPU exception (spec §4.3) rather than trying to recover.
func Panic(msg string, fields ...zap.Field) { logger().Panic(msg, fields...) }

// Sync flushes buffered log entries; call during controlled shutdown.
func Sync() {
	_ = logger().Sync()
}

// Exit mirrors a fatal kernel-internal invariant violation: log then halt
// the process image. Not used for recoverable syscall errors.
func Exit(code int, msg string, fields ...zap.Field) {
	logger().Error(msg, fields...)
	_ = logger().Sync()
	os.Exit(code)
}
