// Package logging builds the shared zap.Logger used by every binary
// (rendezvous server, registrant, agent), generalizing the teacher's
// utils/log.go: a JSON file core backed by lumberjack rotation, plus — new
// here, since a relay binary commonly runs in a foreground/systemd context
// rather than purely as a log-to-disk daemon — a human-readable console
// core, generalizing the teacher's commented-out "consoles" core instead
// of leaving it unused.
package logging

import (
	"os"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures logger construction. The zero value logs at info
// level to stdout only.
type Options struct {
	Level    string // debug|info|warn|error|dpanic|panic|fatal
	FilePath string // empty disables the rotating file sink
	Console  bool   // also log to stdout; forced on when FilePath is empty
}

var levelMap = map[string]zapcore.Level{
	"debug":  zapcore.DebugLevel,
	"info":   zapcore.InfoLevel,
	"warn":   zapcore.WarnLevel,
	"error":  zapcore.ErrorLevel,
	"dpanic": zapcore.DPanicLevel,
	"panic":  zapcore.PanicLevel,
	"fatal":  zapcore.FatalLevel,
}

// New builds a *zap.Logger per opts.
func New(opts Options) *zap.Logger {
	level, ok := levelMap[opts.Level]
	if !ok {
		level = zapcore.InfoLevel
	}
	enabler := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool { return lvl >= level })

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     timeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var cores []zapcore.Core
	if opts.FilePath != "" {
		hook := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    1024,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(hook), enabler))
	}
	if opts.Console || opts.FilePath == "" {
		consoleEncoderConfig := encoderConfig
		consoleEncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderConfig)
		cores = append(cores, zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), enabler))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}
