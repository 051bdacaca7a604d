package logger

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is a no-op until Init runs, so packages can log from tests without setup.
var Log = zap.NewNop().Sugar()

func Init(isDev bool) {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:          "time",
		LevelKey:         "level",
		NameKey:          "logger",
		MessageKey:       "msg",
		StacktraceKey:    "",
		EncodeTime:       customTimeEncoder,
		EncodeName:       bracketNameEncoder,
		ConsoleSeparator: " ",
	}

	level := zapcore.InfoLevel
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if isDev {
		level = zapcore.DebugLevel
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		level,
	)

	Log = zap.New(core).Sugar()
}

// SetForTest swaps the global logger for the duration of a test,
// typically with zaptest.NewLogger(t).
func SetForTest(t interface{ Cleanup(func()) }, l *zap.Logger) {
	prev := Log
	Log = l.Sugar()
	t.Cleanup(func() { Log = prev })
}

// customTimeEncoder formats time as "2006-01-02 15:04:05" for logs
func customTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05"))
}

func bracketNameEncoder(name string, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + name + "]")
}

func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}

// Named returns a component logger, e.g. logger.Named("worker").
func Named(name string) *zap.SugaredLogger { return Log.Named(name) }

// Convenience methods
func Info(args ...interface{})                    { Log.Info(args...) }
func Infof(template string, args ...interface{})  { Log.Infof(template, args...) }
func Infow(msg string, kv ...interface{})         { Log.Infow(msg, kv...) }
func Error(args ...interface{})                   { Log.Error(args...) }
func Errorf(template string, args ...interface{}) { Log.Errorf(template, args...) }
func Errorw(msg string, kv ...interface{})        { Log.Errorw(msg, kv...) }
func Debug(args ...interface{})                   { Log.Debug(args...) }
func Debugf(template string, args ...interface{}) { Log.Debugf(template, args...) }
func Debugw(msg string, kv ...interface{})        { Log.Debugw(msg, kv...) }
func Warn(args ...interface{})                    { Log.Warn(args...) }
func Warnf(template string, args ...interface{})  { Log.Warnf(template, args...) }
func Warnw(msg string, kv ...interface{})         { Log.Warnw(msg, kv...) }
func Fatal(args ...interface{})                   { Log.Fatal(args...); os.Exit(1) }
func Fatalf(template string, args ...interface{}) { Log.Fatalf(template, args...); os.Exit(1) }
