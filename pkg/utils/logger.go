package utils

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logger.go - структурированное логирование на базе zap
//
// Единая точка настройки логирования для обоих процессов
// (торгового и супервизора). Формат выбирается полем Format:
// json (по умолчанию) или консольный text.

// LogConfig - конфигурация логгера
type LogConfig struct {
	// Level - уровень логирования: debug, info, warn, error, fatal
	Level string

	// Format - формат вывода: json или text
	Format string

	// Output - путь к файлу вывода, пусто = stderr
	Output string

	// Development - режим разработки (цветные уровни в text формате,
	// zap.Development: DPanic паникует)
	Development bool
}

// Logger оборачивает zap.Logger с доменными помощниками
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
}

// InitLogger создаёт и настраивает логгер
//
// При невозможности открыть файл вывода откатывается на stderr,
// не паникует.
func InitLogger(cfg LogConfig) *Logger {
	level := parseLevel(cfg.Level)

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Format) == "text" {
		if cfg.Development {
			encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	sink := zapcore.AddSync(os.Stderr)
	if cfg.Output != "" {
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			sink = zapcore.AddSync(f)
		}
		// При ошибке остаёмся на stderr
	}

	core := zapcore.NewCore(encoder, sink, level)

	opts := []zap.Option{zap.AddCaller()}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	zl := zap.New(core, opts...)
	return &Logger{
		Logger: zl,
		sugar:  zl.Sugar(),
	}
}

// parseLevel преобразует строковый уровень в zapcore.Level
// Неизвестные значения дают info
func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ============================================================
// Глобальный логгер
// ============================================================

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// InitGlobalLogger инициализирует глобальный логгер
func InitGlobalLogger(cfg LogConfig) *Logger {
	logger := InitLogger(cfg)
	SetGlobalLogger(logger)
	return logger
}

// SetGlobalLogger устанавливает глобальный логгер
func SetGlobalLogger(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// GetGlobalLogger возвращает глобальный логгер,
// создавая логгер по умолчанию при первом обращении
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{Level: "info", Format: "json"})
	}
	return globalLogger
}

// L - короткий доступ к глобальному логгеру
func L() *Logger {
	return GetGlobalLogger()
}

// ============================================================
// Методы Logger
// ============================================================

// With возвращает новый логгер с добавленными полями
func (l *Logger) With(fields ...zap.Field) *Logger {
	zl := l.Logger.With(fields...)
	return &Logger{Logger: zl, sugar: zl.Sugar()}
}

// WithComponent добавляет имя компонента (engine, reconciler, supervisor...)
func (l *Logger) WithComponent(name string) *Logger {
	return l.With(zap.String("component", name))
}

// WithRole добавляет роль процесса (trading, supervisor)
func (l *Logger) WithRole(role string) *Logger {
	return l.With(zap.String("role", role))
}

// WithSymbol добавляет торговый символ
func (l *Logger) WithSymbol(symbol string) *Logger {
	return l.With(zap.String("symbol", symbol))
}

// WithOrderID добавляет идентификатор ордера
func (l *Logger) WithOrderID(id string) *Logger {
	return l.With(zap.String("order_id", id))
}

// Sugar возвращает SugaredLogger для printf-стиля
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.sugar
}

// ============================================================
// Глобальные функции логирования
// ============================================================

// Debug логирует через глобальный логгер
func Debug(msg string, fields ...zap.Field) {
	GetGlobalLogger().Debug(msg, fields...)
}

// Info логирует через глобальный логгер
func Info(msg string, fields ...zap.Field) {
	GetGlobalLogger().Info(msg, fields...)
}

// Warn логирует через глобальный логгер
func Warn(msg string, fields ...zap.Field) {
	GetGlobalLogger().Warn(msg, fields...)
}

// Error логирует через глобальный логгер
func Error(msg string, fields ...zap.Field) {
	GetGlobalLogger().Error(msg, fields...)
}

// Fatal логирует и завершает процесс
func Fatal(msg string, fields ...zap.Field) {
	GetGlobalLogger().Fatal(msg, fields...)
}

// Debugf - printf-стиль через глобальный логгер
func Debugf(template string, args ...interface{}) {
	GetGlobalLogger().sugar.Debugf(template, args...)
}

// Infof - printf-стиль через глобальный логгер
func Infof(template string, args ...interface{}) {
	GetGlobalLogger().sugar.Infof(template, args...)
}

// Warnf - printf-стиль через глобальный логгер
func Warnf(template string, args ...interface{}) {
	GetGlobalLogger().sugar.Warnf(template, args...)
}

// Errorf - printf-стиль через глобальный логгер
func Errorf(template string, args ...interface{}) {
	GetGlobalLogger().sugar.Errorf(template, args...)
}

// ============================================================
// Доменные конструкторы полей
// ============================================================

// Symbol - поле торгового символа
func Symbol(s string) zap.Field { return zap.String("symbol", s) }

// OrderID - поле серверного идентификатора ордера
func OrderID(id string) zap.Field { return zap.String("order_id", id) }

// ClientOrderID - поле ключа идемпотентности
func ClientOrderID(id string) zap.Field { return zap.String("client_order_id", id) }

// Side - поле стороны (buy/sell)
func Side(s string) zap.Field { return zap.String("side", s) }

// State - поле состояния ордера
func State(s string) zap.Field { return zap.String("state", s) }

// Qty - поле количества
func Qty(q string) zap.Field { return zap.String("qty", q) }

// Price - поле цены
func Price(p string) zap.Field { return zap.String("price", p) }

// PNL - поле прибыли/убытка
func PNL(v string) zap.Field { return zap.String("pnl", v) }

// Seq - поле номера последовательности
func Seq(n int64) zap.Field { return zap.Int64("seq", n) }

// Channel - поле канала broadcast шины
func Channel(c string) zap.Field { return zap.String("channel", c) }

// Kind - поле типа записи журнала событий
func Kind(k string) zap.Field { return zap.String("kind", k) }

// Role - поле роли процесса
func Role(r string) zap.Field { return zap.String("role", r) }

// Component - поле имени компонента
func Component(c string) zap.Field { return zap.String("component", c) }

// Latency - поле латентности в миллисекундах
func Latency(ms float64) zap.Field { return zap.Float64("latency_ms", ms) }

// Reason - поле причины (halt, kill rule, reject)
func Reason(r string) zap.Field { return zap.String("reason", r) }

// ============================================================
// Переэкспорт стандартных конструкторов zap
// ============================================================

// String - переэкспорт zap.String
func String(key, val string) zap.Field { return zap.String(key, val) }

// Int - переэкспорт zap.Int
func Int(key string, val int) zap.Field { return zap.Int(key, val) }

// Int64 - переэкспорт zap.Int64
func Int64(key string, val int64) zap.Field { return zap.Int64(key, val) }

// Float64 - переэкспорт zap.Float64
func Float64(key string, val float64) zap.Field { return zap.Float64(key, val) }

// Bool - переэкспорт zap.Bool
func Bool(key string, val bool) zap.Field { return zap.Bool(key, val) }

// Err - переэкспорт zap.Error
func Err(err error) zap.Field { return zap.Error(err) }

// Any - переэкспорт zap.Any
func Any(key string, val interface{}) zap.Field { return zap.Any(key, val) }

// fieldsToInterface преобразует zap поля в пары ключ-значение
// для sugar-логгера
func fieldsToInterface(fields []zap.Field) []interface{} {
	out := make([]interface{}, 0, len(fields)*2)
	for _, f := range fields {
		var v interface{}
		switch {
		case f.Interface != nil:
			v = f.Interface
		case f.String != "":
			v = f.String
		default:
			v = f.Integer
		}
		out = append(out, f.Key, v)
	}
	return out
}
