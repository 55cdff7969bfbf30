package kfmt

// Level selects the verbosity of the kernel log.
type Level uint8

// The supported log levels in increasing order of severity.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

	logLevel = LevelInfo
)

// String returns the name printed in front of log lines for this level.
func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "UNKNOWN"
}

// ParseLevel maps a level name as passed on the kernel command line
// (debug, info, warn or error) to a Level.
func ParseLevel(name string) (Level, bool) {
	switch name {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn":
		return LevelWarn, true
	case "error":
		return LevelError, true
	}
	return LevelInfo, false
}

// SetLogLevel suppresses all log lines below l.
func SetLogLevel(l Level) {
	logLevel = l
}

// LogLevel returns the active log level.
func LogLevel() Level {
	return logLevel
}

// Logf prints a single line in the form "LEVEL [module] message".
func Logf(l Level, module, format string, args ...interface{}) {
	if l < logLevel {
		return
	}

	Printf("%s [%s] ", l.String(), module)
	Printf(format, args...)
	Printf("\n")
}

// Debugf logs a message at LevelDebug.
func Debugf(module, format string, args ...interface{}) {
	Logf(LevelDebug, module, format, args...)
}

// Infof logs a message at LevelInfo.
func Infof(module, format string, args ...interface{}) {
	Logf(LevelInfo, module, format, args...)
}

// Warnf logs a message at LevelWarn.
func Warnf(module, format string, args ...interface{}) {
	Logf(LevelWarn, module, format, args...)
}

// Errorf logs a message at LevelError.
func Errorf(module, format string, args ...interface{}) {
	Logf(LevelError, module, format, args...)
}
