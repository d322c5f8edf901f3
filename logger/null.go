package logger

// NullLogger discards everything (useful for tests).
type NullLogger struct{}

func Null() *NullLogger { return &NullLogger{} }

func (*NullLogger) Debug(msg string, keyvals ...any) {}
func (*NullLogger) Info(msg string, keyvals ...any)  {}
func (*NullLogger) Error(msg string, keyvals ...any) {}
