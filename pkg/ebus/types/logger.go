package types

// Logger is threaded by constructor injection into every bus component,
// the same way the teacher threads its own types.Logger into Unity, Peer,
// Deliver and ReliableTransport.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	ToggleDebug(value bool) bool
}
