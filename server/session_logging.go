package server

import (
	"net"

	"github.com/sendlix/smtp-relay/logger"
)

// SessionLogger adds the connection context to every session log line.
type SessionLogger struct {
	Protocol   string
	ServerName string
	ClientConn net.Conn
	SessionID  string
	Category   string
	Debug      bool
}

type logFunc func(msg string, keysAndValues ...any)

func (l *SessionLogger) log(logFn logFunc, msg string, keysAndValues ...any) {
	remoteAddr := GetAddrString(l.ClientConn.RemoteAddr())

	allKeyvals := []any{"proto", l.Protocol, "name", l.ServerName, "remote", remoteAddr, "session", l.SessionID}

	// Only set once the client authenticated with a category tag
	if l.Category != "" {
		allKeyvals = append(allKeyvals, "category", l.Category)
	}

	allKeyvals = append(allKeyvals, keysAndValues...)
	logFn(msg, allKeyvals...)
}

func (l *SessionLogger) InfoLog(msg string, keysAndValues ...any) {
	l.log(logger.Info, msg, keysAndValues...)
}

// DebugLog is a no-op unless the server runs with debug enabled.
func (l *SessionLogger) DebugLog(msg string, keysAndValues ...any) {
	if l.Debug {
		l.log(logger.Debug, msg, keysAndValues...)
	}
}

func (l *SessionLogger) WarnLog(msg string, keysAndValues ...any) {
	l.log(logger.Warn, msg, keysAndValues...)
}
