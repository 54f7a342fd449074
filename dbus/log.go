package dbus

import "github.com/sirupsen/logrus"

// defaultLogger is used by a Connection or ObjectServer that isn't
// given one explicitly via WithLogger: a stock logrus.Logger writing
// to os.Stderr at InfoLevel. Callers wanting the wire-level Debug and
// Trace lines pass their own logger through WithLogger.
func defaultLogger() *logrus.Logger {
	return logrus.New()
}

// connLogger binds the fields every log line from a Connection or
// ObjectServer carries in common.
type connLogger struct {
	*logrus.Entry
}

func newConnLogger(base *logrus.Logger, name string) *connLogger {
	return &connLogger{Entry: base.WithField("conn", name)}
}

func (l *connLogger) forMessage(m *Message) *logrus.Entry {
	return l.WithFields(logrus.Fields{
		"serial":    m.Serial,
		"type":      m.Type.String(),
		"path":      m.Path,
		"interface": m.Interface,
		"member":    m.Member,
	})
}
