package framewalk

import (
	"io"

	"github.com/sirupsen/logrus"
)

// newDiscardLogger returns the logger used when the caller does not supply
// one. Output is discarded; the level is kept at panic so hooks never fire.
func newDiscardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

// debugf logs a component-tagged debug line. The tag identifies the
// component and operation, e.g. "FrameGraph:frameAttached".
func debugf(l *logrus.Logger, tag, format string, args ...any) {
	if l == nil {
		return
	}
	l.WithField("op", tag).Debugf(format, args...)
}

// warnf logs a component-tagged warning.
func warnf(l *logrus.Logger, tag, format string, args ...any) {
	if l == nil {
		return
	}
	l.WithField("op", tag).Warnf(format, args...)
}
