// Package logger provides named, leveled loggers for the components of the
// peer subsystem, wrapping github.com/cenkalti/log.
package logger

import (
	"github.com/cenkalti/log"
)

// Logger is a named logger. Every component constructs its own so log lines
// can be traced back to the torrent, peer or subsystem that produced them.
type Logger struct {
	name string
}

// New returns a Logger prefixing every line with name.
func New(name string) Logger {
	return Logger{name: name}
}

func (l Logger) prefix(args []interface{}) []interface{} {
	return append([]interface{}{l.name + ":"}, args...)
}

func (l Logger) Debug(args ...interface{})            { log.Debug(l.prefix(args)...) }
func (l Logger) Debugln(args ...interface{})          { log.Debug(l.prefix(args)...) }
func (l Logger) Debugf(format string, args ...interface{}) { log.Debugf(l.name+": "+format, args...) }

func (l Logger) Info(args ...interface{})              { log.Info(l.prefix(args)...) }
func (l Logger) Infoln(args ...interface{})            { log.Info(l.prefix(args)...) }
func (l Logger) Infof(format string, args ...interface{}) { log.Infof(l.name+": "+format, args...) }

func (l Logger) Warning(args ...interface{})              { log.Warning(l.prefix(args)...) }
func (l Logger) Warningln(args ...interface{})            { log.Warning(l.prefix(args)...) }
func (l Logger) Warningf(format string, args ...interface{}) { log.Warningf(l.name+": "+format, args...) }

func (l Logger) Error(args ...interface{})              { log.Error(l.prefix(args)...) }
func (l Logger) Errorln(args ...interface{})            { log.Error(l.prefix(args)...) }
func (l Logger) Errorf(format string, args ...interface{}) { log.Errorf(l.name+": "+format, args...) }
