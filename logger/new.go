// Package logger builds the logrus logger used by every component: the
// request intake API, dispatcher, scheduler hook, and status dashboard
// each take a *logrus.Entry (or the bare Infof/Warnf/Errorf subset of it)
// rather than splitting between stdlib log and a structured logger.
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logrus entry tagged with component=name, formatted
// according to format ("json" or "text").
func New(name, level, format string) *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	if format == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}

	return log.WithField("component", name)
}
