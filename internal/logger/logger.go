// Package logger
// Author: momentics <momentics@gmail.com>
//
// Named structured loggers for every component. The default sink is stdr
// writing through the standard library logger; applications may install
// their own logr.Logger with ReplaceLogger.

package logger

import (
	"log"
	"os"
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

var (
	mu   sync.RWMutex
	root = newDefault()
)

func newDefault() logr.Logger {
	if !envBool(envLogEnable, true) {
		return logr.Discard()
	}
	stdr.SetVerbosity(envInt(envLogLevel, 0))
	return stdr.New(log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds))
}

// ReplaceLogger installs l as the root logger for components created afterwards.
func ReplaceLogger(l logr.Logger) {
	mu.Lock()
	root = l
	mu.Unlock()
}

// GetLogger returns the root logger scoped to name.
func GetLogger(name string) logr.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.WithName(name)
}
