// Package xlog constructs per-component loggers with a bracketed prefix,
// matching the teacher's log.New(os.Stdout, "[KEY-ROTATION] ",
// log.Ldate|log.Ltime|log.LUTC) convention throughout
// internal/security/keyrotation.go and internal/config/config.go.
package xlog

import (
	"log"
	"os"
)

// New returns a logger prefixed with "[component] " writing to stdout with
// UTC date/time, stamps.
func New(component string) *log.Logger {
	return log.New(os.Stdout, "["+component+"] ", log.Ldate|log.Ltime|log.LUTC)
}
