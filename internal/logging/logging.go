// Package logging provides the shared logger used by all scandog components.
//
// Components obtain a named logger via Get and attach structured key/value
// pairs instead of formatting messages themselves:
//
//	logger := logging.Get("scheduler")
//	logger.Info("chunk dispatched", "path", chunk.Path, "size", chunk.Size)
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var (
	mu   sync.Mutex
	base = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})
)

// Init sets the global log level. Valid levels: debug, info, warn, error.
func Init(level string) error {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(level) {
	case "debug":
		base.SetLevel(log.DebugLevel)
	case "info", "":
		base.SetLevel(log.InfoLevel)
	case "warn", "warning":
		base.SetLevel(log.WarnLevel)
	case "error":
		base.SetLevel(log.ErrorLevel)
	default:
		return fmt.Errorf("invalid log level %q", level)
	}
	return nil
}

// Get returns a logger tagged with the given component name.
func Get(component string) *log.Logger {
	mu.Lock()
	defer mu.Unlock()
	return base.With("component", component)
}
