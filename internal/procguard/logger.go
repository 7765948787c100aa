package procguard

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// NewLogger builds the interactive logger every component derives its
// Named() sub-logger from, writing structured output to stderr at the
// given level (spec.md §6: "structured logging, not print statements").
func NewLogger(levelName string) hclog.Logger {
	level := hclog.LevelFromString(levelName)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "procguard",
		Level:      level,
		Output:     os.Stderr,
		JSONFormat: false,
	})
}
