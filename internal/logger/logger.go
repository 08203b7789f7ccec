package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup builds the agent's root logger.
//
// format "pretty" renders a console log for the technician at the
// device; anything else emits JSON lines for the lab log collector.
// An unknown level falls back to info rather than failing: a typo in
// a kiosk's env file must not keep the exam from starting.
func Setup(level, format string) zerolog.Logger {
	var sink io.Writer = os.Stdout
	if format == "pretty" {
		sink = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.TimeOnly,
		}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	// Component tags on the child loggers identify the source; caller
	// file:line would only add noise on the narrow kiosk console.
	return zerolog.New(sink).With().Timestamp().Logger()
}
