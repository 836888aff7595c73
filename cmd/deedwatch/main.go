package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"deedwatch/cmd/deedwatch/commands"
	"deedwatch/lib/serviceutil"
)

func main() {
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)

	commands.ExecuteContext(serviceutil.SignalContext())
}
