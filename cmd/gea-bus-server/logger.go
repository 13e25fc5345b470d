package main

import (
	"log/slog"
	"os"

	"github.com/geabus/bus-server/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "gea-bus-server")
	logging.Set(l)
	return l
}
