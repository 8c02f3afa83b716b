package observe

import (
	"io"
	"log/slog"

	"github.com/koscakluka/ema-avs/core/config"
)

// NewLogger builds the text logger an embedding application writes its
// own output with, filtered at the configured level. Package loggers in
// this module go through the OpenTelemetry log bridge instead.
func NewLogger(w io.Writer, level config.LogLevel) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level.Level()}))
}
