package miniaudio

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "github.com/koscakluka/ema-avs/core/audio/miniaudio"

var logger = otelslog.NewLogger(scopeName)
