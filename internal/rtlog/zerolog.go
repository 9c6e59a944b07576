package rtlog

import "github.com/rs/zerolog"

// ZerologAdapter bridges this package's Logger interface to a
// github.com/rs/zerolog.Logger, so callers can wire the runtime's
// logging into whatever zerolog sink their process already uses.
type ZerologAdapter struct {
	backend zerolog.Logger
}

// NewZerologAdapter wraps backend as a Logger.
func NewZerologAdapter(backend zerolog.Logger) *ZerologAdapter {
	return &ZerologAdapter{backend: backend}
}

func (z *ZerologAdapter) Enabled(l Level) bool {
	return z.backend.GetLevel() <= levelToZerolog(l)
}

func (z *ZerologAdapter) Log(e Entry) {
	ev := z.backend.WithLevel(levelToZerolog(e.Level)).
		Str("category", string(e.Category)).
		Int("fd", e.FD)
	if e.TimerID != 0 {
		ev = ev.Uint64("timer_id", e.TimerID)
	}
	if e.FiberID != 0 {
		ev = ev.Uint64("fiber_id", e.FiberID)
	}
	if e.Err != nil {
		ev = ev.Err(e.Err)
	}
	ev.Msg(e.Message)
}

func levelToZerolog(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
