package kv

import (
	"io"
	"log/slog"
)

// LevelAlert marks conditions that indicate a bug somewhere but must not
// stop the automaton.
const LevelAlert = slog.LevelError + 4

func NewJSONLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key != slog.LevelKey {
				return a
			}
			if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelAlert {
				a.Value = slog.StringValue("ALERT")
			}
			return a
		},
	}))
}
