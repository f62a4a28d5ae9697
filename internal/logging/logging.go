package logging

import (
	"io"
	"log/slog"
	"os"
)

// New returns a logger writing through LineHandler to w (or stderr if w is
// nil), tagged with component so every log line from a given subsystem
// (peer, tracker, storage, torrent, engine, ...) is easy to filter.
func New(w io.Writer, component string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	opts := DefaultOptions()
	handler := NewLineHandler(w, &opts)

	return slog.New(handler).With("component", component)
}
