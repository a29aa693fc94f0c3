package streamconv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	anthropicproto "claude-bridge/internal/proto/anthropic"
)

// WriteEvent writes one event in `event: <type>` / `data: <json>` framing.
func WriteEvent(w io.Writer, ev anthropicproto.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b)
	return err
}

// WriteError writes an error event. The stream is left without message_stop
// so clients see it as incomplete.
func WriteError(w io.Writer, errType, message string) error {
	b, err := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: error\ndata: %s\n\n", b)
	return err
}

// Copy pulls events from src and writes them to w, flushing after each one,
// until src returns io.EOF. It returns the number of events written.
func Copy(ctx context.Context, w http.ResponseWriter, src EventSource) (int, error) {
	flusher, _ := w.(http.Flusher)
	n := 0
	for {
		ev, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := WriteEvent(w, ev); err != nil {
			return n, err
		}
		n++
		if flusher != nil {
			flusher.Flush()
		}
	}
}

type prepended struct {
	first *anthropicproto.Event
	src   EventSource
}

// Prepend returns a source that yields first and then everything from src.
// It lets a caller peek at the first event before committing response headers.
func Prepend(first anthropicproto.Event, src EventSource) EventSource {
	return &prepended{first: &first, src: src}
}

func (p *prepended) Next(ctx context.Context) (anthropicproto.Event, error) {
	if p.first != nil {
		ev := *p.first
		p.first = nil
		return ev, nil
	}
	return p.src.Next(ctx)
}
