package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	"claude-bridge/internal/apierr"
)

const (
	maxLineSize    = 4 << 20
	maxInlineBytes = 64 << 10
)

// Frame is one parsed (event-name, payload) unit.
type Frame struct {
	Event string
	Data  json.RawMessage
}

// Source yields frames one at a time. Next returns io.EOF when the stream is over.
type Source interface {
	Next(ctx context.Context) (Frame, error)
}

type Reader struct {
	sc      *bufio.Scanner
	event   string
	seen    int
	skipped int
	done    bool
	onSkip  func(err error)
}

type ReaderOption func(*Reader)

// WithSkipHook is called for every mid-stream frame dropped as undecodable.
func WithSkipHook(fn func(err error)) ReaderOption {
	return func(r *Reader) { r.onSkip = fn }
}

func NewReader(r io.Reader, opts ...ReaderOption) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	rd := &Reader{sc: sc}
	for _, opt := range opts {
		opt(rd)
	}
	return rd
}

// Skipped reports how many frames were dropped because their payload was not valid JSON.
func (r *Reader) Skipped() int { return r.skipped }

func (r *Reader) Next(ctx context.Context) (Frame, error) {
	for {
		if r.done {
			return Frame{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		if !r.sc.Scan() {
			r.done = true
			if err := r.sc.Err(); err != nil {
				return Frame{}, err
			}
			return Frame{}, io.EOF
		}
		line := strings.TrimRight(r.sc.Text(), "\r")

		switch {
		case line == "", strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "event:"):
			r.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		case strings.HasPrefix(line, "data:"):
			frame, ok, err := r.data(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			if err != nil || ok {
				return frame, err
			}
		case strings.HasPrefix(strings.TrimSpace(line), "{"):
			r.done = true
			return Frame{}, &apierr.InlineError{Body: r.drain(line)}
		}
	}
}

func (r *Reader) data(payload string) (Frame, bool, error) {
	event := r.event
	r.event = ""
	if payload == "" {
		return Frame{}, false, nil
	}
	if payload == "[DONE]" {
		r.done = true
		return Frame{}, false, io.EOF
	}
	idx := r.seen
	r.seen++
	if !gjson.Valid(payload) {
		err := &apierr.FrameDecodeError{Frame: idx, Payload: payload, Err: errors.New("payload is not valid JSON")}
		if idx == 0 {
			r.done = true
			return Frame{}, false, err
		}
		r.skipped++
		if r.onSkip != nil {
			r.onSkip(err)
		}
		return Frame{}, false, nil
	}
	return Frame{Event: event, Data: json.RawMessage(payload)}, true, nil
}

// drain collects the remainder of a bare JSON error body.
func (r *Reader) drain(first string) []byte {
	var buf bytes.Buffer
	buf.WriteString(first)
	for buf.Len() < maxInlineBytes && r.sc.Scan() {
		buf.WriteByte('\n')
		buf.WriteString(strings.TrimRight(r.sc.Text(), "\r"))
	}
	return bytes.TrimSpace(buf.Bytes())
}

// SliceSource replays a fixed list of frames.
type SliceSource struct {
	frames []Frame
	pos    int
}

func Frames(frames ...Frame) *SliceSource {
	return &SliceSource{frames: frames}
}

func (s *SliceSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.pos >= len(s.frames) {
		return Frame{}, io.EOF
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}

// Data builds a frame from a JSON literal; event may be empty.
func Data(event, payload string) Frame {
	return Frame{Event: event, Data: json.RawMessage(payload)}
}
