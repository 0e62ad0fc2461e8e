// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventstream implements the Event Stream Client: it keeps a
// durable subscription to the upstream event channel open (pull mode,
// reconnecting with backoff) or drains one from an inbound streaming
// request (push mode), handing each event to a Tool Dispatcher and
// framing the outcome back onto the wire.
package eventstream

import (
	"bufio"
	"io"
	"strings"
)

// Frame is one decoded server-sent event: an id, an event type, and a
// data payload built from one or more "data:" lines joined by "\n".
type Frame struct {
	ID   string
	Type string
	Data string
}

// frameDecoder reads SSE frames from a stream, one blank-line-terminated
// record at a time.
type frameDecoder struct {
	scanner *bufio.Scanner
}

func newFrameDecoder(r io.Reader) *frameDecoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &frameDecoder{scanner: scanner}
}

// Next reads and returns the next frame. It returns io.EOF once the
// underlying stream is exhausted with no further frame pending.
// Comment-only lines (leading ':') and unrecognized fields are
// ignored, per the SSE field grammar.
func (d *frameDecoder) Next() (Frame, error) {
	var frame Frame
	var data []string
	sawField := false

	for d.scanner.Scan() {
		line := d.scanner.Text()
		if line == "" {
			if sawField {
				frame.Data = strings.Join(data, "\n")
				return frame, nil
			}
			continue // ignore stray blank lines between frames
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		sawField = true

		switch field {
		case "id":
			frame.ID = value
		case "event":
			frame.Type = value
		case "data":
			data = append(data, value)
		}
	}

	if err := d.scanner.Err(); err != nil {
		return Frame{}, err
	}
	if sawField {
		frame.Data = strings.Join(data, "\n")
		return frame, nil
	}
	return Frame{}, io.EOF
}
