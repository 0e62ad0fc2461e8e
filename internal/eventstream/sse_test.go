// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package eventstream

import (
	"io"
	"strings"
	"testing"
)

func TestFrameDecoderParsesIDTypeAndData(t *testing.T) {
	dec := newFrameDecoder(strings.NewReader("id: 1\nevent: message\ndata: {\"a\":1}\n\n"))
	f, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if f.ID != "1" || f.Type != "message" || f.Data != `{"a":1}` {
		t.Fatalf("frame = %+v, want id=1 type=message data={\"a\":1}", f)
	}
	if _, err := dec.Next(); err != io.EOF {
		t.Fatalf("second Next err = %v, want io.EOF", err)
	}
}

func TestFrameDecoderJoinsMultilineData(t *testing.T) {
	dec := newFrameDecoder(strings.NewReader("data: line1\ndata: line2\n\n"))
	f, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if f.Data != "line1\nline2" {
		t.Fatalf("Data = %q, want line1\\nline2", f.Data)
	}
}

func TestFrameDecoderSkipsCommentLines(t *testing.T) {
	dec := newFrameDecoder(strings.NewReader(": keepalive comment\nid: 2\ndata: x\n\n"))
	f, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if f.ID != "2" || f.Data != "x" {
		t.Fatalf("frame = %+v, want id=2 data=x", f)
	}
}

func TestFrameDecoderHandlesMultipleFrames(t *testing.T) {
	dec := newFrameDecoder(strings.NewReader("id: 1\ndata: a\n\nid: 2\ndata: b\n\n"))
	first, err := dec.Next()
	if err != nil || first.ID != "1" {
		t.Fatalf("first frame = %+v err=%v, want id=1", first, err)
	}
	second, err := dec.Next()
	if err != nil || second.ID != "2" {
		t.Fatalf("second frame = %+v err=%v, want id=2", second, err)
	}
	if _, err := dec.Next(); err != io.EOF {
		t.Fatalf("third Next err = %v, want io.EOF", err)
	}
}

func TestFrameDecoderReturnsEOFOnEmptyInput(t *testing.T) {
	dec := newFrameDecoder(strings.NewReader(""))
	if _, err := dec.Next(); err != io.EOF {
		t.Fatalf("Next err = %v, want io.EOF", err)
	}
}

func TestFrameDecoderHandlesTrailingFrameWithoutBlankLine(t *testing.T) {
	dec := newFrameDecoder(strings.NewReader("id: 1\ndata: a"))
	f, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if f.ID != "1" || f.Data != "a" {
		t.Fatalf("frame = %+v, want id=1 data=a", f)
	}
}
