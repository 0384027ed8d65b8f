package stomp

import (
	"bufio"
	"bytes"
	"testing"
)

func TestCodecEncodeDecodeRoundTrip(t *testing.T) {
	codec := NewCodec(DefaultCodecLimits())
	frame := NewFrame(CmdSend).
		WithHeader(HeaderDestination, "/queue/a:b").
		WithHeader("custom", "line1\nline2").
		WithBody([]byte("Hello"))

	var buf bytes.Buffer
	if err := codec.Encode(&buf, frame); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := codec.Decode(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Command != CmdSend {
		t.Fatalf("unexpected command: %s", decoded.Command)
	}
	if dest, _ := decoded.Headers.Get(HeaderDestination); dest != "/queue/a:b" {
		t.Fatalf("unexpected destination: %q", dest)
	}
	if custom, _ := decoded.Headers.Get("custom"); custom != "line1\nline2" {
		t.Fatalf("unexpected custom header: %q", custom)
	}
	if string(decoded.Body) != "Hello" {
		t.Fatalf("unexpected body: %q", decoded.Body)
	}
}

func TestCodecDecodeHeartbeat(t *testing.T) {
	codec := NewCodec(DefaultCodecLimits())
	reader := bufio.NewReader(bytes.NewBufferString("\n"))

	frame, err := codec.Decode(reader)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if frame.Command != CmdHeartbeat {
		t.Fatalf("expected heartbeat pseudo-frame, got %s", frame.Command)
	}
}

func TestCodecEncodeHeartbeat(t *testing.T) {
	codec := NewCodec(DefaultCodecLimits())
	var buf bytes.Buffer
	if err := codec.Encode(&buf, NewFrame(CmdHeartbeat)); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if buf.String() != "\n" {
		t.Fatalf("expected bare newline, got %q", buf.String())
	}
}

func TestCodecDecodeNoContentLengthReadsToNUL(t *testing.T) {
	codec := NewCodec(DefaultCodecLimits())
	raw := "SEND\ndestination:/queue/a\n\nbody-without-length\x00"
	frame, err := codec.Decode(bufio.NewReader(bytes.NewBufferString(raw)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(frame.Body) != "body-without-length" {
		t.Fatalf("unexpected body: %q", frame.Body)
	}
}

func TestCodecRejectsOversizedBody(t *testing.T) {
	codec := NewCodec(CodecLimits{MaxBodyLength: 4, MaxHeaderLength: 1024, MaxHeaders: 16})
	raw := "SEND\ndestination:/queue/a\ncontent-length:10\n\n0123456789\x00"
	_, err := codec.Decode(bufio.NewReader(bytes.NewBufferString(raw)))
	if err == nil {
		t.Fatal("expected oversized body to be rejected")
	}
}

func TestCodecRejectsTooManyHeaders(t *testing.T) {
	codec := NewCodec(CodecLimits{MaxBodyLength: 1024, MaxHeaderLength: 1024, MaxHeaders: 1})
	raw := "SEND\ndestination:/queue/a\nextra:1\n\n\x00"
	_, err := codec.Decode(bufio.NewReader(bytes.NewBufferString(raw)))
	if err == nil {
		t.Fatal("expected too-many-headers to be rejected")
	}
}

func TestHeaderEscapeUnescapeRoundTrip(t *testing.T) {
	original := "a:b\\c\r\nd"
	escaped := escapeHeader(original)
	if escaped == original {
		t.Fatalf("expected escaping to change the value")
	}
	if got := unescapeHeader(escaped); got != original {
		t.Fatalf("round trip mismatch: got %q want %q", got, original)
	}
}
