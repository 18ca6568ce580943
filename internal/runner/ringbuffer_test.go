package runner

import (
	"bytes"
	"strings"
	"testing"
)

func TestRingBuffer_NoOverflow(t *testing.T) {
	b := NewRingBuffer(16)
	_, _ = b.Write([]byte("hello "))
	_, _ = b.Write([]byte("world"))
	if got := string(b.Report()); got != "hello world" {
		t.Errorf("Report() = %q, want %q", got, "hello world")
	}
	if b.Truncated() {
		t.Error("Truncated() = true, want false")
	}
}

func TestRingBuffer_EvictsOldest(t *testing.T) {
	b := NewRingBuffer(8)
	_, _ = b.Write([]byte("abcdef"))
	_, _ = b.Write([]byte("ghij"))
	if got := string(b.Bytes()); got != "cdefghij" {
		t.Errorf("Bytes() = %q, want %q", got, "cdefghij")
	}
	if b.Evicted() != 2 {
		t.Errorf("Evicted() = %d, want 2", b.Evicted())
	}
	want := "[... 2 bytes truncated ...]\ncdefghij"
	if got := string(b.Report()); got != want {
		t.Errorf("Report() = %q, want %q", got, want)
	}
}

func TestRingBuffer_WriteLargerThanCapacity(t *testing.T) {
	b := NewRingBuffer(4)
	_, _ = b.Write([]byte("xy"))
	_, _ = b.Write([]byte("0123456789"))
	if got := string(b.Bytes()); got != "6789" {
		t.Errorf("Bytes() = %q, want %q", got, "6789")
	}
	if b.Evicted() != 8 {
		t.Errorf("Evicted() = %d, want 8", b.Evicted())
	}
}

func TestRingBuffer_NeverExceedsCapacity(t *testing.T) {
	const capacity = 37
	b := NewRingBuffer(capacity)
	var all bytes.Buffer
	for i := range 500 {
		chunk := []byte(strings.Repeat(string(rune('a'+i%26)), i%11+1))
		_, _ = b.Write(chunk)
		all.Write(chunk)
		if b.Len() > capacity {
			t.Fatalf("Len() = %d exceeds capacity %d", b.Len(), capacity)
		}
	}
	tail := all.Bytes()[all.Len()-capacity:]
	if !bytes.Equal(b.Bytes(), tail) {
		t.Errorf("retained bytes differ from stream tail")
	}
	if b.Evicted() != int64(all.Len()-capacity) {
		t.Errorf("Evicted() = %d, want %d", b.Evicted(), all.Len()-capacity)
	}
}
