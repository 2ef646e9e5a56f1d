package messaging

import (
	"strings"
	"testing"
)

func TestSplitText_ShortTextIsUnchanged(t *testing.T) {
	chunks := SplitText("hello world", MaxMessageLength)
	if len(chunks) != 1 || chunks[0] != "hello world" {
		t.Errorf("Expected a single unchanged chunk, got %q", chunks)
	}
}

func TestSplitText_BreaksOnSpaces(t *testing.T) {
	chunks := SplitText("aaaa bbbb cccc", 10)
	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d: %q", len(chunks), chunks)
	}
	if chunks[0] != "aaaa bbbb " || chunks[1] != "cccc" {
		t.Errorf("Expected split after the last space, got %q", chunks)
	}
	if strings.Join(chunks, "") != "aaaa bbbb cccc" {
		t.Error("Expected chunks to reassemble into the original text")
	}
}

func TestSplitText_HardSplitWithoutSpaces(t *testing.T) {
	text := strings.Repeat("x", 25)
	chunks := SplitText(text, 10)
	if len(chunks) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if utf16Len(c) > 10 {
			t.Errorf("Chunk %d exceeds limit: %d", i, utf16Len(c))
		}
	}
}

func TestSplitText_RespectsRuneBoundaries(t *testing.T) {
	// Each emoji takes two UTF-16 code units
	text := strings.Repeat("😀", 7)
	chunks := SplitText(text, 5)

	if strings.Join(chunks, "") != text {
		t.Fatal("Expected chunks to reassemble into the original text")
	}
	for i, c := range chunks {
		if utf16Len(c) > 5 {
			t.Errorf("Chunk %d exceeds limit: %d", i, utf16Len(c))
		}
		if !strings.HasPrefix(c, "😀") {
			t.Errorf("Chunk %d starts mid-rune: %q", i, c)
		}
	}
}

func TestSplitText_LongTranscript(t *testing.T) {
	text := strings.Repeat("word ", 2000)
	chunks := SplitText(text, MaxMessageLength)
	if len(chunks) != 3 {
		t.Errorf("Expected 3 chunks for 10000 characters, got %d", len(chunks))
	}
	if strings.Join(chunks, "") != text {
		t.Error("Expected chunks to reassemble into the original text")
	}
}
