package messaging

import (
	"context"
	"time"
)

// MaxMessageLength is the Bot API limit on a single text message, in UTF-16 code units
const MaxMessageLength = 4096

// EventKind distinguishes the inbound messages the service reacts to
type EventKind string

const (
	EventText  EventKind = "text"
	EventVoice EventKind = "voice"
)

// Event is one inbound chat message reduced to what the pipeline needs
type Event struct {
	Kind       EventKind
	ChatID     int64
	MessageID  int
	Text       string
	ReceivedAt time.Time

	// Voice attachment metadata, set for EventVoice
	AttachmentID string
	Duration     int // seconds
	MimeType     string
	FileSize     int
}

// Sender posts and retracts messages in a chat
type Sender interface {
	// Send posts text into chatID, replying to replyTo when it is non-zero,
	// and returns the new message id
	Send(ctx context.Context, chatID int64, replyTo int, text string) (int, error)
	// Delete removes a message previously posted by the bot
	Delete(ctx context.Context, chatID int64, messageID int) error
}

// Source produces inbound events until ctx is done
type Source interface {
	Updates(ctx context.Context) <-chan Event
}

// Handler processes one inbound event
type Handler interface {
	Handle(ctx context.Context, ev Event)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, ev Event)

// Handle calls f(ctx, ev)
func (f HandlerFunc) Handle(ctx context.Context, ev Event) { f(ctx, ev) }

// SplitText breaks text into chunks of at most limit UTF-16 code units,
// never splitting a rune and preferring to break after a newline or space.
func SplitText(text string, limit int) []string {
	if limit <= 0 || utf16Len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	runes := []rune(text)
	for len(runes) > 0 {
		end, units, lastBreak := 0, 0, -1
		for end < len(runes) {
			w := runeUnits(runes[end])
			if units+w > limit {
				break
			}
			units += w
			if runes[end] == '\n' || runes[end] == ' ' {
				lastBreak = end + 1
			}
			end++
		}
		if end < len(runes) && lastBreak > 0 {
			end = lastBreak
		}
		if end == 0 {
			end = 1
		}
		chunks = append(chunks, string(runes[:end]))
		runes = runes[end:]
	}
	return chunks
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += runeUnits(r)
	}
	return n
}

func runeUnits(r rune) int {
	if r >= 0x10000 {
		return 2
	}
	return 1
}
