package adapter

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "genbot/internal/transport"
)

func TestClassifyBlocked(t *testing.T) {
	for _, err := range []error{
		tele.ErrBlockedByUser,
		tele.ErrUserIsDeactivated,
		tele.ErrChatNotFound,
		fmt.Errorf("send: %w", tele.ErrBlockedByUser),
		errors.New("telegram: Forbidden: bot was kicked from the group chat (403)"),
	} {
		if got := classify(err); !kit.IsBlocked(got) {
			t.Fatalf("classify(%v) = %v, want blocked", err, got)
		}
	}
}

func TestClassifyFlood(t *testing.T) {
	got := classify(errors.New("telegram: Too Many Requests: retry after 7 (429)"))
	d, ok := kit.RetryAfter(got)
	if !ok || d != 7*time.Second {
		t.Fatalf("RetryAfter = %s %v", d, ok)
	}
}

func TestClassifyOther(t *testing.T) {
	err := errors.New("telegram: Bad Request: message is too long (400)")
	got := classify(err)
	if kit.IsBlocked(got) {
		t.Fatalf("unexpected blocked")
	}
	if _, ok := kit.RetryAfter(got); ok {
		t.Fatalf("unexpected flood")
	}
	if classify(nil) != nil {
		t.Fatalf("classify(nil) != nil")
	}
}

func TestReplyMarkup(t *testing.T) {
	if replyMarkup(kit.Text("x")) != nil {
		t.Fatalf("plain text should have no markup")
	}
	p := kit.Payload{
		Kind:    kit.PayloadPhoto,
		Button:  &kit.Button{Text: "Open", URL: "https://example.com"},
		Choices: []kit.Choice{{Text: "Yes", Data: "bc:yes"}, {Text: "No", Data: "bc:no"}},
	}
	rm := replyMarkup(p)
	if rm == nil || len(rm.InlineKeyboard) != 2 {
		t.Fatalf("markup = %+v", rm)
	}
	if rm.InlineKeyboard[0][0].URL != "https://example.com" || rm.InlineKeyboard[1][1].Data != "bc:no" {
		t.Fatalf("rows = %+v", rm.InlineKeyboard)
	}
}

func TestMediaSendable(t *testing.T) {
	s, err := mediaSendable(kit.Payload{Kind: kit.PayloadVideo, MediaRef: "https://cdn.example/v.mp4", Text: "cap"})
	if err != nil {
		t.Fatalf("mediaSendable: %v", err)
	}
	v, ok := s.(*tele.Video)
	if !ok || v.FileURL != "https://cdn.example/v.mp4" || v.Caption != "cap" {
		t.Fatalf("video = %+v", s)
	}
	s, _ = mediaSendable(kit.Payload{Kind: kit.PayloadPhoto, MediaRef: "AgACAgIAAxk"})
	if ph := s.(*tele.Photo); ph.FileID != "AgACAgIAAxk" {
		t.Fatalf("photo file id = %q", ph.FileID)
	}
	if _, err := mediaSendable(kit.Payload{Kind: kit.PayloadAudio}); err == nil {
		t.Fatalf("audio without media should fail")
	}
}

func TestSplitTelegramText(t *testing.T) {
	line := strings.Repeat("a", 99) + "\n"
	text := strings.Repeat(line, 100) // 10000 runes
	chunks := splitTelegramText(text, telegramTextLimit, "")
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	for _, c := range chunks {
		if len([]rune(c)) > telegramTextLimit {
			t.Fatalf("chunk too long: %d", len([]rune(c)))
		}
		if strings.HasPrefix(c, "\n") {
			t.Fatalf("chunk starts with newline")
		}
	}
	if got := splitTelegramText("short", telegramTextLimit, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text = %v", got)
	}
}
