package validation

import (
	"strings"
	"testing"
)

func TestValidateRoomID(t *testing.T) {
	tests := []struct {
		name    string
		roomID  string
		wantErr bool
	}{
		{"valid room ID", "r1", false},
		{"valid with dash and underscore", "team_sync-42", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", MaxRoomIDLength+1), true},
		{"space", "room 1", true},
		{"markup", "<b>room</b>", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRoomID(tt.roomID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRoomID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateParticipantID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"uuid", "1b4e28ba-2fa1-11d2-883f-0016d3cca427", false},
		{"short", "b1", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 101), true},
		{"invalid chars", "peer@1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateParticipantID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateParticipantID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDisplayName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"plain", "Alice", false},
		{"markup is allowed before escaping", "<i>Bob</i>", false},
		{"blank", "   ", true},
		{"too long", strings.Repeat("x", 41), true},
		{"invalid utf8", string([]byte{0xff, 0xfe}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDisplayName(tt.input, 40)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDisplayName() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateChatText(t *testing.T) {
	if err := ValidateChatText("hello<script>alert(1)</script>", 1000); err != nil {
		t.Errorf("expected markup chat text to validate, got %v", err)
	}
	if err := ValidateChatText("", 1000); err == nil {
		t.Error("expected error for empty chat text")
	}
	if err := ValidateChatText(strings.Repeat("a", 11), 10); err == nil {
		t.Error("expected error for chat text over the limit")
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid http", "http://example.com", false},
		{"valid ws", "ws://localhost:8080/ws", false},
		{"valid wss", "wss://example.com/ws", false},
		{"empty", "", true},
		{"invalid scheme", "ftp://example.com", true},
		{"no host", "http://", true},
		{"invalid format", "not-a-url", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
