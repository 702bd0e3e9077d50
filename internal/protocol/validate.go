package protocol

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxChatBytes = 4096 // 4KB max frame size
	MaxChatChars = 2000 // max character count
)

// ValidateChatText checks that an outbound chat message meets content
// requirements before it is framed and sent.
func ValidateChatText(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("chat text is empty")
	}
	if len(text) > MaxChatBytes {
		return fmt.Errorf("chat text exceeds %d byte limit", MaxChatBytes)
	}
	if utf8.RuneCountInString(text) > MaxChatChars {
		return fmt.Errorf("chat text exceeds %d character limit", MaxChatChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("chat text contains invalid UTF-8")
	}
	return nil
}
