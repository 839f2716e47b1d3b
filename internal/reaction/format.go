// Package reaction parses reaction annotations and pairs them with the
// messages they refer to, in whichever order the two arrive.
package reaction

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
	"unicode/utf8"
)

// HashLen is the number of hex characters of the target hash carried in a
// reaction.
const HashLen = 8

const maxEmojiRunes = 8

// Reaction is a parsed annotation of the form "<emoji>@[<sender>]#<hash8>".
type Reaction struct {
	Emoji        string
	TargetSender string
	TargetHash   string
}

// ContentHash returns the hex SHA-256 of a message text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ShortHash returns the prefix of ContentHash carried in reactions.
func ShortHash(text string) string {
	return ContentHash(text)[:HashLen]
}

// Format builds the annotation text reacting with emoji to targetText sent
// by targetSender.
func Format(emoji, targetSender, targetText string) string {
	return emoji + "@[" + targetSender + "]#" + ShortHash(targetText)
}

// Parse recognizes a reaction annotation. Ordinary text returns false.
func Parse(text string) (Reaction, bool) {
	at := strings.Index(text, "@[")
	if at <= 0 {
		return Reaction{}, false
	}
	emoji := text[:at]
	if !isEmoji(emoji) {
		return Reaction{}, false
	}

	rest := text[at+2:]
	end := strings.LastIndex(rest, "]#")
	if end < 0 {
		return Reaction{}, false
	}
	sender, hash := rest[:end], rest[end+2:]
	if sender == "" || !isShortHash(hash) {
		return Reaction{}, false
	}
	return Reaction{Emoji: emoji, TargetSender: sender, TargetHash: hash}, true
}

func isEmoji(s string) bool {
	if utf8.RuneCountInString(s) > maxEmojiRunes {
		return false
	}
	for _, r := range s {
		if r < utf8.RuneSelf || unicode.IsSpace(r) || unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func isShortHash(s string) bool {
	if len(s) != HashLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
