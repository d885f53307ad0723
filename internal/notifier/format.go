package notifier

import (
	"fmt"
	"strings"
)

// messageLimit is the number of runes kept before the listen URL is
// appended.
const messageLimit = 113

// NowPlaying is the message announcing the item a station just started.
func NowPlaying(song, artist, shortName string) string {
	return fmt.Sprintf("Now playing: %s #%s #%s", strings.ReplaceAll(song, "_", " "), hashtag(artist), shortName)
}

// NewTrack is the message announcing a file added to a station's media dir.
func NewTrack(song, artist, shortName string) string {
	return fmt.Sprintf("New track ! %s #%s #%s", strings.ReplaceAll(song, "_", " "), hashtag(artist), shortName)
}

func hashtag(s string) string {
	return strings.Join(strings.Fields(s), "")
}

// ParseTags splits a tag list given as "a b", "a,b" or "#a #b".
func ParseTags(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == ';'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimLeft(f, "#")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Compose appends the hashtags, truncates to the message limit and appends
// the listen URL.
func Compose(message string, tags []string, url string) string {
	if len(tags) > 0 {
		message += " #" + strings.Join(tags, " #")
	}
	if r := []rune(message); len(r) > messageLimit {
		message = string(r[:messageLimit])
	}
	if url != "" {
		message += " " + url
	}
	return message
}
