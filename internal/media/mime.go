package media

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var extMIME = map[string]string{
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".opus": "audio/ogg",
}

// FormatMIME is the Content-Type for a stream format ("mp3", "ogg").
func FormatMIME(format string) string {
	if m, ok := extMIME["."+strings.ToLower(strings.TrimPrefix(format, "."))]; ok {
		return m
	}
	return "application/octet-stream"
}

// MIME returns the audio type of path, by extension first, then by sniffing
// the content.
func MIME(path string) string {
	if m, ok := extMIME[strings.ToLower(filepath.Ext(path))]; ok {
		return m
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return ""
	}
	return mt.String()
}

// IsAudio reports whether path looks like an audio file.
func IsAudio(path string) bool {
	m := MIME(path)
	return strings.HasPrefix(m, "audio/") || m == "application/ogg"
}

// MatchesFormat reports whether path has the extension of format,
// case-insensitively. "ogg" also matches .oga and .opus.
func MatchesFormat(path, format string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	format = strings.ToLower(format)
	if ext == format {
		return true
	}
	return format == "ogg" && (ext == "oga" || ext == "opus")
}

// FolderContainsMusic reports whether dir directly holds at least one
// non-hidden audio file.
func FolderContainsMusic(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if IsAudio(filepath.Join(dir, e.Name())) {
			return true
		}
	}
	return false
}
