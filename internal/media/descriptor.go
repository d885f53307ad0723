package media

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhowden/tag"
)

// Descriptor describes one audio file.
type Descriptor struct {
	Path     string        `json:"path"`
	FileName string        `json:"file_name"`
	Title    string        `json:"title"`
	Artist   string        `json:"artist,omitempty"`
	Album    string        `json:"album,omitempty"`
	Genre    string        `json:"genre,omitempty"`
	Size     int64         `json:"size"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Describe reads tags from path. Missing or unreadable tags fall back to
// the file name. bitrateKbps, when positive, estimates the duration.
func Describe(path string, bitrateKbps int) (Descriptor, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Descriptor{}, err
	}
	d := Descriptor{
		Path:     path,
		FileName: filepath.Base(path),
		Size:     fi.Size(),
	}
	if f, err := os.Open(path); err == nil {
		if meta, err := tag.ReadFrom(f); err == nil {
			d.Title = strings.TrimSpace(meta.Title())
			d.Artist = strings.TrimSpace(meta.Artist())
			d.Album = strings.TrimSpace(meta.Album())
			d.Genre = strings.TrimSpace(meta.Genre())
		}
		_ = f.Close()
	}
	if d.Title == "" {
		d.Title = FileTitle(path)
	}
	if bitrateKbps > 0 {
		d.Duration = time.Duration(float64(d.Size*8) / float64(bitrateKbps*1000) * float64(time.Second))
	}
	return d, nil
}

// FileTitle is the file name without its extension.
func FileTitle(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Song is the display string for metadata updates: "artist : title" when
// both are known, else the title with underscores as spaces.
func (d Descriptor) Song() string {
	if d.Artist != "" && d.Title != "" {
		return d.Artist + " : " + d.Title
	}
	return strings.ReplaceAll(d.Title, "_", " ")
}
