// Package feed writes a station's RSS 2.0 metadata feeds into its rss.dir:
//
//	<short>_<format>_current.xml   the item on air
//	<short>_<format>_playlist.xml  the rotation, rewritten when it is rebuilt
//	metadata/<file>.xml            one document per played file
//
// Files are replaced atomically so a web server never serves a partial feed.
package feed

import (
	"encoding/xml"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
	"time"

	"airwave/internal/config"
	"airwave/internal/media"
)

const metadataDir = "metadata"

type rss struct {
	XMLName xml.Name `xml:"rss"`
	Version string   `xml:"version,attr"`
	Channel channel  `xml:"channel"`
}

type channel struct {
	Title         string `xml:"title"`
	Link          string `xml:"link"`
	Description   string `xml:"description"`
	LastBuildDate string `xml:"lastBuildDate"`
	Generator     string `xml:"generator"`
	Items         []item `xml:"item"`
}

type item struct {
	Title       string     `xml:"title"`
	Link        string     `xml:"link"`
	Description string     `xml:"description"`
	Enclosure   *enclosure `xml:"enclosure,omitempty"`
	GUID        guid       `xml:"guid"`
	PubDate     string     `xml:"pubDate"`
}

type enclosure struct {
	URL    string `xml:"url,attr"`
	Length int64  `xml:"length,attr"`
	Type   string `xml:"type,attr"`
}

type guid struct {
	Value       string `xml:",chardata"`
	IsPermaLink bool   `xml:"isPermaLink,attr"`
}

// Writer renders and stores feeds. The zero value is ready to use.
type Writer struct {
	// Now stamps lastBuildDate and the "Next play" column; nil uses time.Now.
	Now func() time.Time
}

// Enabled reports whether the station has a feed directory.
func Enabled(st config.Station) bool { return st.RSS.Dir != "" }

func baseName(st config.Station) string {
	return filepath.Join(st.RSS.Dir, st.Info.ShortName+"_"+st.Media.Format)
}

// CurrentPath is the currently-playing feed of st.
func CurrentPath(st config.Station) string { return baseName(st) + "_current.xml" }

// PlaylistPath is the rotation feed of st.
func PlaylistPath(st config.Station) string { return baseName(st) + "_playlist.xml" }

// MetadataPath is the per-file document for the media file named fileName.
func MetadataPath(st config.Station, fileName string) string {
	return filepath.Join(st.RSS.Dir, metadataDir, fileName+".xml")
}

// Current writes the metadata document of d and the currently-playing feed.
func (w Writer) Current(st config.Station, d media.Descriptor) error {
	if !Enabled(st) {
		return nil
	}
	if d.FileName == "" {
		d.FileName = filepath.Base(d.Path)
	}
	now := w.now()
	items := w.items(st, []media.Descriptor{d}, now)
	if err := write(MetadataPath(st, d.FileName), w.document(st, "", items, now)); err != nil {
		return err
	}
	return write(CurrentPath(st), w.document(st, "(currently playing)", items, now))
}

// Playlist rewrites the rotation feed. Items keep their play order and each
// carries its expected start time, assuming playback begins now.
func (w Writer) Playlist(st config.Station, list []media.Descriptor) error {
	if !Enabled(st) {
		return nil
	}
	now := w.now()
	return write(PlaylistPath(st), w.document(st, "(playlist)", w.items(st, list, now), now))
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w Writer) document(st config.Station, subtitle string, items []item, now time.Time) rss {
	title := strings.Join(strings.Fields(st.Info.Name+" "+st.Info.URL+" "+subtitle), " ")
	return rss{
		Version: "2.0",
		Channel: channel{
			Title:         title,
			Link:          st.Info.URL,
			Description:   st.Info.Description,
			LastBuildDate: now.Format(time.RFC1123Z),
			Generator:     "airwave",
			Items:         items,
		},
	}
}

func (w Writer) items(st config.Station, list []media.Descriptor, now time.Time) []item {
	base := strings.TrimRight(st.Info.URL, "/")
	out := make([]item, 0, len(list))
	at := now
	for _, d := range list {
		name := d.FileName
		if name == "" {
			name = filepath.Base(d.Path)
		}
		it := item{
			Title:       d.Song(),
			Description: describe(st, d, at),
			PubDate:     modTime(d.Path, now).Format(time.RFC1123Z),
		}
		if st.RSS.Enclosure.Bool() {
			it.Link = base + "/media/" + name
			it.Enclosure = &enclosure{URL: it.Link, Length: d.Size, Type: media.MIME(d.Path)}
		} else {
			it.Link = base + "/rss/" + metadataDir + "/" + name + ".xml"
		}
		it.GUID = guid{Value: it.Link, IsPermaLink: true}
		out = append(out, it)
		at = at.Add(d.Duration)
	}
	return out
}

// describe renders the item's metadata as the HTML table feed readers show.
func describe(st config.Station, d media.Descriptor, next time.Time) string {
	var b strings.Builder
	b.WriteString("<table>")
	row := func(k, v string) {
		if v == "" {
			return
		}
		fmt.Fprintf(&b, "<tr><td>%s:   </td><td><b>%s</b></td></tr>", k, html.EscapeString(v))
	}
	row("Title", d.Title)
	row("Artist", d.Artist)
	row("Album", d.Album)
	row("Genre", d.Genre)
	if d.Duration > 0 {
		row("Duration", d.Duration.Truncate(time.Second).String())
	}
	if br := st.Media.Bitrate.Int(); br > 0 {
		row("Bitrate", fmt.Sprintf("%d kbps", br))
	}
	row("Next play", next.Format(time.DateTime))
	b.WriteString("</table>")
	return b.String()
}

func modTime(path string, def time.Time) time.Time {
	fi, err := os.Stat(path)
	if err != nil {
		return def
	}
	return fi.ModTime()
}

func write(path string, doc rss) error {
	b, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("feed %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	buf := append([]byte(xml.Header), b...)
	if err := os.WriteFile(tmp, append(buf, '\n'), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
