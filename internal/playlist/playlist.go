// Package playlist rotates a station's media directory and interleaves
// jingles.
package playlist

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"airwave/internal/media"
)

// EmptyPlaylistError is returned when the media source has no playable items.
type EmptyPlaylistError struct {
	Source string
}

func (e *EmptyPlaylistError) Error() string {
	return fmt.Sprintf("playlist %s is empty", e.Source)
}

// Item is one scheduled playback.
type Item struct {
	Path   string
	Jingle bool
}

// Options configures a Manager.
type Options struct {
	Source        string
	Format        string
	Shuffle       bool
	JingleDir     string
	JingleShuffle bool
	// Rand drives shuffling; nil uses a time-seeded source.
	Rand *rand.Rand
}

// Manager owns one station's playlist state. It is not safe for concurrent
// use; the station worker goroutine owns it.
type Manager struct {
	opt Options
	rnd *rand.Rand

	list    []string
	last    []string // sorted snapshot from the previous scan
	cursor  int
	added   []string
	rebuilt bool
	scanned bool

	jingles       []string
	jingleCursor  int
	jinglesLoaded bool

	plays int
}

func New(opt Options) *Manager {
	r := opt.Rand
	if r == nil {
		r = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Manager{opt: opt, rnd: r}
}

// Next returns the next item to play. The media source is rescanned on
// every call; a changed directory resets the rotation.
func (m *Manager) Next() (Item, error) {
	scan, err := Scan(m.opt.Source, m.opt.Format)
	if errors.Is(err, fs.ErrNotExist) {
		scan, err = nil, nil
	}
	if err != nil {
		return Item{}, err
	}
	if !m.scanned || !slices.Equal(scan, m.last) {
		if m.scanned {
			m.added = difference(scan, m.last)
		} else {
			m.added = nil
		}
		m.scanned = true
		m.last = scan
		m.list = slices.Clone(scan)
		m.cursor = 0
		if m.opt.Shuffle {
			m.shuffle(m.list)
		}
		m.rebuilt = true
	} else {
		m.added = nil
		m.rebuilt = false
	}

	if len(m.list) == 0 {
		return Item{}, &EmptyPlaylistError{Source: m.opt.Source}
	}

	if j, ok := m.nextJingle(); ok {
		m.plays++
		return Item{Path: j, Jingle: true}, nil
	}

	if m.cursor >= len(m.list) {
		m.cursor = 0
	}
	p := m.list[m.cursor]
	m.cursor = (m.cursor + 1) % len(m.list)
	m.plays++
	return Item{Path: p}, nil
}

// nextJingle returns a jingle when jingles are configured and the
// zero-based play count is even.
func (m *Manager) nextJingle() (string, bool) {
	if strings.TrimSpace(m.opt.JingleDir) == "" || m.plays%2 != 0 {
		return "", false
	}
	if !m.jinglesLoaded {
		m.jinglesLoaded = true
		js, err := Scan(m.opt.JingleDir, m.opt.Format)
		if err == nil {
			m.jingles = js
			if m.opt.JingleShuffle {
				m.shuffle(m.jingles)
			}
		}
	}
	if len(m.jingles) == 0 {
		return "", false
	}
	j := m.jingles[m.jingleCursor]
	m.jingleCursor = (m.jingleCursor + 1) % len(m.jingles)
	return j, true
}

func (m *Manager) shuffle(s []string) {
	m.rnd.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
}

// Added returns the items that appeared in the most recent rescan. It is
// empty after the first scan and whenever nothing changed.
func (m *Manager) Added() []string { return m.added }

// Regenerated returns the new rotation, in play order, when the most recent
// Next rebuilt it (first scan or changed directory), and nil otherwise.
func (m *Manager) Regenerated() []string {
	if !m.rebuilt {
		return nil
	}
	return slices.Clone(m.list)
}

// Len is the number of items in the current rotation.
func (m *Manager) Len() int { return len(m.list) }

// Plays counts items returned so far, jingles included.
func (m *Manager) Plays() int { return m.plays }

// Scan lists media files under root recursively, skipping hidden files and
// directories, matching format case-insensitively. Paths are sorted.
func Scan(root, format string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		name := d.Name()
		if path != root && strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if media.MatchesFormat(name, format) {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	sort.Strings(out)
	return out, nil
}

func difference(a, b []string) []string {
	seen := make(map[string]struct{}, len(b))
	for _, s := range b {
		seen[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}
