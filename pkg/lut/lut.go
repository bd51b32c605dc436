// Package lut parses FreeSurfer colour lookup tables into the set of
// cortical region labels used for distribution extraction.
package lut

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// DefaultMarker selects the cortical entries of FreeSurferColorLUT.txt
const DefaultMarker = "ctx-"

// Entry is one label of the table
type Entry struct {
	Label int
	Name  string
}

// Table maps integer voxel labels to region names. A Table is immutable
// once built and is safe to share between goroutines.
type Table struct {
	entries []Entry
	byLabel map[int]int
}

// New builds a table from entries. A repeated label keeps its first
// position and takes the last name.
func New(entries []Entry) *Table {
	t := &Table{byLabel: make(map[int]int, len(entries))}
	for _, e := range entries {
		if i, ok := t.byLabel[e.Label]; ok {
			t.entries[i].Name = e.Name
			continue
		}
		t.byLabel[e.Label] = len(t.entries)
		t.entries = append(t.entries, e)
	}
	return t
}

// Len returns the number of labels
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Name returns the region name for a label
func (t *Table) Name(label int) (string, bool) {
	if t == nil {
		return "", false
	}
	i, ok := t.byLabel[label]
	if !ok {
		return "", false
	}
	return t.entries[i].Name, true
}

// Entries returns a copy of the entries in file order
func (t *Table) Entries() []Entry {
	if t == nil {
		return nil
	}
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Options controls which lines of a lookup table are retained
type Options struct {
	// Marker is the substring a name must contain; empty keeps every entry
	Marker string

	// TrimColor drops the four trailing integer colour columns (R G B A)
	// from names. Off by default so names keep every remaining field.
	TrimColor bool
}

// Parse reads the lookup table at path. A missing or unreadable file is
// not an error: it is logged and an empty table is returned so the run
// can continue with no usable regions.
func Parse(path string, opts Options, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}

	f, err := os.Open(path)
	if err != nil {
		logger.Warn("label table not found, continuing with no regions",
			slog.String("path", path), slog.String("error", err.Error()))
		return New(nil)
	}
	defer f.Close()

	t, err := ParseReader(f, opts)
	if err != nil {
		logger.Warn("error reading label table",
			slog.String("path", path), slog.String("error", err.Error()))
		// Keep whatever was read before the failure.
	}
	logger.Debug("label table loaded", slog.String("path", path), slog.Int("labels", t.Len()))
	return t
}

// ParseReader parses a lookup table from r. Malformed lines are skipped.
// The returned table is never nil; on a read error it holds the entries
// parsed so far.
func ParseReader(r io.Reader, opts Options) (*Table, error) {
	var entries []Entry

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if entry, ok := parseLine(line, opts); ok {
			entries = append(entries, entry)
		}
		if err == io.EOF {
			return New(entries), nil
		}
		if err != nil {
			return New(entries), fmt.Errorf("reading label table: %w", err)
		}
	}
}

// parseLine extracts the entry of one table line. Blank, comment and
// malformed lines, and names without the marker, yield false.
func parseLine(line string, opts Options) (Entry, bool) {
	if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
		return Entry{}, false
	}

	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Entry{}, false
	}
	label, err := strconv.Atoi(fields[0])
	if err != nil {
		return Entry{}, false
	}

	nameFields := fields[1:]
	if opts.TrimColor {
		nameFields = trimColor(nameFields)
	}
	name := strings.Join(nameFields, " ")
	if !strings.Contains(name, opts.Marker) {
		return Entry{}, false
	}
	return Entry{Label: label, Name: name}, true
}

// trimColor removes up to four trailing integer fields while keeping at
// least one name token.
func trimColor(fields []string) []string {
	n := len(fields)
	for i := 0; i < 4 && n > 1; i++ {
		if _, err := strconv.Atoi(fields[n-1]); err != nil {
			break
		}
		n--
	}
	return fields[:n]
}
