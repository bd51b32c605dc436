package cohort

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cortexmind/internal/models"
)

// Discoverer lists the subjects of a cohort
type Discoverer interface {
	Discover(ctx context.Context) ([]models.SubjectID, error)
}

// DirectoryDiscoverer treats every subdirectory of Root as a subject.
// Stray directories are included; they end up skipped for missing inputs.
type DirectoryDiscoverer struct {
	Root string
}

// Discover implements Discoverer. Subjects are returned in name order.
func (d DirectoryDiscoverer) Discover(ctx context.Context) ([]models.SubjectID, error) {
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		return nil, fmt.Errorf("listing subjects in %s: %w", d.Root, err)
	}

	var ids []models.SubjectID
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		isDir := e.IsDir()
		if e.Type()&os.ModeSymlink != 0 {
			// Follow links so linked subject directories are found too.
			info, err := os.Stat(filepath.Join(d.Root, e.Name()))
			isDir = err == nil && info.IsDir()
		}
		if isDir {
			ids = append(ids, models.SubjectID(e.Name()))
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ManifestDiscoverer reads subject ids from a text file, one per line.
// Blank lines and lines starting with # are ignored; repeated ids are
// listed once. Ids are not validated here so malformed entries reach the
// pipeline and are reported as missing input.
type ManifestDiscoverer struct {
	Path string
}

// Discover implements Discoverer. Subjects keep manifest order.
func (m ManifestDiscoverer) Discover(ctx context.Context) ([]models.SubjectID, error) {
	f, err := os.Open(m.Path)
	if err != nil {
		return nil, fmt.Errorf("opening manifest: %w", err)
	}
	defer f.Close()

	seen := make(map[string]bool)
	var ids []models.SubjectID
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || seen[line] {
			continue
		}
		seen[line] = true
		ids = append(ids, models.SubjectID(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return ids, nil
}
