package cohort

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cortexmind/internal/models"
	"cortexmind/pkg/similarity"
)

// OutputCheck is the verification result of one output file
type OutputCheck struct {
	Subject models.SubjectID
	Path    string
	Regions int
	Err     error
}

// VerifyOutputs checks every file in dir whose name matches template
// ({id} standing for the subject id): the table must parse, be square,
// carry the same labels on rows and columns and hold finite values only.
func VerifyOutputs(dir, template string) ([]OutputCheck, error) {
	prefix, suffix, ok := strings.Cut(filepath.Base(template), "{id}")
	if !ok {
		return nil, fmt.Errorf("output template %q has no {id}", template)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing outputs: %w", err)
	}

	var checks []OutputCheck
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		if len(name) <= len(prefix)+len(suffix) {
			continue
		}
		id := models.SubjectID(name[len(prefix) : len(name)-len(suffix)])
		check := OutputCheck{Subject: id, Path: filepath.Join(dir, name)}

		m, err := readMatrix(check.Path)
		if err != nil {
			check.Err = err
		} else {
			check.Regions = m.Size()
		}
		checks = append(checks, check)
	}
	return checks, nil
}

func readMatrix(path string) (*similarity.Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return similarity.ReadCSV(f)
}
