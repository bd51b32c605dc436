// Package fixtures writes small synthetic subjects to disk for tests.
package fixtures

import (
	"fmt"
	"os"
	"path/filepath"

	"cortexmind/internal/models"
	"cortexmind/pkg/config"
	"cortexmind/pkg/lut"
	"cortexmind/pkg/mgh"
)

// Grid is the edge length of fixture volumes
const Grid = 10

// Region requests a number of voxels carrying a label
type Region struct {
	Label  int
	Voxels int
}

// Config returns a configuration rooted in dir with subjects, images and
// output subdirectories. Resampling is enabled with a fixed seed.
func Config(dir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Paths.SubjectsDir = filepath.Join(dir, "subjects")
	cfg.Paths.ImagesDir = filepath.Join(dir, "vbm")
	cfg.Paths.OutputDir = filepath.Join(dir, "out")
	cfg.Paths.LUTFile = filepath.Join(dir, "FreeSurferColorLUT.txt")
	cfg.Processing.NumWorkers = 2
	cfg.Processing.Seed = 1
	return cfg
}

// Table returns a small cortical label table
func Table() *lut.Table {
	return lut.New([]lut.Entry{
		{Label: 1001, Name: "ctx-lh-bankssts"},
		{Label: 1002, Name: "ctx-lh-caudalanteriorcingulate"},
		{Label: 1003, Name: "ctx-lh-caudalmiddlefrontal"},
		{Label: 2001, Name: "ctx-rh-bankssts"},
		{Label: 2002, Name: "ctx-rh-caudalanteriorcingulate"},
	})
}

// LUT is the text form of Table with FreeSurfer colour columns
const LUT = `#No. Label Name:                  R   G   B   A
0       Unknown                       0   0   0   0
17      Left-Hippocampus              220 216 20  0
1001    ctx-lh-bankssts               25  100 40  0
1002    ctx-lh-caudalanteriorcingulate 125 100 160 0
1003    ctx-lh-caudalmiddlefrontal    100 25  0   0
2001    ctx-rh-bankssts               25  100 40  0
2002    ctx-rh-caudalanteriorcingulate 125 100 160 0
`

// DefaultRegions gives every fixture table region enough voxels
var DefaultRegions = []Region{
	{Label: 1001, Voxels: 60},
	{Label: 1002, Voxels: 80},
	{Label: 1003, Voxels: 40},
	{Label: 2001, Voxels: 70},
	{Label: 2002, Voxels: 50},
}

// WriteLUT stores the fixture lookup table at cfg.Paths.LUTFile
func WriteLUT(cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(cfg.Paths.LUTFile), 0755); err != nil {
		return err
	}
	return os.WriteFile(cfg.Paths.LUTFile, []byte(LUT), 0644)
}

// Volumes builds a parcellation with consecutive voxel runs per region and a
// morphometric volume whose values depend on the label and position.
func Volumes(regions []Region) (morph, parc *models.Volume, err error) {
	morph = models.NewVolume(Grid, Grid, Grid)
	parc = models.NewVolume(Grid, Grid, Grid)

	next := 0
	for _, r := range regions {
		if next+r.Voxels > parc.Len() {
			return nil, nil, fmt.Errorf("regions need more than %d voxels", parc.Len())
		}
		for i := 0; i < r.Voxels; i++ {
			parc.Data[next] = float64(r.Label)
			morph.Data[next] = float64(r.Label%100)/10 + float64(i%17)/17 + float64(i)/1000
			next++
		}
	}
	return morph, parc, nil
}

// WriteSubject stores both volumes of a subject where cfg expects them
func WriteSubject(cfg *config.Config, id string, regions []Region) error {
	morph, parc, err := Volumes(regions)
	if err != nil {
		return err
	}

	morphPath := cfg.MorphometricPath(id)
	parcPath := cfg.ParcellationPath(id)
	for _, p := range []string{morphPath, parcPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return err
		}
	}

	if err := mgh.WriteFile(morphPath, morph, mgh.Float); err != nil {
		return err
	}
	return mgh.WriteFile(parcPath, parc, mgh.Int)
}
