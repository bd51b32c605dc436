package models

import (
	"fmt"
	"strings"
)

// Volume represents a 3D image on a regular voxel grid
type Volume struct {
	// Data is the voxel data as a 1D array with x varying fastest,
	// then y, then z (the on-disk order of MGH files)
	Data []float64

	// Width is the number of voxels along x
	Width int

	// Height is the number of voxels along y
	Height int

	// Depth is the number of voxels along z
	Depth int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize struct {
		X, Y, Z float64
	}
}

// NewVolume allocates a zero-filled volume with unit voxel size
func NewVolume(width, height, depth int) *Volume {
	v := &Volume{
		Data:   make([]float64, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
	v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z = 1, 1, 1
	return v
}

// Index returns the offset of voxel (x, y, z) in Data
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the value of voxel (x, y, z)
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores a value at voxel (x, y, z)
func (v *Volume) Set(x, y, z int, val float64) {
	v.Data[v.Index(x, y, z)] = val
}

// Len returns the number of voxels
func (v *Volume) Len() int {
	return v.Width * v.Height * v.Depth
}

// SameGrid reports whether o has the same dimensions as v
func (v *Volume) SameGrid(o *Volume) bool {
	return v.Width == o.Width && v.Height == o.Height && v.Depth == o.Depth
}

// Shape returns the dimensions formatted as WxHxD
func (v *Volume) Shape() string {
	return fmt.Sprintf("%dx%dx%d", v.Width, v.Height, v.Depth)
}

// RegionDistribution holds the morphometric values of every voxel
// assigned to one cortical region
type RegionDistribution struct {
	// Label is the integer parcellation code of the region
	Label int

	// Name is the anatomical name from the label table
	Name string

	// Values holds one morphometric value per voxel of the region
	Values []float64
}

// Distributions is the per-subject set of region distributions in
// label table order
type Distributions []RegionDistribution

// Names returns the region names in order
func (d Distributions) Names() []string {
	names := make([]string, len(d))
	for i, r := range d {
		names[i] = r.Name
	}
	return names
}

// Lookup returns the distribution for a region name
func (d Distributions) Lookup(name string) (RegionDistribution, bool) {
	for _, r := range d {
		if r.Name == name {
			return r, true
		}
	}
	return RegionDistribution{}, false
}

// SubjectID is an opaque key naming one subject's input and output files
type SubjectID string

// Validate checks that the id can be used as a single path element
func (id SubjectID) Validate() error {
	s := string(id)
	switch {
	case s == "":
		return fmt.Errorf("empty subject id")
	case s == "." || s == "..":
		return fmt.Errorf("subject id %q is not a name", s)
	case strings.ContainsAny(s, "/\\\x00"):
		return fmt.Errorf("subject id %q contains a path separator", s)
	case strings.TrimSpace(s) != s:
		return fmt.Errorf("subject id %q has surrounding whitespace", s)
	}
	return nil
}

func (id SubjectID) String() string { return string(id) }
