package dataproduct

import "fmt"

// Image is a row-major 2D frame.
type Image struct {
	Rows int       `validate:"gt=0"`
	Cols int       `validate:"gt=0"`
	Pix  []float64 `validate:"required"`
}

// NewImage allocates a zeroed rows×cols image.
func NewImage(rows, cols int) *Image {
	return &Image{Rows: rows, Cols: cols, Pix: make([]float64, rows*cols)}
}

// NewImageFrom builds an image from row slices, which must be rectangular.
func NewImageFrom(rows [][]float64) (*Image, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("image: no rows")
	}
	cols := len(rows[0])
	img := NewImage(len(rows), cols)
	for r, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("image: row %d has %d columns, want %d", r, len(row), cols)
		}
		copy(img.Pix[r*cols:], row)
	}
	return img, nil
}

// At returns the pixel at (r, c).
func (im *Image) At(r, c int) float64 { return im.Pix[r*im.Cols+c] }

// Set stores v at (r, c).
func (im *Image) Set(r, c int, v float64) { im.Pix[r*im.Cols+c] = v }

// SameShape reports whether im and other have identical dimensions.
func (im *Image) SameShape(other *Image) bool {
	return other != nil && im.Rows == other.Rows && im.Cols == other.Cols
}

// Clone returns a deep copy; nil stays nil.
func (im *Image) Clone() *Image {
	if im == nil {
		return nil
	}
	pix := make([]float64, len(im.Pix))
	copy(pix, im.Pix)
	return &Image{Rows: im.Rows, Cols: im.Cols, Pix: pix}
}

// check verifies the pixel buffer matches the declared shape.
func (im *Image) check() error {
	if im.Rows <= 0 || im.Cols <= 0 {
		return fmt.Errorf("shape %dx%d is empty", im.Rows, im.Cols)
	}
	if len(im.Pix) != im.Rows*im.Cols {
		return fmt.Errorf("%d pixels for shape %dx%d", len(im.Pix), im.Rows, im.Cols)
	}
	return nil
}
