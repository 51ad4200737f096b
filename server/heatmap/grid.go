package heatmap

import (
	"image"
	"math"

	"github.com/san-kum/parking-traffic-cv/server/models"
)

const (
	GridWidth  = 24
	GridHeight = 16
)

// Grid is a coarse 2-D histogram of detection centroids accumulated over a
// whole video.
type Grid struct {
	cells [GridHeight][GridWidth]float64
	total int
}

func NewGrid() *Grid {
	return &Grid{}
}

// Add bins one normalized centroid, clamping to the grid edges. Non-finite
// coordinates are ignored.
func (g *Grid) Add(p models.Point) {
	if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
		return
	}
	bx := clampIndex(int(math.Floor(p.X*GridWidth)), GridWidth)
	by := clampIndex(int(math.Floor(p.Y*GridHeight)), GridHeight)
	g.cells[by][bx]++
	g.total++
}

func (g *Grid) AddAll(points []models.Point) {
	for _, p := range points {
		g.Add(p)
	}
}

func (g *Grid) Cell(x, y int) float64 {
	return g.cells[y][x]
}

func (g *Grid) Total() int {
	return g.total
}

func (g *Grid) Max() float64 {
	var m float64
	for y := range g.cells {
		for x := range g.cells[y] {
			m = math.Max(m, g.cells[y][x])
		}
	}
	return m
}

// Normalized scales the grid to [0,255] by its maximum cell. An empty grid
// stays all-zero.
func (g *Grid) Normalized() [GridHeight][GridWidth]uint8 {
	var out [GridHeight][GridWidth]uint8
	m := g.Max()
	if m <= 0 {
		return out
	}
	for y := range g.cells {
		for x := range g.cells[y] {
			out[y][x] = uint8(g.cells[y][x] / m * 255)
		}
	}
	return out
}

// Image returns the normalized grid as a GridWidth×GridHeight grayscale image.
func (g *Grid) Image() *image.Gray {
	norm := g.Normalized()
	img := image.NewGray(image.Rect(0, 0, GridWidth, GridHeight))
	for y := range norm {
		for x := range norm[y] {
			img.Pix[y*img.Stride+x] = norm[y][x]
		}
	}
	return img
}

func clampIndex(i, n int) int {
	return max(0, min(n-1, i))
}
