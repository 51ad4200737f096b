package heatmap

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/san-kum/parking-traffic-cv/server/models"
	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	_ "gonum.org/v1/plot/vg/vgimg"
)

const (
	DefaultWidth  = 640
	DefaultHeight = 384
	OverlayAlpha  = 0.5
)

var canvasColor = color.RGBA{R: 30, G: 30, B: 30, A: 255}

// Exporter turns per-video aggregates into static artifacts. Implementations
// return the artifact reference, or "" when nothing was produced.
type Exporter interface {
	ExportHeatmap(name string, grid *Grid, background image.Image, width, height int) (string, error)
	ExportTimeline(name string, frames []models.ScoredFrame) (string, error)
}

const (
	RendererFile = "file"
	RendererNone = "none"
)

// NewExporter selects the artifact backend by name.
func NewExporter(renderer, outputDir string, logger *zap.Logger) (Exporter, error) {
	switch strings.ToLower(renderer) {
	case RendererFile, "png":
		return NewFileExporter(outputDir, logger)
	case RendererNone, "":
		return NopExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown artifact renderer %q", renderer)
	}
}

type NopExporter struct{}

func (NopExporter) ExportHeatmap(string, *Grid, image.Image, int, int) (string, error) {
	return "", nil
}

func (NopExporter) ExportTimeline(string, []models.ScoredFrame) (string, error) {
	return "", nil
}

// FileExporter writes PNG artifacts under outputDir.
type FileExporter struct {
	outputDir string
	logger    *zap.Logger
	ramp      [256]color.RGBA
}

func NewFileExporter(outputDir string, logger *zap.Logger) (*FileExporter, error) {
	if outputDir == "" {
		return nil, fmt.Errorf("artifact output directory is required")
	}
	ramp, err := buildRamp()
	if err != nil {
		return nil, fmt.Errorf("failed to build colour ramp: %w", err)
	}
	return &FileExporter{outputDir: outputDir, logger: logger, ramp: ramp}, nil
}

func buildRamp() ([256]color.RGBA, error) {
	var ramp [256]color.RGBA
	cmap := moreland.ExtendedBlackBody()
	cmap.SetMin(0)
	cmap.SetMax(1)
	for i := range ramp {
		c, err := cmap.At(float64(i) / 255)
		if err != nil {
			return ramp, err
		}
		r, g, b, _ := c.RGBA()
		ramp[i] = color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: 255}
	}
	return ramp, nil
}

// Render upscales the grid to the frame size with cubic interpolation, maps it
// through the colour ramp and adds it over the background at OverlayAlpha.
func (e *FileExporter) Render(grid *Grid, background image.Image, width, height int) *image.RGBA {
	if background != nil {
		b := background.Bounds()
		width, height = b.Dx(), b.Dy()
	}
	if width <= 0 || height <= 0 {
		width, height = DefaultWidth, DefaultHeight
	}
	bounds := image.Rect(0, 0, width, height)

	heat := image.NewGray(bounds)
	small := grid.Image()
	xdraw.CatmullRom.Scale(heat, bounds, small, small.Bounds(), xdraw.Src, nil)

	out := image.NewRGBA(bounds)
	if background != nil {
		draw.Draw(out, bounds, background, background.Bounds().Min, draw.Src)
	} else {
		draw.Draw(out, bounds, &image.Uniform{C: canvasColor}, image.Point{}, draw.Src)
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := e.ramp[heat.GrayAt(x, y).Y]
			i := out.PixOffset(x, y)
			out.Pix[i+0] = blend(out.Pix[i+0], c.R)
			out.Pix[i+1] = blend(out.Pix[i+1], c.G)
			out.Pix[i+2] = blend(out.Pix[i+2], c.B)
			out.Pix[i+3] = 255
		}
	}
	return out
}

func blend(base, overlay uint8) uint8 {
	v := math.Round(float64(base) + OverlayAlpha*float64(overlay))
	return uint8(math.Min(255, v))
}

func (e *FileExporter) ExportHeatmap(name string, grid *Grid, background image.Image, width, height int) (string, error) {
	if grid == nil {
		return "", fmt.Errorf("no heatmap grid")
	}
	dir := filepath.Join(e.outputDir, "heatmaps")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create heatmap dir: %w", err)
	}

	img := e.Render(grid, background, width, height)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("failed to encode heatmap: %w", err)
	}

	path := filepath.Join(dir, artifactBase(name)+"_heatmap.png")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write heatmap: %w", err)
	}
	e.logger.Debug("Heatmap exported", zap.String("path", path), zap.Int("detections", grid.Total()))
	return path, nil
}

// ExportTimeline charts raw and smoothed counts per frame against the
// congestion thresholds.
func (e *FileExporter) ExportTimeline(name string, frames []models.ScoredFrame) (string, error) {
	if len(frames) == 0 {
		return "", fmt.Errorf("no frames to chart")
	}
	dir := filepath.Join(e.outputDir, "timelines")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create timeline dir: %w", err)
	}

	p := plot.New()
	p.Title.Text = "Vehicle count per frame"
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "Vehicles"

	raw := make(plotter.XYs, len(frames))
	smoothed := make(plotter.XYs, len(frames))
	for i, f := range frames {
		raw[i] = plotter.XY{X: float64(f.FrameIndex), Y: float64(f.RawCount)}
		smoothed[i] = plotter.XY{X: float64(f.FrameIndex), Y: f.SmoothedCount}
	}

	rawLine, err := plotter.NewLine(raw)
	if err != nil {
		return "", err
	}
	rawLine.Color = color.RGBA{R: 160, G: 160, B: 160, A: 255}
	rawLine.Width = vg.Points(0.5)

	smoothLine, err := plotter.NewLine(smoothed)
	if err != nil {
		return "", err
	}
	smoothLine.Color = color.RGBA{R: 20, G: 90, B: 200, A: 255}
	smoothLine.Width = vg.Points(1.5)

	p.Add(rawLine, smoothLine)
	p.Legend.Add("raw", rawLine)
	p.Legend.Add("smoothed", smoothLine)

	for _, thr := range []float64{5, 20} {
		limit := thr
		fn := plotter.NewFunction(func(float64) float64 { return limit })
		fn.Color = color.RGBA{R: 200, G: 60, B: 40, A: 255}
		fn.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}
		p.Add(fn)
	}

	path := filepath.Join(dir, artifactBase(name)+"_timeline.png")
	if err := p.Save(10*vg.Inch, 4*vg.Inch, path); err != nil {
		return "", fmt.Errorf("failed to save timeline: %w", err)
	}
	return path, nil
}

// DecodeFrame decodes a JPEG or PNG frame used as the heatmap background.
func DecodeFrame(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return img, nil
}

func artifactBase(name string) string {
	base := filepath.Base(name)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "video"
	}
	return base
}
