package report

import (
	"fmt"
	"image/color"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

var axisColors = []color.Color{
	color.RGBA{R: 214, G: 39, B: 40, A: 255},
	color.RGBA{R: 44, G: 160, B: 44, A: 255},
	color.RGBA{R: 31, G: 119, B: 180, A: 255},
}

// WritePlot saves the accelerometer and gyroscope traces as a two-row PNG.
func (c *Collector) WritePlot(path string) error {
	accel, gyro := c.traces()

	plots := make([][]*plot.Plot, 2)
	for i, tr := range []trace{accel, gyro} {
		p, err := tracePlot(tr)
		if err != nil {
			return err
		}
		plots[i] = []*plot.Plot{p}
	}

	img := vgimg.New(14*vg.Inch, 8*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows:      2,
		Cols:      1,
		PadTop:    vg.Points(10),
		PadBottom: vg.Points(10),
		PadLeft:   vg.Points(10),
		PadRight:  vg.Points(10),
		PadY:      vg.Points(20),
	}
	canvases := plot.Align(plots, tiles, dc)
	for i := range plots {
		plots[i][0].Draw(canvases[i][0])
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create plot: %w", err)
	}
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write plot: %w", err)
	}
	return f.Close()
}

func tracePlot(tr trace) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("IMU %s", tr.name)
	p.X.Label.Text = "time (s)"
	p.Y.Label.Text = tr.unit
	p.Add(plotter.NewGrid())

	for i, axis := range []struct {
		name   string
		values []float64
	}{{"x", tr.x}, {"y", tr.y}, {"z", tr.z}} {
		if len(axis.values) == 0 {
			continue
		}
		pts := make(plotter.XYs, len(axis.values))
		for j, v := range axis.values {
			pts[j] = plotter.XY{X: tr.t[j], Y: v}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("failed to plot %s %s: %w", tr.name, axis.name, err)
		}
		line.Color = axisColors[i]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(axis.name, line)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}
