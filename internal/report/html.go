package report

import (
	"fmt"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// WriteHTML saves the traces as an interactive go-echarts page.
func (c *Collector) WriteHTML(path string) error {
	accel, gyro := c.traces()
	summary := c.Summary()

	page := components.NewPage()
	page.PageTitle = "Replay IMU report"
	page.AddCharts(traceChart(accel, summary.String()), traceChart(gyro, ""))

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	if err := page.Render(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to render report: %w", err)
	}
	return f.Close()
}

func traceChart(tr trace, subtitle string) *charts.Line {
	labels := make([]string, len(tr.t))
	for i, t := range tr.t {
		labels[i] = fmt.Sprintf("%.3f", t)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "IMU " + tr.name, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "time (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: tr.unit}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	line.SetXAxis(labels)
	for _, axis := range []struct {
		name   string
		values []float64
	}{{"x", tr.x}, {"y", tr.y}, {"z", tr.z}} {
		data := make([]opts.LineData, len(axis.values))
		for i, v := range axis.values {
			data[i] = opts.LineData{Value: v}
		}
		line.AddSeries(axis.name, data, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	}
	return line
}
