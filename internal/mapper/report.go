package mapper

import (
	"fmt"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// writeDriftReport renders a per-chunk alignment summary: registration
// residual and the accumulated scale and translation drift along the
// trajectory. One self-contained HTML file per session.
func writeDriftReport(path string, world []SimilarityTransform, residuals []float64) error {
	if len(world) == 0 {
		return nil
	}

	labels := make([]string, len(world))
	resData := make([]opts.LineData, len(world))
	scaleData := make([]opts.LineData, len(world))
	distData := make([]opts.LineData, len(world))
	for i, tf := range world {
		labels[i] = fmt.Sprintf("%d", i)
		var r float64
		if i < len(residuals) {
			r = residuals[i]
		}
		resData[i] = opts.LineData{Value: r}
		scaleData[i] = opts.LineData{Value: tf.Scale}
		distData[i] = opts.LineData{Value: tf.Translation.Norm()}
	}

	residualChart := charts.NewLine()
	residualChart.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Registration residual (weighted RMS)"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "chunk"}),
	)
	residualChart.SetXAxis(labels).AddSeries("residual", resData)

	driftChart := charts.NewLine()
	driftChart.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Accumulated drift"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "chunk"}),
	)
	driftChart.SetXAxis(labels).
		AddSeries("scale", scaleData).
		AddSeries("translation norm", distData)

	page := components.NewPage()
	page.PageTitle = "Mapping drift report"
	page.AddCharts(residualChart, driftChart)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return page.Render(f)
}
