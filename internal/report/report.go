package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"go.uber.org/zap"
)

// ErrReportFailed indicates the report artifact could not be rendered.
// Generation failures never alter classification state.
var ErrReportFailed = errors.New("report generation failed")

// Data carries everything needed to render a report. Generation is pure
// with respect to workflow state: it reads only these fields.
type Data struct {
	Image      []byte
	Filename   string
	Label      string
	Confidence float64
}

// Generator renders a one-page PDF report for a completed classification.
type Generator struct {
	logger *zap.Logger
}

// NewGenerator constructs a report generator.
func NewGenerator(logger *zap.Logger) *Generator {
	return &Generator{logger: logger.Named("report_generator")}
}

// Generate renders the analyzed image onto an A4 page and stamps the
// prediction summary beneath it.
func (g *Generator) Generate(ctx context.Context, d Data) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReportFailed, err)
	}
	if len(d.Image) == 0 {
		return nil, fmt.Errorf("%w: no image data", ErrReportFailed)
	}
	if d.Label == "" {
		return nil, fmt.Errorf("%w: no classification label", ErrReportFailed)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %f out of range", ErrReportFailed, d.Confidence)
	}

	imp, err := api.Import("form:A4, pos:c, sc:0.7 rel", types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("%w: parse import config: %v", ErrReportFailed, err)
	}

	var page bytes.Buffer
	if err := api.ImportImages(nil, &page, []io.Reader{bytes.NewReader(d.Image)}, imp, nil); err != nil {
		g.logger.Warn("image import failed", zap.String("filename", d.Filename), zap.Error(err))
		return nil, fmt.Errorf("%w: import image: %v", ErrReportFailed, err)
	}

	summary := fmt.Sprintf("Rice Variety Report - %s (%.2f%% confidence)", d.Label, d.Confidence*100)
	wm, err := api.TextWatermark(summary, "points:14, pos:bc, off:0 30, fillc:#222222, rot:0", true, false, types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("%w: build summary stamp: %v", ErrReportFailed, err)
	}

	var out bytes.Buffer
	if err := api.AddWatermarks(bytes.NewReader(page.Bytes()), &out, nil, wm, nil); err != nil {
		return nil, fmt.Errorf("%w: stamp summary: %v", ErrReportFailed, err)
	}

	return out.Bytes(), nil
}
