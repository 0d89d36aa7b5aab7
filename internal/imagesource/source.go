package imagesource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrSourceUnavailable indicates an image could not be acquired from its
// origin. The workflow reports it to the user without entering analysis.
var ErrSourceUnavailable = errors.New("image source unavailable")

// maxSampleSize caps how many bytes a sample fetch will consume.
const maxSampleSize = 10 << 20

// Origin identifies how an image entered the workflow.
type Origin string

const (
	OriginUploaded Origin = "uploaded"
	OriginSample   Origin = "sample"
)

// ImageInput is the normalized representation of a selected rice grain
// image, regardless of origin. Immutable once created.
type ImageInput struct {
	Data        []byte
	Filename    string
	ContentType string
	Origin      Origin
}

// Sample describes one entry of the packaged sample catalog.
type Sample struct {
	Name     string `json:"name"`
	Filename string `json:"filename"`
	URL      string `json:"-"`
}

// varietyNames is the fixed set of rice varieties the classifier knows,
// in training-label order. The sample catalog carries one image per variety.
var varietyNames = []string{"Arborio", "Basmati", "Ipsala", "Jasmine", "Karacadag"}

// Adapter normalizes uploads and sample fetches into ImageInput values.
type Adapter struct {
	samples map[string]Sample
	client  *http.Client
	logger  *zap.Logger
}

// NewAdapter builds an adapter whose sample catalog points at
// <sampleBaseURL>/<variety>.jpg for each known variety.
func NewAdapter(sampleBaseURL string, timeout time.Duration, logger *zap.Logger) *Adapter {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	base := strings.TrimSuffix(sampleBaseURL, "/")
	samples := make(map[string]Sample, len(varietyNames))
	for _, name := range varietyNames {
		filename := strings.ToLower(name) + ".jpg"
		samples[strings.ToLower(name)] = Sample{
			Name:     name,
			Filename: filename,
			URL:      base + "/" + filename,
		}
	}

	return &Adapter{
		samples: samples,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.Named("image_source"),
	}
}

// Samples returns the catalog sorted by variety name.
func (a *Adapter) Samples() []Sample {
	out := make([]Sample, 0, len(a.samples))
	for _, s := range a.samples {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FromUpload wraps user-provided bytes. The caller is responsible for
// having validated the payload is image-typed at the transport boundary.
func (a *Adapter) FromUpload(filename, contentType string, data []byte) (*ImageInput, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrSourceUnavailable)
	}
	if filename == "" {
		filename = "upload"
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return &ImageInput{
		Data:        data,
		Filename:    filename,
		ContentType: contentType,
		Origin:      OriginUploaded,
	}, nil
}

// FromSample fetches a packaged sample image and normalizes it. Any
// acquisition failure surfaces as ErrSourceUnavailable.
func (a *Adapter) FromSample(ctx context.Context, name string) (*ImageInput, error) {
	sample, ok := a.samples[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: unknown sample %q", ErrSourceUnavailable, name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sample.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn("sample fetch failed", zap.String("sample", sample.Name), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		a.logger.Warn("sample fetch rejected",
			zap.String("sample", sample.Name),
			zap.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("%w: status %d fetching %s", ErrSourceUnavailable, resp.StatusCode, sample.Filename)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSampleSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty sample body", ErrSourceUnavailable)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("%w: sample %s is not an image (%s)", ErrSourceUnavailable, sample.Filename, contentType)
	}

	return &ImageInput{
		Data:        data,
		Filename:    sample.Filename,
		ContentType: contentType,
		Origin:      OriginSample,
	}, nil
}
