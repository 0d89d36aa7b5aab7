package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds a single classification call.
const DefaultTimeout = 60 * time.Second

// maxErrorBody caps how much of an error response is read for messaging.
const maxErrorBody = 4 << 10

// Result is a successful prediction from the classification service.
type Result struct {
	Label      string
	Confidence float64
}

// Client exposes the subset of functionality used by the workflow orchestrator.
type Client interface {
	Classify(ctx context.Context, image []byte) (*Result, error)
}

// HTTPClient calls the remote classification service over HTTP. A single
// Classify invocation performs exactly one request; retry policy, if any,
// belongs to the caller.
type HTTPClient struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTPClient constructs a client for the service rooted at baseURL.
// A non-positive timeout falls back to DefaultTimeout.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		endpoint: strings.TrimSuffix(baseURL, "/") + "/predict",
		client:   &http.Client{Timeout: timeout},
		logger:   logger.Named("inference_client"),
	}
}

// predictionPayload decodes the service response. Pointer fields distinguish
// an absent field from a zero value; both fields are required.
type predictionPayload struct {
	PredictedClass  *string  `json:"predicted_class"`
	ConfidenceScore *float64 `json:"confidence_score"`
}

type errorPayload struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Classify sends the image as a multipart form and decodes the prediction.
// All failure modes map onto the package error taxonomy; no opaque transport
// errors escape this boundary.
func (c *HTTPClient) Classify(ctx context.Context, image []byte) (*Result, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := createImagePart(writer, image)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("write image payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, c.classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rejected := &ServerRejectedError{Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}
		c.logger.Warn("prediction rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("message", rejected.Message),
		)
		return nil, rejected
	}

	var payload predictionPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if payload.PredictedClass == nil || *payload.PredictedClass == "" {
		return nil, fmt.Errorf("%w: missing predicted_class", ErrMalformedResponse)
	}
	if payload.ConfidenceScore == nil {
		return nil, fmt.Errorf("%w: missing confidence_score", ErrMalformedResponse)
	}
	if *payload.ConfidenceScore < 0 || *payload.ConfidenceScore > 1 {
		return nil, fmt.Errorf("%w: confidence_score %f out of range", ErrMalformedResponse, *payload.ConfidenceScore)
	}

	return &Result{
		Label:      *payload.PredictedClass,
		Confidence: *payload.ConfidenceScore,
	}, nil
}

// createImagePart sniffs the payload so PNG and other formats are not
// mislabeled as JPEG on the wire.
func createImagePart(writer *multipart.Writer, image []byte) (io.Writer, error) {
	contentType := http.DetectContentType(image)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="image%s"`, extensionFor(contentType)))
	header.Set("Content-Type", contentType)
	return writer.CreatePart(header)
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/bmp":
		return ".bmp"
	default:
		return ".jpg"
	}
}

func (c *HTTPClient) classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(data) == 0 {
		return ""
	}

	var payload errorPayload
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return ""
}
