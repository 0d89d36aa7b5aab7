package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/rice-vision/internal/imagesource"
	"github.com/example/rice-vision/internal/inference"
	"github.com/example/rice-vision/internal/logging"
	"github.com/example/rice-vision/internal/report"
	"github.com/example/rice-vision/internal/storage"
)

// ResultStore records completed classifications. Failures are logged and
// never affect the workflow transition.
type ResultStore interface {
	SaveResult(ctx context.Context, entry storage.Entry) error
}

// Orchestrator drives session transitions: select image, analyze, reset,
// and the report gate. It serializes per-session state behind each
// session's lock and detects superseded inference responses by comparing
// the generation captured at selection time against the session's current
// generation when the response lands.
type Orchestrator struct {
	classifier inference.Client
	store      ResultStore
	logger     *zap.Logger
}

// NewOrchestrator constructs an orchestrator. store may be nil when
// persistence is not configured.
func NewOrchestrator(classifier inference.Client, store ResultStore, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		classifier: classifier,
		store:      store,
		logger:     logger.Named("workflow_orchestrator"),
	}
}

// SelectOutcome is the observable effect of a SelectImage call.
type SelectOutcome struct {
	// Superseded is set when a newer selection arrived while this analysis
	// was in flight. The response was discarded and no state changed.
	Superseded   bool
	Status       Status
	Result       *ClassificationResult
	ImageToken   string
	Notification Notification
}

// SelectImage installs the input, clears any prior result, enters the
// analyzing state, and runs the inference call. Valid from any state. A
// result belonging to a superseded selection is never applied: the outcome
// of the last selected image is the only one that can become visible.
func (o *Orchestrator) SelectImage(ctx context.Context, s *Session, input *imagesource.ImageInput) *SelectOutcome {
	now := time.Now()

	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.result = nil
	s.input = input
	s.imageToken = uuid.NewString()
	token := s.imageToken
	s.status = StatusAnalyzing
	s.lastActive = now
	s.mu.Unlock()

	opLogger := logging.WithOperation(o.logger, "workflow.select_image", s.ID)
	result, err := o.classifier.Classify(ctx, input.Data)

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		opLogger.Info("stale analysis response discarded",
			zap.Uint64("generation", gen),
		)
		return &SelectOutcome{Superseded: true}
	}

	if err != nil {
		s.status = StatusFailed
		s.mu.Unlock()
		notification := analysisFailedNotification(err)
		opLogger.Warn("analysis failed", zap.Error(err))
		return &SelectOutcome{
			Status:       StatusFailed,
			ImageToken:   token,
			Notification: notification,
		}
	}

	stored := &ClassificationResult{Label: result.Label, Confidence: result.Confidence}
	s.status = StatusSucceeded
	s.result = stored
	entry := storage.Entry{
		SessionID:  s.ID,
		OwnerID:    s.OwnerID,
		Label:      result.Label,
		Confidence: result.Confidence,
		Origin:     string(input.Origin),
		Image:      input.Data,
	}
	s.mu.Unlock()

	if o.store != nil {
		if err := o.store.SaveResult(ctx, entry); err != nil {
			opLogger.Warn("failed to record classification", zap.Error(err))
		}
	}

	opLogger.Info("analysis succeeded",
		zap.String("label", result.Label),
		zap.Float64("confidence", result.Confidence),
	)
	return &SelectOutcome{
		Status:       StatusSucceeded,
		Result:       stored,
		ImageToken:   token,
		Notification: analysisSucceededNotification(),
	}
}

// Reset returns the session to the empty state, clearing the selected
// image, any result, and the display token. Bumping the generation makes
// any in-flight analysis stale. The chat transcript is left untouched.
func (o *Orchestrator) Reset(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.input = nil
	s.result = nil
	s.imageToken = ""
	s.status = StatusEmpty
	s.lastActive = time.Now()
}

// ReportData hands over the data needed for a report when, and only when,
// the session holds a completed result. In every other state it emits one
// incomplete-data warning and performs no generation.
func (o *Orchestrator) ReportData(s *Session) (*report.Data, *Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusSucceeded || s.input == nil || s.result == nil {
		notification := incompleteReportNotification()
		return nil, &notification
	}

	return &report.Data{
		Image:      s.input.Data,
		Filename:   s.input.Filename,
		Label:      s.result.Label,
		Confidence: s.result.Confidence,
	}, nil
}
