package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/rice-vision/internal/imagesource"
	"github.com/example/rice-vision/internal/inference"
	"github.com/example/rice-vision/internal/storage"
)

// scriptedClassifier resolves each Classify call according to the image
// payload it receives, optionally blocking until released.
type scriptedClassifier struct {
	mu      sync.Mutex
	results map[string]*inference.Result
	errs    map[string]error
	block   map[string]chan struct{}
	entered map[string]chan struct{}
	calls   []string
}

func (c *scriptedClassifier) Classify(ctx context.Context, image []byte) (*inference.Result, error) {
	key := string(image)

	c.mu.Lock()
	c.calls = append(c.calls, key)
	entered := c.entered[key]
	blocked := c.block[key]
	result := c.results[key]
	err := c.errs[key]
	c.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if blocked != nil {
		<-blocked
	}
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}
	return nil, fmt.Errorf("unscripted image %q", key)
}

type recordingStore struct {
	mu      sync.Mutex
	entries []storage.Entry
	err     error
}

func (r *recordingStore) SaveResult(ctx context.Context, entry storage.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return r.err
}

func (r *recordingStore) saved() []storage.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]storage.Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func uploadedInput(payload string) *imagesource.ImageInput {
	return &imagesource.ImageInput{
		Data:        []byte(payload),
		Filename:    payload + ".jpg",
		ContentType: "image/jpeg",
		Origin:      imagesource.OriginUploaded,
	}
}

func newTestSession() *Session {
	now := time.Now()
	return &Session{ID: "sess-test", OwnerID: "owner-test", status: StatusEmpty, createdAt: now, lastActive: now}
}

func TestSelectImageSuccess(t *testing.T) {
	classifier := &scriptedClassifier{
		results: map[string]*inference.Result{"grains": {Label: "Jasmine", Confidence: 0.87}},
	}
	store := &recordingStore{}
	orch := NewOrchestrator(classifier, store, zap.NewNop())
	session := newTestSession()

	outcome := orch.SelectImage(context.Background(), session, uploadedInput("grains"))

	if outcome.Superseded {
		t.Fatal("unexpected supersession")
	}
	if outcome.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", outcome.Status)
	}
	if outcome.Result == nil || outcome.Result.Label != "Jasmine" || outcome.Result.Confidence != 0.87 {
		t.Fatalf("unexpected result %+v", outcome.Result)
	}
	if outcome.Notification.Level != LevelSuccess {
		t.Fatalf("expected success notification, got %+v", outcome.Notification)
	}

	snap := session.Snapshot()
	if snap.Status != StatusSucceeded || snap.Result == nil || snap.Result.Label != "Jasmine" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	entries := store.saved()
	if len(entries) != 1 {
		t.Fatalf("expected 1 stored entry, got %d", len(entries))
	}
	if entries[0].Label != "Jasmine" || entries[0].SessionID != "sess-test" || entries[0].OwnerID != "owner-test" {
		t.Fatalf("unexpected stored entry %+v", entries[0])
	}
}

func TestSelectImageSupersedesInFlightAnalysis(t *testing.T) {
	firstEntered := make(chan struct{})
	firstRelease := make(chan struct{})
	classifier := &scriptedClassifier{
		results: map[string]*inference.Result{
			"first":  {Label: "Arborio", Confidence: 0.99},
			"second": {Label: "Jasmine", Confidence: 0.87},
		},
		block:   map[string]chan struct{}{"first": firstRelease},
		entered: map[string]chan struct{}{"first": firstEntered},
	}
	orch := NewOrchestrator(classifier, nil, zap.NewNop())
	session := newTestSession()

	outcomes := make(chan *SelectOutcome, 1)
	go func() {
		outcomes <- orch.SelectImage(context.Background(), session, uploadedInput("first"))
	}()

	select {
	case <-firstEntered:
	case <-time.After(time.Second):
		t.Fatal("first analysis never started")
	}

	second := orch.SelectImage(context.Background(), session, uploadedInput("second"))
	if second.Status != StatusSucceeded || second.Result.Label != "Jasmine" {
		t.Fatalf("unexpected second outcome %+v", second)
	}

	// Let the stale first response arrive after the newer one resolved.
	close(firstRelease)
	first := <-outcomes
	if !first.Superseded {
		t.Fatalf("expected first analysis to be superseded, got %+v", first)
	}

	snap := session.Snapshot()
	if snap.Result == nil || snap.Result.Label != "Jasmine" {
		t.Fatalf("stale result overwrote newer state: %+v", snap.Result)
	}
	if snap.Status != StatusSucceeded {
		t.Fatalf("unexpected status %s", snap.Status)
	}
}

func TestSelectImageFailureTaxonomyMessages(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		fragment string
	}{
		{"timeout", fmt.Errorf("%w: deadline", inference.ErrTimeout), "timed out"},
		{"unreachable", fmt.Errorf("%w: refused", inference.ErrUnreachable), "Could not connect"},
		{"rejected", &inference.ServerRejectedError{Status: 502, Message: "model not loaded"}, "Server error: model not loaded"},
		{"rejected without message", &inference.ServerRejectedError{Status: 500}, "Server error: Unknown error"},
		{"malformed", fmt.Errorf("%w: missing field", inference.ErrMalformedResponse), "Error analyzing the image"},
		{"generic", errors.New("boom"), "Error analyzing the image"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			classifier := &scriptedClassifier{errs: map[string]error{"grains": tc.err}}
			orch := NewOrchestrator(classifier, nil, zap.NewNop())
			session := newTestSession()

			outcome := orch.SelectImage(context.Background(), session, uploadedInput("grains"))
			if outcome.Status != StatusFailed {
				t.Fatalf("expected failed status, got %s", outcome.Status)
			}
			if outcome.Notification.Level != LevelError {
				t.Fatalf("expected error notification, got %+v", outcome.Notification)
			}
			if !strings.Contains(outcome.Notification.Message, tc.fragment) {
				t.Fatalf("notification %q missing %q", outcome.Notification.Message, tc.fragment)
			}

			snap := session.Snapshot()
			if snap.Status != StatusFailed {
				t.Fatalf("unexpected status %s", snap.Status)
			}
			if snap.Result != nil {
				t.Fatalf("failed analysis must not store a result, got %+v", snap.Result)
			}
		})
	}
}

func TestTimeoutMessageDiffersFromGeneric(t *testing.T) {
	timeout := analysisFailedNotification(fmt.Errorf("%w: slow", inference.ErrTimeout))
	generic := analysisFailedNotification(errors.New("boom"))
	if timeout.Message == generic.Message {
		t.Fatal("timeout notification must differ from the generic failure message")
	}
}

func TestSelectImageAllowsReselectionFromFailure(t *testing.T) {
	classifier := &scriptedClassifier{
		errs:    map[string]error{"bad": errors.New("boom")},
		results: map[string]*inference.Result{"good": {Label: "Basmati", Confidence: 0.91}},
	}
	orch := NewOrchestrator(classifier, nil, zap.NewNop())
	session := newTestSession()

	if outcome := orch.SelectImage(context.Background(), session, uploadedInput("bad")); outcome.Status != StatusFailed {
		t.Fatalf("expected failure, got %+v", outcome)
	}
	outcome := orch.SelectImage(context.Background(), session, uploadedInput("good"))
	if outcome.Status != StatusSucceeded || outcome.Result.Label != "Basmati" {
		t.Fatalf("expected recovery, got %+v", outcome)
	}
}

func TestResetReturnsToEmpty(t *testing.T) {
	classifier := &scriptedClassifier{
		results: map[string]*inference.Result{"grains": {Label: "Jasmine", Confidence: 0.87}},
	}
	orch := NewOrchestrator(classifier, nil, zap.NewNop())
	session := newTestSession()

	outcome := orch.SelectImage(context.Background(), session, uploadedInput("grains"))
	token := outcome.ImageToken

	orch.Reset(session)

	snap := session.Snapshot()
	if snap.Status != StatusEmpty {
		t.Fatalf("expected empty status, got %s", snap.Status)
	}
	if snap.Result != nil || snap.ImageToken != "" || snap.Filename != "" {
		t.Fatalf("expected cleared session, got %+v", snap)
	}
	if _, _, ok := session.Image(token); ok {
		t.Fatal("display token must be released on reset")
	}
}

func TestResetSupersedesInFlightAnalysis(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	classifier := &scriptedClassifier{
		results: map[string]*inference.Result{"grains": {Label: "Jasmine", Confidence: 0.87}},
		block:   map[string]chan struct{}{"grains": release},
		entered: map[string]chan struct{}{"grains": entered},
	}
	orch := NewOrchestrator(classifier, nil, zap.NewNop())
	session := newTestSession()

	outcomes := make(chan *SelectOutcome, 1)
	go func() {
		outcomes <- orch.SelectImage(context.Background(), session, uploadedInput("grains"))
	}()
	<-entered

	orch.Reset(session)
	close(release)

	if outcome := <-outcomes; !outcome.Superseded {
		t.Fatalf("expected in-flight analysis to be superseded by reset, got %+v", outcome)
	}
	if snap := session.Snapshot(); snap.Status != StatusEmpty || snap.Result != nil {
		t.Fatalf("reset state overwritten by stale response: %+v", snap)
	}
}

func TestReportDataGatedOnSuccess(t *testing.T) {
	classifier := &scriptedClassifier{
		results: map[string]*inference.Result{"grains": {Label: "Jasmine", Confidence: 0.87}},
		errs:    map[string]error{"bad": errors.New("boom")},
	}
	orch := NewOrchestrator(classifier, nil, zap.NewNop())

	empty := newTestSession()
	if data, notification := orch.ReportData(empty); data != nil || notification == nil {
		t.Fatal("expected incomplete-data notification from empty state")
	} else if notification.Level != LevelWarning || !strings.Contains(notification.Message, "incomplete") {
		t.Fatalf("unexpected notification %+v", notification)
	}

	failed := newTestSession()
	orch.SelectImage(context.Background(), failed, uploadedInput("bad"))
	if data, notification := orch.ReportData(failed); data != nil || notification == nil {
		t.Fatal("expected incomplete-data notification from failed state")
	}

	succeeded := newTestSession()
	orch.SelectImage(context.Background(), succeeded, uploadedInput("grains"))
	data, notification := orch.ReportData(succeeded)
	if notification != nil {
		t.Fatalf("unexpected notification %+v", notification)
	}
	if data.Label != "Jasmine" || data.Confidence != 0.87 || !bytes.Equal(data.Image, []byte("grains")) {
		t.Fatalf("unexpected report data %+v", data)
	}
}

func TestStoreFailureDoesNotAffectTransition(t *testing.T) {
	classifier := &scriptedClassifier{
		results: map[string]*inference.Result{"grains": {Label: "Jasmine", Confidence: 0.87}},
	}
	store := &recordingStore{err: errors.New("db down")}
	orch := NewOrchestrator(classifier, store, zap.NewNop())
	session := newTestSession()

	outcome := orch.SelectImage(context.Background(), session, uploadedInput("grains"))
	if outcome.Status != StatusSucceeded {
		t.Fatalf("persistence failure must not fail the analysis, got %+v", outcome)
	}
}

func TestImageTokenRotatesPerSelection(t *testing.T) {
	classifier := &scriptedClassifier{
		results: map[string]*inference.Result{
			"first":  {Label: "Arborio", Confidence: 0.9},
			"second": {Label: "Jasmine", Confidence: 0.8},
		},
	}
	orch := NewOrchestrator(classifier, nil, zap.NewNop())
	session := newTestSession()

	first := orch.SelectImage(context.Background(), session, uploadedInput("first"))
	second := orch.SelectImage(context.Background(), session, uploadedInput("second"))

	if first.ImageToken == second.ImageToken {
		t.Fatal("display tokens must rotate per selection")
	}
	if _, _, ok := session.Image(first.ImageToken); ok {
		t.Fatal("superseded display token must be released")
	}
	data, contentType, ok := session.Image(second.ImageToken)
	if !ok || contentType != "image/jpeg" || !bytes.Equal(data, []byte("second")) {
		t.Fatal("current display token must resolve to the selected image")
	}
}
