package pipeline

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MattRib/physionote-ai-sub000/internal/blob"
	"github.com/MattRib/physionote-ai-sub000/internal/domain"
	"github.com/MattRib/physionote-ai-sub000/internal/store"
)

type fakeTranscriber struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error

	// Optional gate: when set, Transcribe signals entered and blocks until
	// release is closed. Used to hold a pipeline run mid-stage.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio io.Reader, contentType, languageHint string) (string, error) {
	f.mu.Lock()
	f.calls++
	entered, release := f.entered, f.release
	text, err := f.text, f.err
	f.mu.Unlock()

	if _, readErr := io.ReadAll(audio); readErr != nil {
		return "", readErr
	}
	if entered != nil {
		entered <- struct{}{}
		<-release
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSynthesizer struct {
	mu        sync.Mutex
	noteCalls int
	err       error
}

func (f *fakeSynthesizer) SynthesizeStructuredNote(ctx context.Context, transcript string, patient domain.PatientContext) (*domain.Note, error) {
	f.mu.Lock()
	f.noteCalls++
	err := f.err
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &domain.Note{
		ChiefComplaint:   "Knee pain",
		PainLevel:        "3/10",
		History:          "Post-surgical rehabilitation, week four",
		Diagnosis:        "ACL reconstruction recovery",
		Interventions:    []string{"Quadriceps strengthening"},
		HomeCare:         []string{"Daily stretching"},
		TreatmentPlan:    "Two sessions per week",
		NextSessionFocus: "Balance work",
	}, nil
}

func (f *fakeSynthesizer) SynthesizeFreeSummary(ctx context.Context, excerpts []domain.SessionExcerpt) (string, error) {
	return "", errors.New("not used by the pipeline")
}

func (f *fakeSynthesizer) ModelTag() string { return "fake/model" }

func (f *fakeSynthesizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.noteCalls
}

type pipelineFixture struct {
	orch        *Orchestrator
	repo        store.Repository
	transcriber *fakeTranscriber
	synthesizer *fakeSynthesizer
	audioDir    string
	patient     *domain.Patient
}

func newFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})

	audioDir := t.TempDir()
	blobs, err := blob.NewLocalStore(audioDir, 0)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	transcriber := &fakeTranscriber{text: "patient reports steady progress"}
	synthesizer := &fakeSynthesizer{}

	patient := &domain.Patient{
		ID:        uuid.NewString(),
		Name:      "Carlos Lima",
		BirthDate: time.Date(1990, 6, 1, 0, 0, 0, 0, time.UTC),
		Gender:    "male",
		CreatedAt: time.Now(),
	}
	if err := repo.CreatePatient(context.Background(), patient); err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}

	return &pipelineFixture{
		orch:        New(repo, blobs, transcriber, synthesizer, time.Minute, time.Minute),
		repo:        repo,
		transcriber: transcriber,
		synthesizer: synthesizer,
		audioDir:    audioDir,
		patient:     patient,
	}
}

func (f *pipelineFixture) input() Input {
	return Input{
		PatientID:       f.patient.ID,
		Source:          domain.SourceUpload,
		Audio:           strings.NewReader("fake audio bytes"),
		ContentType:     "audio/mpeg",
		DurationSeconds: 1800,
		SessionDate:     time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC),
	}
}

func (f *pipelineFixture) sessionCount(t *testing.T) int {
	t.Helper()
	sessions, err := f.repo.ListSessions(context.Background(), f.patient.ID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	return len(sessions)
}

func (f *pipelineFixture) blobCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(f.audioDir)
	if err != nil {
		t.Fatalf("read audio dir: %v", err)
	}
	return len(entries)
}

func TestProcessAndCommitHappyPath(t *testing.T) {
	f := newFixture(t)

	session, err := f.orch.ProcessAndCommit(context.Background(), f.input())
	if err != nil {
		t.Fatalf("ProcessAndCommit: %v", err)
	}

	if session.Status != domain.StatusCompleted {
		t.Errorf("status = %s, want completed", session.Status)
	}
	if session.Transcript != "patient reports steady progress" {
		t.Errorf("transcript = %q", session.Transcript)
	}
	if session.Note == nil {
		t.Fatal("completed session has no note")
	}
	if session.Note.SessionID != session.ID {
		t.Errorf("note session id = %q, want %q", session.Note.SessionID, session.ID)
	}
	if got := f.transcriber.callCount(); got != 1 {
		t.Errorf("transcriber calls = %d, want 1", got)
	}
	if got := f.synthesizer.callCount(); got != 1 {
		t.Errorf("synthesizer calls = %d, want 1", got)
	}
	if got := f.blobCount(t); got != 1 {
		t.Errorf("retained blobs = %d, want 1", got)
	}
}

func TestProcessAndCommitTranscriptionFailure(t *testing.T) {
	f := newFixture(t)
	f.transcriber.err = errors.New("upstream timeout")

	session, err := f.orch.ProcessAndCommit(context.Background(), f.input())

	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if stageErr.Stage != domain.StatusTranscribing {
		t.Errorf("failed stage = %s, want transcribing", stageErr.Stage)
	}
	if session == nil {
		t.Fatal("expected the errored session to be returned")
	}
	if session.Status != domain.StatusError {
		t.Errorf("status = %s, want error", session.Status)
	}
	if session.ErrorDetail == "" {
		t.Error("expected an error detail")
	}
	if session.AudioRef == "" {
		t.Error("audio ref must survive a stage failure")
	}
	if session.Transcript != "" {
		t.Errorf("transcript should be empty, got %q", session.Transcript)
	}
	if got := f.synthesizer.callCount(); got != 0 {
		t.Errorf("synthesizer calls = %d, want 0", got)
	}
}

func TestRetryAfterSynthFailureSkipsTranscription(t *testing.T) {
	f := newFixture(t)
	f.synthesizer.err = errors.New("model returned garbage")

	session, err := f.orch.ProcessAndCommit(context.Background(), f.input())
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != domain.StatusGenerating {
		t.Fatalf("expected generating-stage failure, got %v", err)
	}
	if session.Transcript == "" {
		t.Fatal("transcript should have been persisted before the failure")
	}

	f.synthesizer.mu.Lock()
	f.synthesizer.err = nil
	f.synthesizer.mu.Unlock()

	retried, err := f.orch.Retry(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.Status != domain.StatusCompleted {
		t.Errorf("status = %s, want completed", retried.Status)
	}
	if retried.ErrorDetail != "" {
		t.Errorf("error detail not cleared: %q", retried.ErrorDetail)
	}
	if got := f.transcriber.callCount(); got != 1 {
		t.Errorf("transcriber calls = %d, want 1 (retry must not re-transcribe)", got)
	}
	if got := f.synthesizer.callCount(); got != 2 {
		t.Errorf("synthesizer calls = %d, want 2", got)
	}
}

func TestRetryOnCompletedIsNoOp(t *testing.T) {
	f := newFixture(t)

	session, err := f.orch.ProcessAndCommit(context.Background(), f.input())
	if err != nil {
		t.Fatalf("ProcessAndCommit: %v", err)
	}

	retried, err := f.orch.Retry(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Retry on completed: %v", err)
	}
	if retried.Status != domain.StatusCompleted {
		t.Errorf("status = %s, want completed", retried.Status)
	}
	if got := f.transcriber.callCount(); got != 1 {
		t.Errorf("transcriber calls = %d, want 1", got)
	}
	if got := f.synthesizer.callCount(); got != 1 {
		t.Errorf("synthesizer calls = %d, want 1", got)
	}
	if retried.Note == nil || retried.Note.CreatedAt != session.Note.CreatedAt {
		t.Error("stored note should be returned unchanged")
	}
}

func TestConcurrentRetriesSingleWinner(t *testing.T) {
	f := newFixture(t)
	f.transcriber.err = errors.New("flaky upstream")

	session, err := f.orch.ProcessAndCommit(context.Background(), f.input())
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected StageError, got %v", err)
	}

	// Heal the transcriber but hold the winning retry inside the stage so the
	// second retry observes an in-flight run.
	f.transcriber.mu.Lock()
	f.transcriber.err = nil
	f.transcriber.entered = make(chan struct{}, 1)
	f.transcriber.release = make(chan struct{})
	f.transcriber.mu.Unlock()

	type result struct {
		session *domain.Session
		err     error
	}
	winner := make(chan result, 1)
	go func() {
		s, err := f.orch.Retry(context.Background(), session.ID)
		winner <- result{s, err}
	}()

	<-f.transcriber.entered

	loser, err := f.orch.Retry(context.Background(), session.ID)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict for the losing retry, got %v", err)
	}
	if loser == nil || loser.Status != domain.StatusTranscribing {
		t.Errorf("losing retry should see the in-flight session")
	}

	close(f.transcriber.release)
	got := <-winner
	if got.err != nil {
		t.Fatalf("winning retry: %v", got.err)
	}
	if got.session.Status != domain.StatusCompleted {
		t.Errorf("status = %s, want completed", got.session.Status)
	}
	if calls := f.transcriber.callCount(); calls != 2 {
		t.Errorf("transcriber calls = %d, want 2 (initial failure + one retry)", calls)
	}
}

func TestPreviewLeavesNothingBehind(t *testing.T) {
	f := newFixture(t)

	result, err := f.orch.Preview(context.Background(), f.input())
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if result.Transcript == "" || result.Note == nil {
		t.Fatal("preview should carry both transcript and note")
	}
	if got := f.sessionCount(t); got != 0 {
		t.Errorf("session rows = %d, want 0", got)
	}
	if got := f.blobCount(t); got != 0 {
		t.Errorf("retained blobs = %d, want 0 (preview blob must be deleted)", got)
	}
}

func TestPreviewFailureLeavesNothingBehind(t *testing.T) {
	f := newFixture(t)
	f.transcriber.err = errors.New("upstream down")

	_, err := f.orch.Preview(context.Background(), f.input())
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != domain.StatusTranscribing {
		t.Fatalf("expected transcribing-stage failure, got %v", err)
	}
	if got := f.sessionCount(t); got != 0 {
		t.Errorf("session rows = %d, want 0", got)
	}
	if got := f.blobCount(t); got != 0 {
		t.Errorf("retained blobs = %d, want 0", got)
	}
}

func TestPreviewThenCommit(t *testing.T) {
	f := newFixture(t)

	result, err := f.orch.Preview(context.Background(), f.input())
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}

	session, err := f.orch.CommitPreview(context.Background(), f.input(), result.Transcript, result.Note)
	if err != nil {
		t.Fatalf("CommitPreview: %v", err)
	}
	if session.Status != domain.StatusCompleted {
		t.Errorf("status = %s, want completed", session.Status)
	}
	if session.Note == nil {
		t.Fatal("committed session has no note")
	}
	if got := f.sessionCount(t); got != 1 {
		t.Errorf("session rows = %d, want exactly 1", got)
	}
	// Commit re-uses the preview artifacts; the adapters ran once, during
	// the preview.
	if got := f.transcriber.callCount(); got != 1 {
		t.Errorf("transcriber calls = %d, want 1", got)
	}
	if got := f.synthesizer.callCount(); got != 1 {
		t.Errorf("synthesizer calls = %d, want 1", got)
	}
}

func TestCommitPreviewRejectsMissingArtifacts(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orch.CommitPreview(context.Background(), f.input(), "", &domain.Note{}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty transcript: expected ErrInvalidInput, got %v", err)
	}
	if _, err := f.orch.CommitPreview(context.Background(), f.input(), "transcript", nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("nil note: expected ErrInvalidInput, got %v", err)
	}
	if got := f.sessionCount(t); got != 0 {
		t.Errorf("session rows = %d, want 0", got)
	}
}

func TestIngestionFailureLeavesNoRow(t *testing.T) {
	f := newFixture(t)

	// A blob store with a tiny cap makes ingestion fail deterministically.
	capped, err := blob.NewLocalStore(t.TempDir(), 4)
	if err != nil {
		t.Fatal(err)
	}
	orch := New(f.repo, capped, f.transcriber, f.synthesizer, time.Minute, time.Minute)

	_, err = orch.ProcessAndCommit(context.Background(), f.input())
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != domain.StatusPending {
		t.Fatalf("expected pending-stage failure, got %v", err)
	}
	if !errors.Is(err, blob.ErrTooLarge) {
		t.Errorf("expected ErrTooLarge in the chain, got %v", err)
	}
	if got := f.sessionCount(t); got != 0 {
		t.Errorf("session rows = %d, want 0", got)
	}
	if got := f.transcriber.callCount(); got != 0 {
		t.Errorf("transcriber calls = %d, want 0", got)
	}
}

func TestProcessAndCommitValidatesInput(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name   string
		mutate func(*Input)
		want   error
	}{
		{"missing patient", func(in *Input) { in.PatientID = "" }, ErrInvalidInput},
		{"unknown patient", func(in *Input) { in.PatientID = "nope" }, domain.ErrNotFound},
		{"missing audio", func(in *Input) { in.Audio = nil }, ErrInvalidInput},
		{"zero duration", func(in *Input) { in.DurationSeconds = 0 }, ErrInvalidInput},
		{"bad source", func(in *Input) { in.Source = "fax" }, ErrInvalidInput},
		{"zero date", func(in *Input) { in.SessionDate = time.Time{} }, ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := f.input()
			tc.mutate(&in)
			_, err := f.orch.ProcessAndCommit(context.Background(), in)
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
	if got := f.sessionCount(t); got != 0 {
		t.Errorf("session rows = %d, want 0", got)
	}
}
