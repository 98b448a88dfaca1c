package service

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-scoring-api/internal/models"
	"github.com/noah-isme/gema-scoring-api/internal/repository"
	"github.com/noah-isme/gema-scoring-api/pkg/extract"
	"github.com/noah-isme/gema-scoring-api/pkg/scorer"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []uint
	err error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, submissionID uint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.ids = append(d.ids, submissionID)
	return nil
}

func (d *recordingDispatcher) dispatched() []uint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint(nil), d.ids...)
}

// stubScorer returns canned results; compare receives the peers it was asked about.
type stubScorer struct {
	correctness    float64
	correctnessErr error
	similarity     map[uint]float64
	compareErr     error
	block          chan struct{}
	panicMessage   string
	peersSeen      []scorer.Peer
}

func (s *stubScorer) Correctness(ctx context.Context, modelAnswer, answer string) (scorer.CorrectnessResult, error) {
	if s.panicMessage != "" {
		panic(s.panicMessage)
	}
	if s.block != nil {
		<-s.block
	}
	if s.correctnessErr != nil {
		return scorer.CorrectnessResult{}, s.correctnessErr
	}
	return scorer.CorrectnessResult{Score: s.correctness}, nil
}

func (s *stubScorer) Compare(ctx context.Context, answer string, peers []scorer.Peer) ([]scorer.Similarity, error) {
	s.peersSeen = append([]scorer.Peer(nil), peers...)
	if s.compareErr != nil {
		return nil, s.compareErr
	}
	results := make([]scorer.Similarity, 0, len(peers))
	for _, peer := range peers {
		results = append(results, scorer.Similarity{PeerSubmissionID: peer.SubmissionID, Score: s.similarity[peer.SubmissionID]})
	}
	return results, nil
}

type scoringHarness struct {
	db          *gorm.DB
	redisServer *miniredis.Miniredis
	redis       *redis.Client
	submissions repository.SubmissionRepository
	assignments repository.AssignmentRepository
	students    repository.StudentRepository
	corpus      repository.CorpusRepository
	events      StatusBroadcaster
	state       SubmissionStateMachine
	dispatcher  *recordingDispatcher
	validate    *validator.Validate
	assignment  models.Assignment
	alice       models.Student
	bob         models.Student
}

func newScoringHarness(t *testing.T) *scoringHarness {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(
		&models.Student{},
		&models.Assignment{},
		&models.Submission{},
		&models.SubmissionDocument{},
		&models.CorpusEntry{},
	))

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &scoringHarness{
		db:          db,
		redisServer: server,
		redis:       client,
		submissions: repository.NewSubmissionRepository(db),
		assignments: repository.NewAssignmentRepository(db),
		students:    repository.NewStudentRepository(db),
		corpus:      repository.NewCorpusRepository(db),
		dispatcher:  &recordingDispatcher{},
		validate:    validator.New(),
	}
	h.events = NewStatusBroadcaster(nil, "", nil, testLogger())
	h.state = NewSubmissionStateMachine(h.submissions, h.events, client, testLogger())

	h.assignment = models.Assignment{
		Title:       "Photosynthesis",
		OwnerID:     900,
		ModelAnswer: "Plants use sunlight, water and carbon dioxide to produce glucose and oxygen.",
		Severity:    "medium",
	}
	require.NoError(t, h.assignments.Create(context.Background(), &h.assignment))
	h.alice = models.Student{Name: "Alice", Email: "alice@example.com"}
	h.bob = models.Student{Name: "Bob", Email: "bob@example.com"}
	require.NoError(t, h.students.Create(context.Background(), &h.alice))
	require.NoError(t, h.students.Create(context.Background(), &h.bob))

	return h
}

func (h *scoringHarness) submissionService() SubmissionService {
	return h.submissionServiceWith(h.dispatcher)
}

func (h *scoringHarness) submissionServiceWith(dispatcher Dispatcher) SubmissionService {
	return NewSubmissionService(SubmissionServiceDeps{
		State:       h.state,
		Submissions: h.submissions,
		Assignments: h.assignments,
		Students:    h.students,
		Sniffer:     extract.NewTextExtractor(0),
		Dispatcher:  dispatcher,
		Events:      h.events,
		Validator:   h.validate,
		Cache:       h.redis,
	}, SubmissionServiceConfig{PollInterval: 20 * time.Millisecond}, testLogger())
}

func (h *scoringHarness) assignmentService() AssignmentService {
	return NewAssignmentService(h.assignments, h.submissions, h.validate, h.redis, time.Minute, testLogger())
}

func (h *scoringHarness) orchestrator(scorerImpl scorer.Scorer, cfg OrchestratorConfig) ScoringOrchestrator {
	return NewScoringOrchestrator(h.state, h.submissions, h.assignments, h.corpus, extract.NewTextExtractor(0), scorerImpl, cfg, testLogger())
}

func (h *scoringHarness) createPending(t *testing.T, studentID uint, text string) models.Submission {
	t.Helper()
	submission := models.Submission{
		AssignmentID: h.assignment.ID,
		StudentID:    studentID,
		FileName:     "answer.txt",
		ContentType:  "text/plain; charset=utf-8",
	}
	document := models.SubmissionDocument{FileName: "answer.txt", ContentType: "text/plain", Content: []byte(text)}
	require.NoError(t, h.state.Create(context.Background(), &submission, &document))
	return submission
}

func (h *scoringHarness) corpusSize(t *testing.T) int64 {
	t.Helper()
	var total int64
	require.NoError(t, h.db.Model(&models.CorpusEntry{}).Where("assignment_id = ?", h.assignment.ID).Count(&total).Error)
	return total
}

func (h *scoringHarness) reload(t *testing.T, id uint) models.Submission {
	t.Helper()
	submission, err := h.submissions.GetByID(context.Background(), id)
	require.NoError(t, err)
	return submission
}

func fileHeader(t *testing.T, name string, content []byte) *multipart.FileHeader {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	form, err := multipart.NewReader(body, writer.Boundary()).ReadForm(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = form.RemoveAll() })
	require.Len(t, form.File["file"], 1)
	return form.File["file"][0]
}

func studentActor(student models.Student) Actor {
	return Actor{ID: student.ID, Role: RoleStudent}
}

func teacherActor() Actor {
	return Actor{ID: 900, Role: RoleTeacher}
}
