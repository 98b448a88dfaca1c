package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-scoring-api/internal/config"
	"github.com/noah-isme/gema-scoring-api/internal/dto"
	"github.com/noah-isme/gema-scoring-api/internal/handler"
	"github.com/noah-isme/gema-scoring-api/internal/middleware"
	"github.com/noah-isme/gema-scoring-api/internal/models"
	"github.com/noah-isme/gema-scoring-api/internal/queue"
	"github.com/noah-isme/gema-scoring-api/internal/repository"
	"github.com/noah-isme/gema-scoring-api/internal/router"
	"github.com/noah-isme/gema-scoring-api/internal/service"
	"github.com/noah-isme/gema-scoring-api/internal/worker"
	"github.com/noah-isme/gema-scoring-api/pkg/extract"
	"github.com/noah-isme/gema-scoring-api/pkg/scorer"
)

const modelAnswer = "Plants use sunlight, water and carbon dioxide to produce glucose and oxygen."

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Meta    json.RawMessage `json:"meta"`
	Details json.RawMessage `json:"details"`
	Message string          `json:"message"`
}

type scoringApp struct {
	app        *fiber.App
	db         *gorm.DB
	assignment models.Assignment
	alice      models.Student
	bob        models.Student
}

// identityFromHeaders stands in for JWT validation so tests can switch callers per request.
func identityFromHeaders(c *fiber.Ctx) error {
	if raw := c.Get("X-Test-User"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fiber.ErrUnauthorized
		}
		c.Locals("user_id", uint(id))
	}
	if role := c.Get("X-Test-Role"); role != "" {
		c.Locals("user_role", role)
	}
	return c.Next()
}

func setupScoringApp(t *testing.T) *scoringApp {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.Student{},
		&models.Assignment{},
		&models.Submission{},
		&models.SubmissionDocument{},
		&models.CorpusEntry{},
	))

	redisServer := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: redisServer.Addr()})

	logger := zerolog.Nop()
	validate := validator.New(validator.WithRequiredStructEnabled())

	submissionRepo := repository.NewSubmissionRepository(db)
	assignmentRepo := repository.NewAssignmentRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	corpusRepo := repository.NewCorpusRepository(db)

	events := service.NewStatusBroadcaster(redisClient, "test:scoring", nil, logger)
	ctx, cancel := context.WithCancel(context.Background())
	events.Start(ctx)

	extractor := extract.NewTextExtractor(0)
	state := service.NewSubmissionStateMachine(submissionRepo, events, redisClient, logger)
	orchestrator := service.NewScoringOrchestrator(state, submissionRepo, assignmentRepo, corpusRepo, extractor,
		scorer.NewLexicalScorer(), service.OrchestratorConfig{ProcessingTimeout: 10 * time.Second}, logger)

	pool := worker.NewPool(2, 16, logger)
	pool.Start(ctx)
	dispatcher := queue.NewLocalDispatcher(pool, orchestrator.Process, logger)

	submissionService := service.NewSubmissionService(service.SubmissionServiceDeps{
		State:       state,
		Submissions: submissionRepo,
		Assignments: assignmentRepo,
		Students:    studentRepo,
		Sniffer:     extractor,
		Dispatcher:  dispatcher,
		Events:      events,
		Validator:   validate,
		Cache:       redisClient,
	}, service.SubmissionServiceConfig{PollInterval: 25 * time.Millisecond}, logger)
	assignmentService := service.NewAssignmentService(assignmentRepo, submissionRepo, validate, redisClient, time.Minute, logger)

	app := fiber.New()
	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, config.Config{AppName: "Scoring Test", Queue: config.QueueConfig{Driver: config.QueueDriverLocal}}, router.Dependencies{
		SubmissionHandler: handler.NewSubmissionHandler(submissionService, handler.SubmissionHandlerOptions{SubmitLimit: 100, SubmitWindow: time.Minute}, logger),
		AssignmentHandler: handler.NewAssignmentHandler(assignmentService, logger),
		Workers:           pool,
		JWTMiddleware:     identityFromHeaders,
	})

	t.Cleanup(func() {
		_ = app.Shutdown()
		pool.Stop()
		cancel()
		_ = redisClient.Close()
		_ = sqlDB.Close()
	})

	h := &scoringApp{app: app, db: db}
	h.assignment = models.Assignment{Title: "Photosynthesis", OwnerID: 900, ModelAnswer: modelAnswer, Severity: "medium"}
	require.NoError(t, db.Create(&h.assignment).Error)
	h.alice = models.Student{Name: "Alice", Email: "alice@example.com"}
	h.bob = models.Student{Name: "Bob", Email: "bob@example.com"}
	require.NoError(t, db.Create(&h.alice).Error)
	require.NoError(t, db.Create(&h.bob).Error)

	return h
}

func (h *scoringApp) do(t *testing.T, req *http.Request, userID uint, role string) (*http.Response, apiEnvelope) {
	t.Helper()
	if userID != 0 {
		req.Header.Set("X-Test-User", strconv.FormatUint(uint64(userID), 10))
	}
	if role != "" {
		req.Header.Set("X-Test-Role", role)
	}

	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var envelope apiEnvelope
	require.NoError(t, json.Unmarshal(body, &envelope), string(body))
	return resp, envelope
}

func (h *scoringApp) submit(t *testing.T, student models.Student, assignmentID uint, fileName, content string) (*http.Response, apiEnvelope) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if assignmentID != 0 {
		require.NoError(t, writer.WriteField("assignment_id", strconv.FormatUint(uint64(assignmentID), 10)))
	}
	if fileName != "" {
		part, err := writer.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v2/scoring/submissions", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return h.do(t, req, student.ID, service.RoleStudent)
}

func (h *scoringApp) status(t *testing.T, id uint, userID uint, role string) (*http.Response, apiEnvelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v2/scoring/submissions/%d/status", id), nil)
	return h.do(t, req, userID, role)
}

func (h *scoringApp) waitTerminal(t *testing.T, id uint, student models.Student) dto.SubmissionStatusResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, envelope := h.status(t, id, student.ID, service.RoleStudent)
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		snapshot := decodeSnapshot(t, envelope)
		if snapshot.Terminal {
			return snapshot
		}
		require.True(t, time.Now().Before(deadline), "submission %d still %s", id, snapshot.Status)
		time.Sleep(time.Duration(snapshot.PollIntervalMS) * time.Millisecond)
	}
}

func decodeSnapshot(t *testing.T, envelope apiEnvelope) dto.SubmissionStatusResponse {
	t.Helper()
	var snapshot dto.SubmissionStatusResponse
	require.NoError(t, json.Unmarshal(envelope.Data, &snapshot))
	return snapshot
}

func uintString(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

func jsonBody(t *testing.T, payload interface{}) io.Reader {
	t.Helper()
	encoded, err := json.Marshal(payload)
	require.NoError(t, err)
	return bytes.NewReader(encoded)
}
