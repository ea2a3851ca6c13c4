package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/pricing-pipeline/internal/api/dto"
	"github.com/cuongbtq/pricing-pipeline/internal/api/handler"
	"github.com/cuongbtq/pricing-pipeline/internal/dispatcher"
	"github.com/cuongbtq/pricing-pipeline/internal/domain"
	"github.com/cuongbtq/pricing-pipeline/internal/inference"
	"github.com/cuongbtq/pricing-pipeline/internal/queue"
	qmemory "github.com/cuongbtq/pricing-pipeline/internal/queue/memory"
	"github.com/cuongbtq/pricing-pipeline/internal/storage/memory"
	"github.com/cuongbtq/pricing-pipeline/internal/tariff"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	testAuth   = AuthConfig{Secret: []byte("test-secret"), Issuer: "pricing-test"}
)

type brokenPublisher struct{}

func (brokenPublisher) Publish(context.Context, string) error { return errors.New("broker down") }

type server struct {
	engine *gin.Engine
	ledger *memory.Ledger
	jobs   *memory.JobStore
}

func newServer(t *testing.T, publisher queue.Publisher, checks map[string]func(context.Context) error) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	calc, err := tariff.New(tariff.DefaultConfig())
	require.NoError(t, err)

	s := &server{ledger: memory.NewLedger(), jobs: memory.NewJobStore()}
	if publisher == nil {
		publisher = qmemory.NewBridge(0)
	}

	deps := &handler.Dependencies{
		Logger: testLogger,
		Dispatcher: dispatcher.New(dispatcher.Config{
			Logger:    testLogger,
			Jobs:      s.jobs,
			Ledger:    s.ledger,
			Publisher: publisher,
			Tariff:    calc,
		}),
		Ledger: s.ledger,
		Model:  inference.NewPredictor(inference.BaselineModel{}, inference.Config{}),
		Checks: checks,
	}
	s.engine = SetupRouter(deps, testAuth)
	return s
}

func signToken(cfg AuthConfig, accountID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Secret)
}

func token(t *testing.T, account string) string {
	t.Helper()
	tok, err := signToken(testAuth, account, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *server) do(t *testing.T, method, path, account string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if account != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, account))
	}

	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func (s *server) fund(t *testing.T, account string, cents int64) {
	t.Helper()
	_, err := s.ledger.Deposit(context.Background(), account, domain.Money(cents))
	require.NoError(t, err)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func jobBody(n int) map[string]any {
	items := make([]map[string]any, n)
	for i := range items {
		items[i] = map[string]any{"name": fmt.Sprintf("item-%d", i), "item_condition_id": 1, "shipping": 0}
	}
	return map[string]any{"items": items}
}

func TestAuthRequired(t *testing.T) {
	s := newServer(t, nil, nil)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"garbage token", "Bearer not-a-jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/billing/balance", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			s.engine.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}

	t.Run("wrong secret", func(t *testing.T) {
		forged, err := signToken(AuthConfig{Secret: []byte("other"), Issuer: testAuth.Issuer}, "acct-1", time.Hour)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/api/v1/billing/balance", nil)
		req.Header.Set("Authorization", "Bearer "+forged)
		w := httptest.NewRecorder()
		s.engine.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("expired", func(t *testing.T) {
		expired, err := signToken(testAuth, "acct-1", -time.Minute)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/api/v1/billing/balance", nil)
		req.Header.Set("Authorization", "Bearer "+expired)
		w := httptest.NewRecorder()
		s.engine.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestDepositAndBalance(t *testing.T) {
	s := newServer(t, nil, nil)

	w := s.do(t, http.MethodGet, "/api/v1/billing/balance", "acct-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(0), decode[dto.BalanceResponse](t, w).BalanceCents)

	w = s.do(t, http.MethodPost, "/api/v1/billing/deposit", "acct-1", map[string]any{"amount_cents": 2550})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "25.50", decode[dto.BalanceResponse](t, w).Balance)

	w = s.do(t, http.MethodPost, "/api/v1/billing/deposit", "acct-1", map[string]any{"amount_cents": -5})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateJob(t *testing.T) {
	s := newServer(t, nil, nil)
	s.fund(t, "acct-1", 10000)

	w := s.do(t, http.MethodPost, "/api/v1/pricing/jobs", "acct-1", jobBody(10))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	resp := decode[dto.CreateJobResponse](t, w)
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, "QUEUED", resp.State)
	assert.Equal(t, "40.00", resp.Cost)
	assert.Equal(t, int64(4000), resp.CostCents)

	balance, err := s.ledger.Balance(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, domain.Money(6000), balance)
}

func TestCreateJobErrors(t *testing.T) {
	tests := []struct {
		name string
		body any
		want int
	}{
		{"insufficient funds", jobBody(50), http.StatusPaymentRequired},
		{"no items", map[string]any{"items": []any{}}, http.StatusBadRequest},
		{"too many items", jobBody(101), http.StatusBadRequest},
		{"bad condition", map[string]any{"items": []map[string]any{{"name": "x", "item_condition_id": 9}}}, http.StatusBadRequest},
		{"blank name", map[string]any{"items": []map[string]any{{"name": "   ", "item_condition_id": 1}}}, http.StatusBadRequest},
		{"not json", "nope", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer(t, nil, nil)
			s.fund(t, "acct-1", 1000)

			w := s.do(t, http.MethodPost, "/api/v1/pricing/jobs", "acct-1", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())

			balance, err := s.ledger.Balance(context.Background(), "acct-1")
			require.NoError(t, err)
			assert.Equal(t, domain.Money(1000), balance)
		})
	}
}

func TestCreateJobIdempotencyHeader(t *testing.T) {
	s := newServer(t, nil, nil)
	s.fund(t, "acct-1", 10000)
	s.fund(t, "acct-2", 10000)

	send := func(account string) *httptest.ResponseRecorder {
		raw, _ := json.Marshal(jobBody(1))
		req := httptest.NewRequest(http.MethodPost, "/api/v1/pricing/jobs", bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token(t, account))
		req.Header.Set("X-Idempotency-Key", "order-1")
		w := httptest.NewRecorder()
		s.engine.ServeHTTP(w, req)
		return w
	}

	w := send("acct-1")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "order-1", decode[dto.CreateJobResponse](t, w).JobID)

	w = send("acct-1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[dto.CreateJobResponse](t, w).Replayed)

	w = send("acct-2")
	assert.Equal(t, http.StatusConflict, w.Code)

	balance, err := s.ledger.Balance(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, domain.Money(9500), balance)
}

func TestCreateJobPublishFailure(t *testing.T) {
	s := newServer(t, brokenPublisher{}, nil)
	s.fund(t, "acct-1", 10000)

	w := s.do(t, http.MethodPost, "/api/v1/pricing/jobs", "acct-1", jobBody(2))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotContains(t, w.Body.String(), "broker down")

	balance, err := s.ledger.Balance(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, domain.Money(10000), balance)
}

func TestGetJobOwnerOnly(t *testing.T) {
	s := newServer(t, nil, nil)
	s.fund(t, "acct-1", 10000)

	w := s.do(t, http.MethodPost, "/api/v1/pricing/jobs", "acct-1", jobBody(1))
	require.Equal(t, http.StatusAccepted, w.Code)
	jobID := decode[dto.CreateJobResponse](t, w).JobID

	w = s.do(t, http.MethodGet, "/api/v1/pricing/jobs/"+jobID, "acct-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	job := decode[dto.JobDTO](t, w)
	assert.Equal(t, jobID, job.JobID)
	assert.Equal(t, "QUEUED", job.State)
	assert.Equal(t, 1, job.ItemCount)
	assert.Equal(t, "5.00", job.Cost)

	w = s.do(t, http.MethodGet, "/api/v1/pricing/jobs/"+jobID, "acct-2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/pricing/jobs/missing", "acct-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetJobShowsResult(t *testing.T) {
	s := newServer(t, nil, nil)
	s.fund(t, "acct-1", 10000)

	w := s.do(t, http.MethodPost, "/api/v1/pricing/jobs", "acct-1", jobBody(1))
	require.Equal(t, http.StatusAccepted, w.Code)
	jobID := decode[dto.CreateJobResponse](t, w).JobID

	ctx := context.Background()
	_, err := s.jobs.Transition(ctx, jobID, domain.JobStateQueued, domain.JobStateProcessing)
	require.NoError(t, err)
	require.NoError(t, s.jobs.RecordResult(ctx, jobID, domain.JobResult{
		Predictions: []domain.Prediction{{Name: "item-0", Price: 12.5, Confidence: 0.6}},
	}))
	_, err = s.jobs.Transition(ctx, jobID, domain.JobStateProcessing, domain.JobStateCompleted)
	require.NoError(t, err)

	w = s.do(t, http.MethodGet, "/api/v1/pricing/jobs/"+jobID, "acct-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	job := decode[dto.JobDTO](t, w)
	assert.Equal(t, "COMPLETED", job.State)
	require.Len(t, job.Predictions, 1)
	assert.Equal(t, 12.5, job.Predictions[0].Price)
	assert.Contains(t, w.Body.String(), `"predicted_price":12.5`)
}

func TestListJobsPagination(t *testing.T) {
	s := newServer(t, nil, nil)
	s.fund(t, "acct-1", 10000)
	s.fund(t, "acct-2", 10000)

	for i := 0; i < 3; i++ {
		w := s.do(t, http.MethodPost, "/api/v1/pricing/jobs", "acct-1", jobBody(1))
		require.Equal(t, http.StatusAccepted, w.Code)
		time.Sleep(time.Millisecond)
	}
	w := s.do(t, http.MethodPost, "/api/v1/pricing/jobs", "acct-2", jobBody(1))
	require.Equal(t, http.StatusAccepted, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/pricing/jobs?page_size=2", "acct-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page1 := decode[dto.ListJobsResponse](t, w)
	require.Len(t, page1.Jobs, 2)
	require.NotEmpty(t, page1.NextCursor)

	w = s.do(t, http.MethodGet, "/api/v1/pricing/jobs?page_size=2&cursor="+page1.NextCursor, "acct-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page2 := decode[dto.ListJobsResponse](t, w)
	require.Len(t, page2.Jobs, 1)
	assert.Empty(t, page2.NextCursor)

	seen := map[string]bool{}
	for _, j := range append(page1.Jobs, page2.Jobs...) {
		assert.False(t, seen[j.JobID], "duplicate %s", j.JobID)
		seen[j.JobID] = true
	}

	w = s.do(t, http.MethodGet, "/api/v1/pricing/jobs?state=BOGUS", "acct-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/pricing/jobs?cursor=bm90LWEtY3Vyc29y", "acct-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCostPreview(t *testing.T) {
	s := newServer(t, nil, nil)

	tests := []struct {
		query    string
		want     int
		cost     string
		discount bool
	}{
		{"items=1", http.StatusOK, "5.00", false},
		{"items=9", http.StatusOK, "45.00", false},
		{"items=10", http.StatusOK, "40.00", true},
		{"items=0", http.StatusBadRequest, "", false},
		{"items=-3", http.StatusBadRequest, "", false},
		{"items=101", http.StatusBadRequest, "", false},
		{"items=abc", http.StatusBadRequest, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := s.do(t, http.MethodGet, "/api/v1/pricing/cost?"+tt.query, "acct-1", nil)
			require.Equal(t, tt.want, w.Code, w.Body.String())
			if tt.want != http.StatusOK {
				return
			}
			resp := decode[dto.CostResponse](t, w)
			assert.Equal(t, tt.cost, resp.Cost)
			assert.Equal(t, tt.discount, resp.DiscountApplied)
		})
	}
}

func TestTariffAndModelInfo(t *testing.T) {
	s := newServer(t, nil, nil)

	w := s.do(t, http.MethodGet, "/api/v1/pricing/tariff", "acct-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	tr := decode[dto.TariffResponse](t, w)
	assert.Equal(t, "5.00", tr.UnitPrice)
	assert.Equal(t, 10, tr.BulkThreshold)
	assert.InDelta(t, 0.2, tr.DiscountRate, 1e-9)
	assert.Equal(t, 100, tr.MaxItems)

	w = s.do(t, http.MethodGet, "/api/v1/pricing/model", "acct-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	info := decode[inference.Info](t, w)
	assert.True(t, info.Model.Loaded)
	assert.Equal(t, 10000.0, info.MaxPrice)
}

func TestHealthAndMetrics(t *testing.T) {
	healthy := newServer(t, nil, map[string]func(context.Context) error{
		"postgres": func(context.Context) error { return nil },
	})
	w := healthy.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)

	sick := newServer(t, nil, map[string]func(context.Context) error{
		"rabbitmq": func(context.Context) error { return errors.New("not connected") },
	})
	w = sick.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "not connected")

	w = healthy.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "go_goroutines"))
}

func TestOpsRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name     string
		check    error
		wantCode int
		wantBody string
	}{
		{"healthy", nil, http.StatusOK, `"pricing-worker-service"`},
		{"broker down", errors.New("not connected"), http.StatusServiceUnavailable, "not connected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := SetupOpsRouter(&handler.Dependencies{
				Logger: testLogger,
				Checks: map[string]func(context.Context) error{
					"rabbitmq": func(context.Context) error { return tt.check },
				},
			}, "pricing-worker-service")

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantBody)

			w = httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Body.String(), "go_goroutines")

			w = httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/pricing/tariff", nil))
			assert.Equal(t, http.StatusNotFound, w.Code)
		})
	}
}
