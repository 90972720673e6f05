package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/noah-isme/toko-subscriptions/internal/health"
	"github.com/noah-isme/toko-subscriptions/internal/jobs"
	"github.com/noah-isme/toko-subscriptions/internal/ratelimit"
)

type stubTasks struct {
	tasks []*asynq.Task
	err   error
}

func (s *stubTasks) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Queue: "renewals"}, nil
}

func newTestRouter(tasks *stubTasks, mutate func(*Config)) http.Handler {
	cfg := Config{
		Health:   health.Handler{},
		Enqueuer: jobs.Enqueuer{Client: tasks, Queue: "renewals"},
		Token:    "secret",
		MaxBody:  256,
		Logger:   zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewRouter(cfg)
}

func postRenewal(h http.Handler, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/renewals", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.7:4100"
	req.Header.Set("User-Agent", "billing-cron")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body.Error.Code
}

func TestEnqueueRenewalAccepted(t *testing.T) {
	tasks := &stubTasks{}
	rr := postRenewal(newTestRouter(tasks, nil), `{"originalOrderId":"o-1","failedOrderId":"r-2"}`, "secret")

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	require.Len(t, tasks.tasks, 1)

	var p jobs.RenewalPayload
	require.NoError(t, json.Unmarshal(tasks.tasks[0].Payload(), &p))
	require.Equal(t, "o-1", p.OriginalOrderID)
	require.Equal(t, "r-2", p.FailedOrderID)
	require.Equal(t, "billing-cron", p.UserAgent)
	require.NotEmpty(t, p.IP)
}

func TestEnqueueRenewalRequiresToken(t *testing.T) {
	tasks := &stubTasks{}
	h := newTestRouter(tasks, nil)

	rr := postRenewal(h, `{"originalOrderId":"o-1"}`, "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	rr = postRenewal(h, `{"originalOrderId":"o-1"}`, "guess")
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Empty(t, tasks.tasks)
}

func TestEnqueueRenewalErrors(t *testing.T) {
	cases := map[string]struct {
		body   string
		err    error
		status int
		code   string
	}{
		"malformed":        {body: `{`, status: http.StatusBadRequest, code: "INVALID_INPUT"},
		"missing original": {body: `{"failedOrderId":"r-2"}`, status: http.StatusBadRequest, code: "INVALID_INPUT"},
		"duplicate":        {body: `{"originalOrderId":"o-1"}`, err: asynq.ErrTaskIDConflict, status: http.StatusConflict, code: "ALREADY_QUEUED"},
		"broker down":      {body: `{"originalOrderId":"o-1"}`, err: errors.New("dial tcp: refused"), status: http.StatusInternalServerError, code: "INTERNAL"},
		"oversized":        {body: `{"originalOrderId":"` + strings.Repeat("x", 300) + `"}`, status: http.StatusRequestEntityTooLarge, code: "PAYLOAD_TOO_LARGE"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rr := postRenewal(newTestRouter(&stubTasks{err: tc.err}, nil), tc.body, "secret")
			require.Equal(t, tc.status, rr.Code)
			require.Equal(t, tc.code, errorCode(t, rr))
		})
	}
}

func TestEnqueueRenewalRateLimited(t *testing.T) {
	h := newTestRouter(&stubTasks{}, func(c *Config) {
		c.Limiter = ratelimit.Limiter{Store: memory.NewStore()}
		c.RateLimit = 1
	})

	require.Equal(t, http.StatusAccepted, postRenewal(h, `{"originalOrderId":"o-1"}`, "secret").Code)
	rr := postRenewal(h, `{"originalOrderId":"o-2"}`, "secret")
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestLiveIsOpen(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestRouter(&stubTasks{}, nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}
