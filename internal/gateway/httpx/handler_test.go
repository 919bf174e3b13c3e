package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/canteen-integration/internal/coordinator"
	"github.com/jcmexdev/canteen-integration/internal/coordinator/breaker"
	"github.com/jcmexdev/canteen-integration/internal/coordinator/retry"
	"github.com/jcmexdev/canteen-integration/internal/epic/canteen"
	"github.com/jcmexdev/canteen-integration/internal/pkg/telemetry"
)

const mealOrder = `{
  "type": "meal-order",
  "steps": [
    {"domain": "menus", "action": "reserve", "compensationAction": "release",
     "input": {"studentId": "s-1", "items": [{"menuItemId": "menu_pasta", "quantity": 1}]}},
    {"domain": "payments", "action": "charge", "compensationAction": "refund",
     "input": {"studentId": "s-1", "amount": %s}}
  ]
}`

type testServer struct {
	handler http.Handler
	canteen *canteen.Canteen
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	c := canteen.New(canteen.Config{ChargeLimit: 50})
	reg := prometheus.NewRegistry()
	engine, err := coordinator.NewEngine(coordinator.Options{
		Invoker: c.Router(),
		Metrics: telemetry.NewMetrics(reg),
	})
	require.NoError(t, err)
	_, err = engine.UpdateRetryPolicy("payments", patchMaxRetries(0))
	require.NoError(t, err)

	h := NewHandler(engine, nil)
	return &testServer{
		handler: NewRouter(h, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		canteen: c,
	}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestSubmitSaga_SuccessThenStatusAndResult(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/sagas", strings.Replace(mealOrder, "%s", "4.5", 1))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[coordinator.Result](t, rec)
	assert.True(t, res.Success)
	require.Len(t, res.Result, 2)

	rec = s.do(t, http.MethodGet, "/sagas/"+res.SagaID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	saga := decode[SagaResponse](t, rec)
	assert.Equal(t, "completed", saga.Status)
	assert.Len(t, saga.Steps, 2)
	assert.Zero(t, saga.Steps[1].MaxRetries)

	rec = s.do(t, http.MethodGet, "/sagas/"+res.SagaID+"/result", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[coordinator.Result](t, rec).Cached)

	rec = s.do(t, http.MethodGet, "/sagas", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]SagaResponse](t, rec), 1)
}

func TestSubmitSaga_FailureIsCompensated(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/sagas", strings.Replace(mealOrder, "%s", "75", 1))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	res := decode[coordinator.Result](t, rec)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "exceeds limit")
	assert.Equal(t, 15, s.canteen.Menus.Available("menu_pasta"))

	saga := decode[SagaResponse](t, s.do(t, http.MethodGet, "/sagas/"+res.SagaID, ""))
	assert.Equal(t, "failed", saga.Status)
	assert.Equal(t, "compensated", saga.Steps[0].Status)

	rec = s.do(t, http.MethodGet, "/sagas/"+res.SagaID+"/result", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitSaga_IdempotencyHeader(t *testing.T) {
	s := newTestServer(t)
	body := strings.Replace(mealOrder, "%s", "4.5", 1)

	first := decode[coordinator.Result](t, s.do(t, http.MethodPost, "/sagas", body, "X-Idempotency-Key", "tray-1"))
	second := decode[coordinator.Result](t, s.do(t, http.MethodPost, "/sagas", body, "X-Idempotency-Key", "tray-1"))

	assert.Equal(t, first.SagaID, second.SagaID)
	assert.True(t, second.Cached)
	assert.Equal(t, 14, s.canteen.Menus.Available("menu_pasta"), "reserved once")
	assert.Equal(t, 4.5, s.canteen.Payments.Balance())
}

func TestSubmitSaga_BadRequests(t *testing.T) {
	s := newTestServer(t)

	for name, body := range map[string]string{
		"json":    `{`,
		"timeout": `{"type":"x","steps":[{"domain":"orders","action":"create"}],"timeout":"soon"}`,
		"empty":   `{"type":"x","steps":[]}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/sagas", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestGetSaga_NotFound(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/sagas/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "saga_not_found", decode[ErrorResponse](t, rec).Error)
}

func TestRetryPolicies(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPatch, "/retry-policies/notifications", `{"maxRetries":1,"baseDelay":"250ms"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p := decode[RetryPolicyResponse](t, rec)
	assert.Equal(t, 1, p.MaxRetries)
	assert.Equal(t, "250ms", p.BaseDelay)
	assert.Equal(t, "5s", p.MaxDelay)

	rec = s.do(t, http.MethodPatch, "/retry-policies/notifications", `{"maxRetries":-2}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(t, http.MethodPatch, "/retry-policies/notifications", `{"maxDelay":"forever"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	all := decode[[]RetryPolicyResponse](t, s.do(t, http.MethodGet, "/retry-policies", ""))
	assert.Len(t, all, 6)
	assert.Equal(t, "analytics", all[0].Domain)
}

func TestBreakerRoutesAndEpicHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/epics/payments/breaker/open", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[breaker.State](t, rec).IsOpen)

	health := decode[coordinator.EpicHealth](t, s.do(t, http.MethodGet, "/epics/payments/health", ""))
	assert.False(t, health.IsHealthy)
	assert.True(t, health.CircuitBreaker.IsOpen)

	rec = s.do(t, http.MethodPost, "/sagas", strings.Replace(mealOrder, "%s", "4.5", 1))
	assert.Contains(t, decode[coordinator.Result](t, rec).Error, "circuit breaker open")

	rec = s.do(t, http.MethodPost, "/epics/payments/breaker/reset", "")
	assert.False(t, decode[breaker.State](t, rec).IsOpen)
	assert.Len(t, decode[[]breaker.State](t, s.do(t, http.MethodGet, "/breakers", "")), 2, "menus and payments")
}

func TestPerformanceAndPrometheusEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/sagas", strings.Replace(mealOrder, "%s", "4.5", 1))

	pm := decode[coordinator.PerformanceMetrics](t, s.do(t, http.MethodGet, "/metrics/performance", ""))
	assert.Zero(t, pm.ActiveSagaCount)

	rec := s.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "canteen_integration_step_attempts_total")

	rec = s.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func patchMaxRetries(n int) retry.Update {
	return retry.Update{MaxRetries: &n}
}
