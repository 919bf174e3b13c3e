package epic_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/jcmexdev/canteen-integration/internal/coordinator"
	"github.com/jcmexdev/canteen-integration/internal/coordinator/retry"
	"github.com/jcmexdev/canteen-integration/internal/epic"
	"github.com/jcmexdev/canteen-integration/internal/epic/canteen"
	"github.com/jcmexdev/canteen-integration/internal/pkg/interceptors"
)

// serve hosts router on an in-memory listener and returns a client for it.
func serve(t *testing.T, router *epic.Router) *epic.Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		interceptors.UnaryServerInterceptor(),
		interceptors.LoggingServerInterceptor(nil),
	))
	epic.NewServer(router, nil).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(interceptors.UnaryClientInterceptor()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return epic.NewClient(conn)
}

func TestService_TypedActions(t *testing.T) {
	type in struct{ N int }
	type out struct{ Double int }

	var compensated int
	svc := epic.NewService("math").
		Handle("double", epic.Action(func(_ context.Context, v in) (out, error) { return out{v.N * 2}, nil })).
		HandleCompensation("undo", epic.Compensation(func(_ context.Context, v out) error {
			compensated = v.Double
			return nil
		}))
	r := epic.NewRouter().Mount(svc)

	raw, err := r.Invoke(context.Background(), "math", "double", json.RawMessage(`{"N":21}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"Double":42}`, string(raw))

	require.NoError(t, r.Compensate(context.Background(), "math", "undo", raw))
	assert.Equal(t, 42, compensated)

	_, err = r.Invoke(context.Background(), "math", "triple", nil)
	assert.ErrorIs(t, err, epic.ErrUnknownAction)
	_, err = r.Invoke(context.Background(), "physics", "double", nil)
	assert.ErrorIs(t, err, epic.ErrUnknownDomain)
	_, err = r.Invoke(context.Background(), "math", "double", json.RawMessage(`"nope"`))
	assert.ErrorIs(t, err, epic.ErrRejected)
	assert.ErrorIs(t, err, coordinator.ErrNonRetryable)

	assert.Equal(t, []string{"double", "undo"}, svc.Actions())
	assert.Equal(t, []string{"math"}, r.Domains())
}

func TestClient_RoundTripsOverGRPC(t *testing.T) {
	c := canteen.New(canteen.Config{})
	client := serve(t, c.Router())
	ctx := context.Background()

	raw, err := client.Invoke(ctx, "menus", "reserve",
		json.RawMessage(`{"studentId":"s-1","items":[{"menuItemId":"menu_pasta","quantity":2}]}`))
	require.NoError(t, err)
	res, err := coordinator.Decode[canteen.Reservation](raw)
	require.NoError(t, err)
	assert.NotEmpty(t, res.ReservationID)
	assert.Equal(t, 13, c.Menus.Available("menu_pasta"))

	require.NoError(t, client.Compensate(ctx, "menus", "release", raw))
	assert.Equal(t, 15, c.Menus.Available("menu_pasta"))
}

func TestClient_MapsErrorsBackToSentinels(t *testing.T) {
	client := serve(t, canteen.New(canteen.Config{}).Router())
	ctx := context.Background()

	_, err := client.Invoke(ctx, "lockers", "open", nil)
	assert.ErrorIs(t, err, epic.ErrUnknownDomain)

	_, err = client.Invoke(ctx, "orders", "ship", nil)
	assert.ErrorIs(t, err, epic.ErrUnknownAction)

	_, err = client.Invoke(ctx, "menus", "reserve",
		json.RawMessage(`{"studentId":"s-1","items":[{"menuItemId":"menu_soup","quantity":1}]}`))
	assert.ErrorIs(t, err, epic.ErrRejected)
	assert.ErrorIs(t, err, coordinator.ErrNonRetryable, "still permanent after the round trip")
	assert.Contains(t, err.Error(), "menu_soup has 0 portions left")

	err = client.Compensate(ctx, "orders", "cancel", json.RawMessage(`{"id":"missing"}`))
	require.Error(t, err)
	assert.False(t, errors.Is(err, epic.ErrRejected))
}

func TestClient_PropagatesIdempotencyKey(t *testing.T) {
	c := canteen.New(canteen.Config{})
	client := serve(t, c.Router())
	ctx := interceptors.WithIdempotencyKey(context.Background(), "tray-7")

	input := json.RawMessage(`{"studentId":"s-1","amount":12.5}`)
	first, err := client.Invoke(ctx, "payments", "charge", input)
	require.NoError(t, err)
	second, err := client.Invoke(ctx, "payments", "charge", input)
	require.NoError(t, err)

	assert.JSONEq(t, string(first), string(second))
	assert.Equal(t, 12.5, c.Payments.Balance(), "charged once")
}

func TestEngine_OverGRPC_CompensatesRemoteSteps(t *testing.T) {
	c := canteen.New(canteen.Config{ChargeLimit: 20})
	client := serve(t, c.Router())

	router := epic.NewRouter()
	for _, d := range []string{"menus", "orders", "payments", "notifications"} {
		router.Route(d, client)
	}
	engine, err := coordinator.NewEngine(coordinator.Options{Invoker: router, Policies: retry.DefaultStore()})
	require.NoError(t, err)

	res := engine.SubmitSaga(context.Background(), coordinator.Submission{
		Type: "meal-order",
		Steps: []coordinator.StepSpec{
			{Domain: "menus", Action: "reserve", CompensationAction: "release",
				Input: json.RawMessage(`{"studentId":"s-1","items":[{"menuItemId":"menu_salad","quantity":3}]}`)},
			{Domain: "orders", Action: "create", CompensationAction: "cancel",
				Input: json.RawMessage(`{"studentId":"s-1","items":[{"menuItemId":"menu_salad","quantity":3,"unitPrice":9.5}]}`)},
			{Domain: "payments", Action: "charge", CompensationAction: "refund",
				Input: json.RawMessage(`{"studentId":"s-1","amount":28.5}`)},
		},
	})

	require.False(t, res.Success)
	assert.Contains(t, res.Error, "exceeds limit")
	assert.Equal(t, 10, c.Menus.Available("menu_salad"), "reservation released")

	tx, err := engine.GetSagaStatus(res.SagaID)
	require.NoError(t, err)
	order, err := coordinator.Decode[canteen.Order](tx.Steps[1].Result)
	require.NoError(t, err)
	stored, ok := c.Orders.Get(order.ID)
	require.True(t, ok)
	assert.Equal(t, canteen.OrderCancelled, stored.Status)
	assert.Equal(t, coordinator.StepCompensated, tx.Steps[0].Status)
	assert.Equal(t, coordinator.StepCompensated, tx.Steps[1].Status)
	assert.Equal(t, coordinator.StepFailed, tx.Steps[2].Status)
	assert.Zero(t, tx.Steps[2].Retries, "a declined charge is not retried")
	assert.Equal(t, 5, tx.Steps[2].MaxRetries)

	payments := engine.GetEpicHealth("payments").CircuitBreaker
	assert.Zero(t, payments.FailureCount, "declines do not count against the epic")
	assert.False(t, payments.IsOpen)
}

func TestEngine_DeclinedChargesKeepBreakerClosed(t *testing.T) {
	c := canteen.New(canteen.Config{ChargeLimit: 20})
	engine, err := coordinator.NewEngine(coordinator.Options{Invoker: c.Router(), Policies: retry.DefaultStore()})
	require.NoError(t, err)

	charge := func(amount string) coordinator.Result {
		return engine.SubmitSaga(context.Background(), coordinator.Submission{
			Type: "top-up",
			Steps: []coordinator.StepSpec{{Domain: "payments", Action: "charge", CompensationAction: "refund",
				Input: json.RawMessage(`{"studentId":"s-1","amount":` + amount + `}`)}},
		})
	}

	for i := 0; i < 6; i++ {
		res := charge("99")
		require.False(t, res.Success)
		assert.Contains(t, res.Error, "exceeds limit")
	}

	res := charge("5")
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, 5.0, c.Payments.Balance())
}

