package rpc

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/danielpatrickdp/phasegate/internal/attractor"
	"github.com/danielpatrickdp/phasegate/internal/config"
	"github.com/danielpatrickdp/phasegate/internal/engine"
	"github.com/danielpatrickdp/phasegate/internal/signals"
	"github.com/danielpatrickdp/phasegate/internal/state"
	"github.com/danielpatrickdp/phasegate/internal/trajectory"
)

func setup(t *testing.T) (*engine.Engine, *Client) {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.TrajectoryPath = filepath.Join(t.TempDir(), "trajectory.db")
	cfg.Storage.Snapshot.InMemory = true
	e, err := engine.Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(nil)))
	Register(srv, NewServer(e, cfg.Discovery.Params, nil))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	c, err := NewClient("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return e, c
}

func TestRecordSignal(t *testing.T) {
	e, c := setup(t)
	ctx := context.Background()

	require.NoError(t, c.RecordSignal(ctx, "a1", signals.ClaimVerified, signals.Payload{Value: 0.9}))
	m, err := e.Measure(ctx, "a1")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, m.State.Get(state.Truthfulness), 1e-9)

	err = c.RecordSignal(ctx, "a1", "telepathy", signals.Payload{})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = c.RecordSignal(ctx, "a1", signals.Health, signals.Payload{Value: 1.5})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGetTrajectoryAndExport(t *testing.T) {
	e, c := setup(t)
	ctx := context.Background()
	res, err := e.GateAction(ctx, "a1", "act-1", nil)
	require.NoError(t, err)

	trs, err := c.GetTrajectory(ctx, "a1", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, res.TransitionID, trs[0].ID)
	assert.Equal(t, trajectory.Allow, trs[0].Decision)

	trs, err = c.GetTrajectory(ctx, "a1", time.Now().Add(time.Hour), time.Time{})
	require.NoError(t, err)
	assert.Empty(t, trs)

	_, err = c.GetTrajectory(ctx, "", time.Time{}, time.Time{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	data, err := c.ExportTrajectories(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, bytes.Count(data, []byte("\n")))
}

func TestDiscoverAndReview(t *testing.T) {
	_, c := setup(t)
	ctx := context.Background()

	found, err := c.DiscoverAttractors(ctx, "", attractor.Params{})
	require.NoError(t, err)
	assert.Empty(t, found)

	_, err = c.DiscoverAttractors(ctx, "a1", attractor.Params{Eps: -1})
	require.NoError(t, err, "non-positive overrides are not sent")

	err = c.ReviewIntervention(ctx, "a1", "ops")
	assert.Equal(t, codes.NotFound, status.Code(err))

	err = c.ReviewIntervention(ctx, "a1", "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGateActionNotExposed(t *testing.T) {
	_, c := setup(t)
	err := c.conn.Invoke(context.Background(), "/"+ServiceName+"/GateAction", &emptypb.Empty{}, new(emptypb.Empty))
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}
