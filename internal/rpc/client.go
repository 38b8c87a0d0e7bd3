package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/danielpatrickdp/phasegate/internal/attractor"
	"github.com/danielpatrickdp/phasegate/internal/signals"
	"github.com/danielpatrickdp/phasegate/internal/trajectory"
)

// #region client-struct
// Client calls a remote policy engine.
type Client struct {
	conn *grpc.ClientConn
}

// #endregion client-struct

// #region constructor
// NewClient connects to a policy engine at addr.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close shuts down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// #endregion constructor

// #region calls

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
}

// RecordSignal sends one observation.
func (c *Client) RecordSignal(ctx context.Context, agentID string, kind signals.Kind, p signals.Payload) error {
	fields := map[string]any{
		"agent_id": agentID,
		"kind":     string(kind),
		"value":    p.Value,
	}
	if !p.At.IsZero() {
		fields["at"] = p.At.Format(time.RFC3339Nano)
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if err := c.invoke(ctx, MethodRecordSignal, in, new(emptypb.Empty)); err != nil {
		return fmt.Errorf("record signal: %w", err)
	}
	return nil
}

// GetTrajectory fetches the agent's transitions in [since, until).
func (c *Client) GetTrajectory(ctx context.Context, agentID string, since, until time.Time) ([]trajectory.Transition, error) {
	fields := map[string]any{"agent_id": agentID}
	if !since.IsZero() {
		fields["since"] = since.Format(time.RFC3339Nano)
	}
	if !until.IsZero() {
		fields["until"] = until.Format(time.RFC3339Nano)
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	out := new(wrapperspb.BytesValue)
	if err := c.invoke(ctx, MethodGetTrajectory, in, out); err != nil {
		return nil, fmt.Errorf("get trajectory: %w", err)
	}
	var trs []trajectory.Transition
	if err := json.Unmarshal(out.GetValue(), &trs); err != nil {
		return nil, fmt.Errorf("decode trajectory: %w", err)
	}
	return trs, nil
}

// ExportTrajectories returns the JSON Lines export.
func (c *Client) ExportTrajectories(ctx context.Context) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.invoke(ctx, MethodExportTrajectories, &emptypb.Empty{}, out); err != nil {
		return nil, fmt.Errorf("export trajectories: %w", err)
	}
	return out.GetValue(), nil
}

// DiscoverAttractors triggers discovery for agentID, or every agent when
// empty. Zero fields in overrides keep the server defaults.
func (c *Client) DiscoverAttractors(ctx context.Context, agentID string, overrides attractor.Params) ([]attractor.Attractor, error) {
	fields := map[string]any{}
	if agentID != "" {
		fields["agent_id"] = agentID
	}
	if overrides.Eps > 0 {
		fields["eps"] = overrides.Eps
	}
	if overrides.MinSamples > 0 {
		fields["min_samples"] = overrides.MinSamples
	}
	if overrides.WindowSize > 0 {
		fields["window_size"] = overrides.WindowSize
	}
	if overrides.Stride > 0 {
		fields["stride"] = overrides.Stride
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	out := new(wrapperspb.BytesValue)
	if err := c.invoke(ctx, MethodDiscoverAttractors, in, out); err != nil {
		return nil, fmt.Errorf("discover attractors: %w", err)
	}
	var found []attractor.Attractor
	if err := json.Unmarshal(out.GetValue(), &found); err != nil {
		return nil, fmt.Errorf("decode attractors: %w", err)
	}
	return found, nil
}

// ReviewIntervention records a manual review.
func (c *Client) ReviewIntervention(ctx context.Context, agentID, reviewer string) error {
	in, err := structpb.NewStruct(map[string]any{"agent_id": agentID, "reviewer": reviewer})
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if err := c.invoke(ctx, MethodReviewIntervention, in, new(emptypb.Empty)); err != nil {
		return fmt.Errorf("review intervention: %w", err)
	}
	return nil
}

// #endregion calls
