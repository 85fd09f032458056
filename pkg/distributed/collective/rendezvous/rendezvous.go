// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rendezvous implements collective.Communicator across processes, using a coordinator
// gRPC service (usually hosted by rank 0) that matches the calls of every rank.
//
// Messages are encoded as JSON with a codec registered under the name "json", so no generated
// protobuf stubs are needed: the values exchanged are a handful of scalars per iteration.
package rendezvous

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gomlx/gridtrain/pkg/distributed/collective"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"k8s.io/klog/v2"
)

const (
	serviceName    = "gridtrain.Rendezvous"
	joinMethod     = "/" + serviceName + "/Join"
	helloMethod    = "/" + serviceName + "/Hello"
	codecName      = "json"
	defaultTimeout = 2 * time.Minute
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

// JoinRequest is the wire form of a collective.Call.
type JoinRequest struct {
	Kind   collective.CallKind `json:"kind"`
	Group  []int               `json:"group"`
	Seq    uint64              `json:"seq"`
	Rank   int                 `json:"rank"`
	Op     collective.ReduceOp `json:"op"`
	Values []float64           `json:"values,omitempty"`
}

// JoinResponse carries the reduced values.
type JoinResponse struct {
	Values []float64 `json:"values,omitempty"`
}

// HelloRequest is sent by a rank when it connects.
type HelloRequest struct {
	Rank int `json:"rank"`
}

// HelloResponse returns the world size known by the coordinator.
type HelloResponse struct {
	WorldSize int `json:"world_size"`
}

// service is the interface implemented by the coordinator, used as grpc.ServiceDesc.HandlerType.
type service interface {
	Join(ctx context.Context, req *JoinRequest) (*JoinResponse, error)
	Hello(ctx context.Context, req *HelloRequest) (*HelloResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*service)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Join", Handler: joinHandler},
		{MethodName: "Hello", Handler: helloHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rendezvous",
}

func joinHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(JoinRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(service).Join(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: joinMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(service).Join(ctx, req.(*JoinRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func helloHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HelloRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(service).Hello(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: helloMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(service).Hello(ctx, req.(*HelloRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Coordinator matches the collective calls of all ranks of a job.
type Coordinator struct {
	hub *collective.Hub
}

// NewCoordinator creates the coordinator for a job of worldSize ranks.
func NewCoordinator(worldSize int) *Coordinator {
	return &Coordinator{hub: collective.NewHub(worldSize)}
}

// Register the coordinator service in a gRPC server.
func (c *Coordinator) Register(s *grpc.Server) {
	s.RegisterService(&serviceDesc, c)
}

// Join implements the Join RPC: it blocks until every member of the group joined.
func (c *Coordinator) Join(ctx context.Context, req *JoinRequest) (*JoinResponse, error) {
	values, err := c.hub.Join(ctx, collective.Call{
		Kind: req.Kind, Group: req.Group, Seq: req.Seq, Rank: req.Rank, Op: req.Op, Values: req.Values})
	if err != nil {
		return nil, err
	}
	return &JoinResponse{Values: values}, nil
}

// Hello implements the Hello RPC.
func (c *Coordinator) Hello(_ context.Context, req *HelloRequest) (*HelloResponse, error) {
	klog.V(1).Infof("rendezvous: rank %d connected", req.Rank)
	return &HelloResponse{WorldSize: c.hub.WorldSize()}, nil
}

// Client is a collective.Communicator talking to a Coordinator.
type Client struct {
	rank, worldSize int
	conn            *grpc.ClientConn
	seq             collective.Sequencer
}

var _ collective.Communicator = (*Client)(nil)

// Option configures Dial.
type Option func(*dialConfig)

type dialConfig struct {
	grpcOptions    []grpc.DialOption
	connectTimeout time.Duration
}

// WithGRPCOptions adds options to the gRPC client, e.g.: a custom dialer for tests.
func WithGRPCOptions(opts ...grpc.DialOption) Option {
	return func(c *dialConfig) { c.grpcOptions = append(c.grpcOptions, opts...) }
}

// WithConnectTimeout sets for how long Dial retries to reach the coordinator. Default is 2 minutes.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *dialConfig) { c.connectTimeout = timeout }
}

// Dial connects rank to the coordinator at target, retrying with exponential backoff while the
// coordinator is not yet up. It fails if the coordinator reports a different world size.
func Dial(ctx context.Context, target string, rank, worldSize int, opts ...Option) (*Client, error) {
	cfg := &dialConfig{connectTimeout: defaultTimeout}
	for _, opt := range opts {
		opt(cfg)
	}
	grpcOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, cfg.grpcOptions...)
	conn, err := grpc.NewClient(target, grpcOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "creating rendezvous client for %q", target)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond
	expBackoff.MaxInterval = 5 * time.Second
	expBackoff.MaxElapsedTime = cfg.connectTimeout
	var resp HelloResponse
	err = backoff.Retry(func() error {
		if err := conn.Invoke(ctx, helloMethod, &HelloRequest{Rank: rank}, &resp); err != nil {
			klog.V(1).Infof("rendezvous: rank %d waiting for coordinator at %s: %v", rank, target, err)
			return err
		}
		return nil
	}, backoff.WithContext(expBackoff, ctx))
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "rank %d failed to reach rendezvous coordinator at %q", rank, target)
	}
	if resp.WorldSize != worldSize {
		_ = conn.Close()
		return nil, errors.Errorf("rank %d expected world size %d, coordinator at %q has %d",
			rank, worldSize, target, resp.WorldSize)
	}
	return &Client{rank: rank, worldSize: worldSize, conn: conn}, nil
}

// Rank implements collective.Communicator.
func (c *Client) Rank() int { return c.rank }

// WorldSize implements collective.Communicator.
func (c *Client) WorldSize() int { return c.worldSize }

// AllReduce implements collective.Communicator.
func (c *Client) AllReduce(ctx context.Context, group []int, values []float64, op collective.ReduceOp) ([]float64, error) {
	if err := collective.ValidateGroup(group, c.rank, c.worldSize); err != nil {
		return nil, err
	}
	req := &JoinRequest{
		Kind: collective.KindAllReduce, Group: group, Seq: c.seq.Next(group), Rank: c.rank, Op: op, Values: values}
	var resp JoinResponse
	if err := c.conn.Invoke(ctx, joinMethod, req, &resp); err != nil {
		return nil, errors.Wrapf(err, "all-reduce(%s) on group %v", op, group)
	}
	return resp.Values, nil
}

// Barrier implements collective.Communicator.
func (c *Client) Barrier(ctx context.Context, group []int) error {
	if err := collective.ValidateGroup(group, c.rank, c.worldSize); err != nil {
		return err
	}
	req := &JoinRequest{Kind: collective.KindBarrier, Group: group, Seq: c.seq.Next(group), Rank: c.rank}
	if err := c.conn.Invoke(ctx, joinMethod, req, &JoinResponse{}); err != nil {
		return errors.Wrapf(err, "barrier on group %v", group)
	}
	return nil
}

// Close the connection to the coordinator.
func (c *Client) Close() error {
	return c.conn.Close()
}
