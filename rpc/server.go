// Package rpc exposes the relay's operational surface over Connect:
// dead-letter administration, health, routing advice and command submission
// for operators, and a server stream that delivers command envelopes to
// workers. Messages are protobuf well-known types, so no generated code is
// required.
package rpc

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/tailored-agentic-units/relay/deadletter"
	"github.com/tailored-agentic-units/relay/dispatch"
	"github.com/tailored-agentic-units/relay/health"
	"github.com/tailored-agentic-units/relay/realtime"
)

const (
	AdminServiceName  = "relay.v1.AdminService"
	WorkerServiceName = "relay.v1.WorkerService"

	GetDeadLetterStatsProcedure    = "/" + AdminServiceName + "/GetDeadLetterStats"
	GetQuarantinedJobsProcedure    = "/" + AdminServiceName + "/GetQuarantinedJobs"
	ReleaseFromQuarantineProcedure = "/" + AdminServiceName + "/ReleaseFromQuarantine"
	ClearDeadLetterQueueProcedure  = "/" + AdminServiceName + "/ClearDeadLetterQueue"
	GetSystemHealthProcedure       = "/" + AdminServiceName + "/GetSystemHealth"
	GetProtocolPathProcedure       = "/" + AdminServiceName + "/GetProtocolPath"
	ExecuteProcedure               = "/" + AdminServiceName + "/Execute"
	SubscribeProcedure             = "/" + WorkerServiceName + "/Subscribe"
)

// DeadLetters is the dead-letter admin surface.
type DeadLetters interface {
	Stats(ctx context.Context) (deadletter.Stats, error)
	QuarantinedJobs(ctx context.Context) ([]deadletter.Entry, error)
	Release(ctx context.Context, id string) (deadletter.Entry, error)
	Clear(ctx context.Context) error
}

// Dispatcher is the routing surface.
type Dispatcher interface {
	Execute(ctx context.Context, operation string, payload map[string]any, opts dispatch.Options) dispatch.Result
	SystemHealth(ctx context.Context) dispatch.SystemHealth
	ProtocolPath(ctx context.Context, req health.PathRequest) health.ProtocolPath
}

// Registry tracks worker connections.
type Registry interface {
	Register(info realtime.ConnectionInfo) (*realtime.Connection, error)
	Authenticate(id string) error
	Unregister(id string) error
}

// Config holds RPC credentials. An empty token disables that check.
type Config struct {
	AdminToken  string `json:"-" yaml:"-"`
	WorkerToken string `json:"-" yaml:"-"`
}

func (c *Config) Merge(source *Config) {
	if source.AdminToken != "" {
		c.AdminToken = source.AdminToken
	}
	if source.WorkerToken != "" {
		c.WorkerToken = source.WorkerToken
	}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// Server implements the admin and worker services.
type Server struct {
	cfg         Config
	deadLetters DeadLetters
	dispatcher  Dispatcher
	registry    Registry
	logger      *slog.Logger
}

// NewServer creates a Server over the given components.
func NewServer(cfg Config, deadLetters DeadLetters, dispatcher Dispatcher, registry Registry, opts ...Option) *Server {
	s := &Server{
		cfg:         cfg,
		deadLetters: deadLetters,
		dispatcher:  dispatcher,
		registry:    registry,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler mounts every procedure on a new mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	admin := connect.WithInterceptors(s.adminAuth())

	mux.Handle(GetDeadLetterStatsProcedure, connect.NewUnaryHandler(GetDeadLetterStatsProcedure, s.getDeadLetterStats, admin))
	mux.Handle(GetQuarantinedJobsProcedure, connect.NewUnaryHandler(GetQuarantinedJobsProcedure, s.getQuarantinedJobs, admin))
	mux.Handle(ReleaseFromQuarantineProcedure, connect.NewUnaryHandler(ReleaseFromQuarantineProcedure, s.releaseFromQuarantine, admin))
	mux.Handle(ClearDeadLetterQueueProcedure, connect.NewUnaryHandler(ClearDeadLetterQueueProcedure, s.clearDeadLetterQueue, admin))
	mux.Handle(GetSystemHealthProcedure, connect.NewUnaryHandler(GetSystemHealthProcedure, s.getSystemHealth, admin))
	mux.Handle(GetProtocolPathProcedure, connect.NewUnaryHandler(GetProtocolPathProcedure, s.getProtocolPath, admin))
	mux.Handle(ExecuteProcedure, connect.NewUnaryHandler(ExecuteProcedure, s.execute, admin))
	mux.Handle(SubscribeProcedure, connect.NewServerStreamHandler(SubscribeProcedure, s.subscribe))

	return mux
}

func (s *Server) adminAuth() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			token := strings.TrimPrefix(req.Header().Get("Authorization"), "Bearer ")
			if !tokenMatches(s.cfg.AdminToken, token) {
				return nil, connect.NewError(connect.CodeUnauthenticated, errors.New("invalid admin token"))
			}
			return next(ctx, req)
		}
	}
}

func tokenMatches(want, got string) bool {
	if want == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

func (s *Server) getDeadLetterStats(ctx context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	stats, err := s.deadLetters.Stats(ctx)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return structResponse(stats)
}

func (s *Server) getQuarantinedJobs(ctx context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	entries, err := s.deadLetters.QuarantinedJobs(ctx)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	if entries == nil {
		entries = []deadletter.Entry{}
	}
	return structResponse(map[string]any{"entries": entries})
}

func (s *Server) releaseFromQuarantine(ctx context.Context, req *connect.Request[wrapperspb.StringValue]) (*connect.Response[structpb.Struct], error) {
	id := strings.TrimSpace(req.Msg.GetValue())
	if id == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("entry id is required"))
	}

	entry, err := s.deadLetters.Release(ctx, id)
	switch {
	case errors.Is(err, deadletter.ErrNotQuarantined), errors.Is(err, deadletter.ErrNotFound):
		return nil, connect.NewError(connect.CodeNotFound, err)
	case err != nil:
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	s.logger.InfoContext(ctx, "quarantine released via admin", slog.String("id", id))
	return structResponse(entry)
}

func (s *Server) clearDeadLetterQueue(ctx context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[emptypb.Empty], error) {
	if err := s.deadLetters.Clear(ctx); err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	s.logger.InfoContext(ctx, "dead-letter queue cleared via admin")
	return connect.NewResponse(&emptypb.Empty{}), nil
}

func (s *Server) getSystemHealth(ctx context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	return structResponse(s.dispatcher.SystemHealth(ctx))
}

func (s *Server) getProtocolPath(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	var pathReq health.PathRequest
	if err := fromStruct(req.Msg, &pathReq); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	return structResponse(s.dispatcher.ProtocolPath(ctx, pathReq))
}

type executeRequest struct {
	Operation string         `json:"operation"`
	Payload   map[string]any `json:"payload"`
	Options   struct {
		RequireReliability bool   `json:"require_reliability"`
		PreferRealTime     bool   `json:"prefer_real_time"`
		Scope              string `json:"scope"`
		TimeoutMS          int64  `json:"timeout_ms"`
	} `json:"options"`
}

func (s *Server) execute(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	var in executeRequest
	if err := fromStruct(req.Msg, &in); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if in.Operation == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("operation is required"))
	}

	result := s.dispatcher.Execute(ctx, in.Operation, in.Payload, dispatch.Options{
		RequireReliability: in.Options.RequireReliability,
		PreferRealTime:     in.Options.PreferRealTime,
		Scope:              in.Options.Scope,
		Timeout:            time.Duration(in.Options.TimeoutMS) * time.Millisecond,
	})
	return structResponse(result)
}

type subscribeRequest struct {
	WorkerID string   `json:"worker_id"`
	Scopes   []string `json:"scopes"`
	Token    string   `json:"token"`
}

// subscribe registers the caller as a worker connection and streams every
// envelope routed to it until the caller disconnects.
func (s *Server) subscribe(ctx context.Context, req *connect.Request[structpb.Struct], stream *connect.ServerStream[structpb.Struct]) error {
	var in subscribeRequest
	if err := fromStruct(req.Msg, &in); err != nil {
		return connect.NewError(connect.CodeInvalidArgument, err)
	}
	if in.WorkerID == "" {
		return connect.NewError(connect.CodeInvalidArgument, errors.New("worker_id is required"))
	}

	if !tokenMatches(s.cfg.WorkerToken, in.Token) {
		return connect.NewError(connect.CodeUnauthenticated, errors.New("invalid worker token"))
	}

	conn, err := s.registry.Register(realtime.ConnectionInfo{
		ID:     in.WorkerID,
		Role:   realtime.RoleWorker,
		Scopes: in.Scopes,
	})
	switch {
	case errors.Is(err, realtime.ErrAlreadyRegistered):
		return connect.NewError(connect.CodeAlreadyExists, err)
	case errors.Is(err, realtime.ErrHubClosed):
		return connect.NewError(connect.CodeUnavailable, err)
	case err != nil:
		return connect.NewError(connect.CodeInternal, err)
	}
	defer s.registry.Unregister(in.WorkerID)

	if err := s.registry.Authenticate(in.WorkerID); err != nil {
		return connect.NewError(connect.CodeInternal, err)
	}

	s.logger.InfoContext(
		ctx,
		"worker subscribed",
		slog.String("worker_id", in.WorkerID),
		slog.Any("scopes", in.Scopes),
	)

	for {
		env, err := conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, realtime.ErrConnectionClosed) {
				s.logger.InfoContext(context.WithoutCancel(ctx), "worker disconnected", slog.String("worker_id", in.WorkerID))
				return nil
			}
			return connect.NewError(connect.CodeUnavailable, err)
		}

		msg, err := toStruct(env)
		if err != nil {
			s.logger.ErrorContext(ctx, "envelope encoding failed", slog.String("envelope_id", env.ID), slog.String("error", err.Error()))
			continue
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
	}
}

func structResponse(v any) (*connect.Response[structpb.Struct], error) {
	msg, err := toStruct(v)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}
