package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"connectrpc.com/connect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chazu/strata/malloc"
	"github.com/chazu/strata/vm"
)

const (
	// ConsoleServiceName is the fully-qualified name of the console service.
	ConsoleServiceName = "strata.v1.Console"
	// ExecProcedure is the path of the Exec method for Connect and gRPC.
	ExecProcedure = "/" + ConsoleServiceName + "/Exec"
)

// ErrUnknownCommand is returned when no subsystem recognises a command.
var ErrUnknownCommand = errors.New("unknown command")

// ConsoleServer is the gRPC contract of the console service. Requests and
// replies are protobuf well-known StringValue messages carrying the command
// line and its output.
type ConsoleServer interface {
	Exec(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
}

// ConsoleService routes console commands to the VM first, then to the
// allocator chain.
type ConsoleService struct {
	worker  *Worker
	metrics *Metrics
}

// NewConsoleService creates a ConsoleService.
func NewConsoleService(worker *Worker, metrics *Metrics) *ConsoleService {
	return &ConsoleService{worker: worker, metrics: metrics}
}

// Run executes one command line on the game thread and returns its output.
func (s *ConsoleService) Run(ctx context.Context, cmd string) (string, error) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return "", fmt.Errorf("%w: empty command", ErrUnknownCommand)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	out, err := s.worker.Do(func(v *vm.VM) (any, error) {
		var sb strings.Builder
		if v.Exec(cmd, &sb) || malloc.Exec(cmd, &sb) {
			return sb.String(), nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	})
	s.metrics.observeCommand(err)
	if err != nil {
		log.Debugf("console %q: %s", cmd, err)
		return "", err
	}
	log.Debugf("console %q", cmd)
	return out.(string), nil
}

// Exec implements ConsoleServer.
func (s *ConsoleService) Exec(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	out, err := s.Run(ctx, req.GetValue())
	if err != nil {
		return nil, status.Error(grpcCode(err), err.Error())
	}
	return wrapperspb.String(out), nil
}

// connectExec adapts Run to a Connect unary handler.
func (s *ConsoleService) connectExec(
	ctx context.Context,
	req *connect.Request[wrapperspb.StringValue],
) (*connect.Response[wrapperspb.StringValue], error) {
	out, err := s.Run(ctx, req.Msg.GetValue())
	if err != nil {
		return nil, connect.NewError(connectCode(err), err)
	}
	return connect.NewResponse(wrapperspb.String(out)), nil
}

func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, ErrUnknownCommand):
		return codes.NotFound
	case errors.Is(err, ErrStopped):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	return codes.Internal
}

func connectCode(err error) connect.Code {
	return connect.Code(grpcCode(err))
}

// consoleServiceDesc registers ConsoleServer with a grpc.Server without
// generated stubs.
var consoleServiceDesc = grpc.ServiceDesc{
	ServiceName: ConsoleServiceName,
	HandlerType: (*ConsoleServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Exec",
			Handler:    execHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "strata/v1/console.proto",
}

func execHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ConsoleServer).Exec(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ExecProcedure,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ConsoleServer).Exec(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterConsoleServer registers srv on s.
func RegisterConsoleServer(s grpc.ServiceRegistrar, srv ConsoleServer) {
	s.RegisterService(&consoleServiceDesc, srv)
}

// ExecRemote sends cmd to a console served over gRPC.
func ExecRemote(ctx context.Context, conn grpc.ClientConnInterface, cmd string) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := conn.Invoke(ctx, ExecProcedure, wrapperspb.String(cmd), out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}
