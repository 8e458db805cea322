package source

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"

	grpc_logrus "github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/G-Research/rdapipeline/internal/rda/configuration"
)

// Dial opens a client connection to the RDA API with logging and metrics interceptors.
func Dial(ctx context.Context, config configuration.SourceConfig) (*grpc.ClientConn, error) {
	entry := log.WithField("component", "rda-client")
	opts := []grpc.DialOption{
		grpc.WithChainUnaryInterceptor(
			grpc_prometheus.UnaryClientInterceptor,
			grpc_logrus.UnaryClientInterceptor(entry),
		),
		grpc.WithChainStreamInterceptor(
			grpc_prometheus.StreamClientInterceptor,
			grpc_logrus.StreamClientInterceptor(entry),
		),
	}
	if config.UseTls {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if config.KeepAlive > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                config.KeepAlive,
			PermitWithoutStream: true,
		}))
	}
	if config.AuthToken != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerToken{token: config.AuthToken, secure: config.UseTls}))
	}

	target := net.JoinHostPort(config.Host, strconv.Itoa(int(config.Port)))
	conn, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "error connecting to RDA API at %s", target)
	}
	return conn, nil
}

type bearerToken struct {
	token  string
	secure bool
}

func (b bearerToken) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}

func (b bearerToken) RequireTransportSecurity() bool {
	return b.secure
}

// GrpcStreamCaller calls a server streaming RDA method whose request is the starting sequence
// number and whose responses are opaque structpb.Struct messages.
type GrpcStreamCaller struct {
	conn          *grpc.ClientConn
	method        string
	versionMethod string
}

func NewGrpcStreamCaller(conn *grpc.ClientConn, method string, versionMethod string) *GrpcStreamCaller {
	return &GrpcStreamCaller{conn: conn, method: method, versionMethod: versionMethod}
}

func (c *GrpcStreamCaller) CallVersionService(ctx context.Context) (string, error) {
	reply := &wrapperspb.StringValue{}
	if err := c.conn.Invoke(ctx, c.versionMethod, &emptypb.Empty{}, reply); err != nil {
		return "", errors.WithStack(err)
	}
	return reply.GetValue(), nil
}

func (c *GrpcStreamCaller) CallService(ctx context.Context, startingSequenceNumber int64) (ResponseStream[*structpb.Struct], error) {
	ctx, cancel := context.WithCancel(ctx)
	desc := &grpc.StreamDesc{StreamName: c.method, ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, c.method)
	if err != nil {
		cancel()
		return nil, errors.WithStack(err)
	}
	if err := stream.SendMsg(wrapperspb.Int64(startingSequenceNumber)); err != nil {
		cancel()
		return nil, errors.WithStack(err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, errors.WithStack(err)
	}
	return &grpcResponseStream{stream: stream, cancel: cancel}, nil
}

func (c *GrpcStreamCaller) HealthCheck(ctx context.Context) error {
	resp, err := grpc_health_v1.NewHealthClient(c.conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return errors.WithStack(err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return errors.Errorf("RDA API is %s", resp.GetStatus())
	}
	return nil
}

func (c *GrpcStreamCaller) Close() error {
	return c.conn.Close()
}

type grpcResponseStream struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
}

func (s *grpcResponseStream) Next() (*structpb.Struct, error) {
	message := &structpb.Struct{}
	if err := s.stream.RecvMsg(message); err != nil {
		return nil, err
	}
	return message, nil
}

func (s *grpcResponseStream) Cancel() {
	s.cancel()
}
