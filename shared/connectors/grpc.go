package connectors

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/cpa02cmz/quanforge-sub008/shared/common"
	"github.com/cpa02cmz/quanforge-sub008/shared/integration"
	"github.com/cpa02cmz/quanforge-sub008/shared/pool"
	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

// GRPCConfig holds settings for an external gRPC API
type GRPCConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Name          string        `yaml:"name" json:"name" mapstructure:"name"`
	Target        string        `yaml:"target" json:"target" mapstructure:"target"`
	HealthService string        `yaml:"health_service" json:"health_service" mapstructure:"health_service"`
	DialTimeout   time.Duration `yaml:"dial_timeout" json:"dial_timeout" mapstructure:"dial_timeout"`
}

// GRPCConnector is an external API reached over gRPC and probed through the
// standard health service
type GRPCConnector struct {
	config GRPCConfig
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	logger *zap.Logger
}

// NewGRPCConnector creates a lazily connecting client
func NewGRPCConnector(config GRPCConfig, logger *zap.Logger) (*GRPCConnector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Name == "" {
		config.Name = "external-api"
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}

	conn, err := grpc.Dial(config.Target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create gRPC client for %s", config.Target)
	}
	return &GRPCConnector{
		config: config,
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		logger: logger,
	}, nil
}

func (c *GRPCConnector) Name() string { return c.config.Name }

func (c *GRPCConnector) Kind() types.IntegrationKind { return types.KindExternalAPI }

// Conn returns the shared client connection
func (c *GRPCConnector) Conn() *grpc.ClientConn { return c.conn }

// HealthCheck calls grpc.health.v1.Health/Check
func (c *GRPCConnector) HealthCheck(ctx context.Context) integration.HealthResult {
	return probe(ctx, func(ctx context.Context) (map[string]interface{}, error) {
		details := map[string]interface{}{"state": c.conn.GetState().String()}

		resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: c.config.HealthService})
		if err != nil {
			return details, classifyGRPC(err)
		}
		details["serving_status"] = resp.GetStatus().String()
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			return details, common.NewAppError(common.ErrCodeServerError,
				"service reports "+resp.GetStatus().String()).WithKind(types.KindExternalAPI)
		}
		return details, nil
	})
}

// Recover resets the connect backoff so the channel redials immediately
func (c *GRPCConnector) Recover(ctx context.Context) bool {
	c.conn.ResetConnectBackoff()
	c.conn.Connect()
	return c.HealthCheck(ctx).Healthy
}

// Close closes the client connection
func (c *GRPCConnector) Close(ctx context.Context) error {
	return c.conn.Close()
}

// ConnFactory returns a pool factory dialling dedicated connections to the target
func (c *GRPCConnector) ConnFactory() pool.Factory[*grpc.ClientConn] {
	return pool.FactoryFuncs[*grpc.ClientConn]{
		CreateFunc: func(ctx context.Context) (*grpc.ClientConn, error) {
			dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
			defer cancel()
			conn, err := grpc.DialContext(dialCtx, c.config.Target,
				grpc.WithTransportCredentials(insecure.NewCredentials()),
				grpc.WithBlock())
			if err != nil {
				return nil, classifyGRPC(err)
			}
			return conn, nil
		},
		ValidateFunc: func(ctx context.Context, conn *grpc.ClientConn) bool {
			state := conn.GetState()
			return state != connectivity.Shutdown && state != connectivity.TransientFailure
		},
		DestroyFunc: func(ctx context.Context, conn *grpc.ClientConn) error {
			return conn.Close()
		},
	}
}

// classifyGRPC maps gRPC status codes onto error codes
func classifyGRPC(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return common.NewAppErrorWithCause(common.ErrCodeTimeout, "gRPC dial timed out", err).WithKind(types.KindExternalAPI)
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	var code common.ErrorCode
	switch st.Code() {
	case codes.DeadlineExceeded:
		code = common.ErrCodeTimeout
	case codes.ResourceExhausted:
		code = common.ErrCodeRateLimited
	case codes.Unavailable:
		code = common.ErrCodeNetworkError
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		code = common.ErrCodeValidationFailed
	case codes.NotFound, codes.PermissionDenied, codes.Unauthenticated, codes.AlreadyExists, codes.Unimplemented:
		code = common.ErrCodeClientError
	default:
		code = common.ErrCodeServerError
	}
	return common.NewAppErrorWithCause(code, st.Message(), err).
		WithKind(types.KindExternalAPI).
		WithDetail("grpc_code", st.Code().String())
}
