package backend

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/sendlix/smtp-relay/logger"
	"github.com/sendlix/smtp-relay/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	MethodGetJwtToken  = "/sendlix.api.v1.Auth/GetJwtToken"
	MethodSendEmlEmail = "/sendlix.api.v1.Email/SendEmlEmail"
)

// GRPCOptions configures the gRPC email API client.
type GRPCOptions struct {
	Target      string        // host:port of the API
	Insecure    bool          // Plaintext transport
	Timeout     time.Duration // Per-call deadline, 0 disables
	HeaderName  string        // Optional static metadata sent with every call
	HeaderValue string
	UserAgent   string
	DialOptions []grpc.DialOption
}

// GRPCClient implements Client over gRPC.
type GRPCClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	static  metadata.MD
}

// NewGRPCClient creates a client. The connection is established lazily on the first call.
func NewGRPCClient(opts GRPCOptions) (*GRPCClient, error) {
	if opts.Target == "" {
		return nil, fmt.Errorf("backend target is required")
	}

	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if opts.Insecure {
		creds = insecure.NewCredentials()
	}

	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if opts.UserAgent != "" {
		dialOpts = append(dialOpts, grpc.WithUserAgent(opts.UserAgent))
	}
	dialOpts = append(dialOpts, opts.DialOptions...)

	conn, err := grpc.NewClient(opts.Target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client for %s: %w", opts.Target, err)
	}

	c := &GRPCClient{conn: conn, timeout: opts.Timeout}
	if opts.HeaderName != "" {
		c.static = metadata.Pairs(opts.HeaderName, opts.HeaderValue)
	}

	logger.Info("Backend: gRPC client created", "target", opts.Target, "insecure", opts.Insecure)
	return c, nil
}

func (c *GRPCClient) Login(ctx context.Context, keyID int64, secret string) (Token, error) {
	var reply frame
	if err := c.invoke(ctx, MethodGetJwtToken, encodeAuthRequest(keyID, secret), &reply); err != nil {
		return Token{}, err
	}

	token, err := decodeAuthResponse(reply.payload)
	if err != nil {
		return Token{}, fmt.Errorf("%s: %w", MethodGetJwtToken, err)
	}
	return token, nil
}

func (c *GRPCClient) SendMessage(ctx context.Context, msg Message) error {
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+msg.Bearer)

	var reply frame
	return c.invoke(ctx, MethodSendEmlEmail, encodeEmlMailRequest(msg.Raw, msg.Category), &reply)
}

func (c *GRPCClient) invoke(ctx context.Context, method string, payload []byte, reply *frame) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if len(c.static) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, metadata.Join(c.static, outgoing(ctx)))
	}

	start := time.Now()
	err := c.conn.Invoke(ctx, method, &frame{payload: payload}, reply, grpc.ForceCodec(frameCodec{}))
	metrics.BackendDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

	st := status.Convert(err)
	metrics.BackendRequests.WithLabelValues(method, st.Code().String()).Inc()

	if err == nil {
		return nil
	}
	logger.Debug("Backend: call failed", "method", method, "code", st.Code().String(), "error", st.Message())
	return &RPCError{Method: method, Code: st.Code(), Detail: st.Message()}
}

func outgoing(ctx context.Context) metadata.MD {
	md, _ := metadata.FromOutgoingContext(ctx)
	return md
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}
