package enrich

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/notification-pipeline/internal/notification"
)

type structHandler func(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func structService(name, method string, h structHandler) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: name,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: method,
			Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				return h(ctx, in)
			},
		}},
	}
}

func dialBufconn(t *testing.T, descs ...*grpc.ServiceDesc) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	for _, d := range descs {
		srv.RegisterService(d, struct{}{})
	}
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestGRPCLookup(t *testing.T) {
	users := structService("user.UserService", "GetUserById", func(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
		id := in.GetFields()["id"].GetStringValue()
		if id != "u1" {
			return nil, status.Error(codes.NotFound, "no such user")
		}
		return structpb.NewStruct(map[string]any{
			"email":       "jane@example.com",
			"name":        "Jane",
			"fcm_token":   "tok",
			"preferences": map[string]any{"push_enabled": false},
		})
	})
	templates := structService("template.TemplateService", "GetTemplateByCode", func(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]any{"subject": "S", "body": "B " + in.GetFields()["code"].GetStringValue(), "version": 3})
	})
	conn := dialBufconn(t, users, templates)
	l := NewGRPCLookup(conn, conn)
	ctx := context.Background()

	u, err := l.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "tok", u.FCMToken)
	assert.False(t, u.ChannelEnabled(notification.ChannelPush))

	_, err = l.GetUser(ctx, "u2")
	assert.ErrorIs(t, err, notification.ErrNotFound)

	tmpl, err := l.GetTemplate(ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, notification.TemplateData{Subject: "S", Body: "B welcome", Version: 3}, tmpl)
}

func TestGRPCLookupUnimplementedIsTransport(t *testing.T) {
	conn := dialBufconn(t)
	_, err := NewGRPCLookup(conn, conn).GetTemplate(context.Background(), "welcome")
	assert.ErrorIs(t, err, ErrTransport)
}

func TestGRPCLookupTimeoutFallsBack(t *testing.T) {
	stalled := structService("user.UserService", "GetUserById", func(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	conn := dialBufconn(t, stalled)
	rest := &fakeLookup{user: notification.UserData{Email: "rest@example.com"}}
	users := FallbackUsers{Primary: NewGRPCLookup(conn, conn).WithTimeout(50 * time.Millisecond), Secondary: rest}

	start := time.Now()
	u, err := users.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "rest@example.com", u.Email)
	assert.Less(t, time.Since(start), 2*time.Second)
}
