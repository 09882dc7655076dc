package enrich

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/notification-pipeline/internal/notification"
)

// Full method names of the lookup RPCs. Requests and responses are
// google.protobuf.Struct messages.
const (
	MethodGetUserByID       = "/user.UserService/GetUserById"
	MethodGetTemplateByCode = "/template.TemplateService/GetTemplateByCode"
)

// GRPCLookup calls the user and template services over gRPC.
type GRPCLookup struct {
	users     grpc.ClientConnInterface
	templates grpc.ClientConnInterface
	timeout   time.Duration
	closers   []func() error
}

func NewGRPCLookup(users, templates grpc.ClientConnInterface) *GRPCLookup {
	return &GRPCLookup{users: users, templates: templates}
}

// WithTimeout bounds every call. Zero leaves only the caller's deadline.
func (l *GRPCLookup) WithTimeout(d time.Duration) *GRPCLookup {
	l.timeout = d
	return l
}

// DialGRPCLookup creates lazy plaintext connections to both services.
func DialGRPCLookup(userAddr, templateAddr string, timeout time.Duration) (*GRPCLookup, error) {
	users, err := grpc.NewClient(userAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("create user service client: %w", err)
	}
	templates, err := grpc.NewClient(templateAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		_ = users.Close()
		return nil, fmt.Errorf("create template service client: %w", err)
	}
	l := NewGRPCLookup(users, templates).WithTimeout(timeout)
	l.closers = []func() error{users.Close, templates.Close}
	return l, nil
}

func (l *GRPCLookup) Close() error {
	var first error
	for _, c := range l.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (l *GRPCLookup) GetUser(ctx context.Context, userID string) (notification.UserData, error) {
	resp, err := l.invoke(ctx, l.users, MethodGetUserByID, map[string]any{"id": userID}, "user", userID)
	if err != nil {
		return notification.UserData{}, err
	}
	fields := resp.AsMap()
	if len(fields) == 0 {
		return notification.UserData{}, notification.NewNotFound("user", userID)
	}
	u := notification.UserData{
		Email:    str(fields, "email"),
		Name:     str(fields, "name"),
		FCMToken: str(fields, "fcm_token"),
	}
	if u.FCMToken == "" {
		u.FCMToken = str(fields, "push_token")
	}
	if prefs, ok := fields["preferences"].(map[string]any); ok {
		u.Preferences = prefs
	}
	return u, nil
}

func (l *GRPCLookup) GetTemplate(ctx context.Context, code string) (notification.TemplateData, error) {
	resp, err := l.invoke(ctx, l.templates, MethodGetTemplateByCode, map[string]any{"code": code}, "template", code)
	if err != nil {
		return notification.TemplateData{}, err
	}
	fields := resp.AsMap()
	if len(fields) == 0 {
		return notification.TemplateData{}, notification.NewNotFound("template", code)
	}
	t := notification.TemplateData{Subject: str(fields, "subject"), Body: str(fields, "body")}
	if t.Body == "" {
		t.Body = str(fields, "content")
	}
	if v, ok := fields["version"].(float64); ok {
		t.Version = int(v)
	}
	return t, nil
}

func (l *GRPCLookup) invoke(ctx context.Context, conn grpc.ClientConnInterface, method string, in map[string]any, resource, id string) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	resp := &structpb.Struct{}
	if err := conn.Invoke(ctx, method, req, resp); err != nil {
		switch status.Code(err) {
		case codes.NotFound:
			return nil, notification.NewNotFound(resource, id)
		case codes.InvalidArgument:
			return nil, fmt.Errorf("%w: %s", notification.ErrValidation, status.Convert(err).Message())
		default:
			return nil, transportErr("grpc "+resource, err)
		}
	}
	return resp, nil
}

func str(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
