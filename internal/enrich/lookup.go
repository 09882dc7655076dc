// Package enrich resolves the user and template snapshots an envelope
// carries, reading through a shared cache in front of the lookup services.
package enrich

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/notification-pipeline/internal/notification"
)

// ErrTransport marks a failure to reach a lookup service, as opposed to an
// answer from it. Only transport failures fall through to the next lookup.
var ErrTransport = errors.New("lookup transport failure")

type UserLookup interface {
	GetUser(ctx context.Context, userID string) (notification.UserData, error)
}

type TemplateLookup interface {
	GetTemplate(ctx context.Context, code string) (notification.TemplateData, error)
}

// Lookup is a single backend that answers both kinds of query.
type Lookup interface {
	UserLookup
	TemplateLookup
}

func transportErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrTransport, err)
}

// FallbackUsers asks Primary first and Secondary on a transport failure.
type FallbackUsers struct {
	Primary   UserLookup
	Secondary UserLookup
}

func (f FallbackUsers) GetUser(ctx context.Context, userID string) (notification.UserData, error) {
	u, err := f.Primary.GetUser(ctx, userID)
	if err == nil || !errors.Is(err, ErrTransport) || f.Secondary == nil {
		return u, unavailable(err)
	}
	u, fbErr := f.Secondary.GetUser(ctx, userID)
	if fbErr != nil && errors.Is(fbErr, ErrTransport) {
		return notification.UserData{}, fmt.Errorf("%w: user service: %v; %v", notification.ErrLookupUnavailable, err, fbErr)
	}
	return u, fbErr
}

type FallbackTemplates struct {
	Primary   TemplateLookup
	Secondary TemplateLookup
}

func (f FallbackTemplates) GetTemplate(ctx context.Context, code string) (notification.TemplateData, error) {
	t, err := f.Primary.GetTemplate(ctx, code)
	if err == nil || !errors.Is(err, ErrTransport) || f.Secondary == nil {
		return t, unavailable(err)
	}
	t, fbErr := f.Secondary.GetTemplate(ctx, code)
	if fbErr != nil && errors.Is(fbErr, ErrTransport) {
		return notification.TemplateData{}, fmt.Errorf("%w: template service: %v; %v", notification.ErrLookupUnavailable, err, fbErr)
	}
	return t, fbErr
}

func unavailable(err error) error {
	if err != nil && errors.Is(err, ErrTransport) {
		return fmt.Errorf("%w: %v", notification.ErrLookupUnavailable, err)
	}
	return err
}
