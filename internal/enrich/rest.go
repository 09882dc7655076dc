package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/notification-pipeline/internal/notification"
)

// RESTLookup queries the user and template services over HTTP. Both accept
// either a bare object or one wrapped in {"data": ...}.
type RESTLookup struct {
	UserURL     string
	TemplateURL string
	Client      *http.Client
}

func NewRESTLookup(userURL, templateURL string, timeout time.Duration) *RESTLookup {
	return &RESTLookup{
		UserURL:     strings.TrimRight(userURL, "/"),
		TemplateURL: strings.TrimRight(templateURL, "/"),
		Client:      &http.Client{Timeout: timeout},
	}
}

type restUser struct {
	Email       string         `json:"email"`
	Name        string         `json:"name"`
	FCMToken    string         `json:"fcm_token"`
	PushToken   string         `json:"push_token"`
	Preferences map[string]any `json:"preferences"`
}

type restTemplate struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Content string `json:"content"`
	Version int    `json:"version"`
}

func (r *RESTLookup) GetUser(ctx context.Context, userID string) (notification.UserData, error) {
	var u restUser
	if err := r.get(ctx, r.UserURL+"/users/"+url.PathEscape(userID), "user", userID, &u); err != nil {
		return notification.UserData{}, err
	}
	token := u.FCMToken
	if token == "" {
		token = u.PushToken
	}
	return notification.UserData{Email: u.Email, Name: u.Name, FCMToken: token, Preferences: u.Preferences}, nil
}

func (r *RESTLookup) GetTemplate(ctx context.Context, code string) (notification.TemplateData, error) {
	var t restTemplate
	if err := r.get(ctx, r.TemplateURL+"/api/v1/templates/by-name/"+url.PathEscape(code), "template", code, &t); err != nil {
		return notification.TemplateData{}, err
	}
	body := t.Body
	if body == "" {
		body = t.Content
	}
	return notification.TemplateData{Subject: t.Subject, Body: body, Version: t.Version}, nil
}

func (r *RESTLookup) get(ctx context.Context, endpoint, resource, id string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", resource, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return transportErr("rest "+resource, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return notification.NewNotFound(resource, id)
	case resp.StatusCode >= 500:
		return transportErr("rest "+resource, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 300:
		return fmt.Errorf("rest %s: unexpected status %d", resource, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transportErr("rest "+resource, err)
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		raw = envelope.Data
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", resource, err)
	}
	return nil
}
