package notification

import "fmt"

// Payload is the channel-specific message handed to a transport.
// EmailPayload and PushPayload are the only implementations.
type Payload interface {
	Channel() Channel
	payload()
}

type EmailPayload struct {
	To            string
	Name          string
	Subject       string
	HTML          string
	RequestID     string
	CorrelationID string
}

func (EmailPayload) Channel() Channel { return ChannelEmail }
func (EmailPayload) payload()         {}

// PushPayload targets either a device Token or a Topic.
type PushPayload struct {
	Token       string
	Topic       string
	Title       string
	Body        string
	Image       string
	Icon        string
	ClickAction string
	Data        map[string]string
}

func (PushPayload) Channel() Channel { return ChannelPush }
func (PushPayload) payload()         {}

// BuildPayload turns a rendered envelope into the payload for its channel.
func BuildPayload(env Envelope, r Rendered) (Payload, error) {
	switch env.NotificationType {
	case ChannelEmail:
		if env.UserData.Email == "" {
			return nil, fmt.Errorf("%w: user has no email address", ErrParse)
		}
		return EmailPayload{
			To:            env.UserData.Email,
			Name:          env.UserData.Name,
			Subject:       r.Subject,
			HTML:          r.Body,
			RequestID:     env.RequestID,
			CorrelationID: env.CorrelationID,
		}, nil
	case ChannelPush:
		if env.UserData.FCMToken == "" {
			return nil, fmt.Errorf("%w: user has no push token", ErrParse)
		}
		data := map[string]string{
			"user_id":    env.UserID,
			"request_id": env.RequestID,
			"priority":   string(env.Priority),
		}
		for k, v := range StringMap(env.Metadata) {
			data[k] = v
		}
		return PushPayload{
			Token: env.UserData.FCMToken,
			Title: r.Subject,
			Body:  r.Body,
			Data:  data,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChannel, env.NotificationType)
	}
}

// StringMap renders every value of m the way templates render them.
func StringMap(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = stringify(v)
	}
	return out
}
