package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const defaultTTLSeconds = 60

// Sender delivers one payload to one subscription.
type Sender interface {
	Send(ctx context.Context, descriptor Descriptor, payload []byte) error
}

// DeliveryError reports a non-success response from the push service.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("push: delivery rejected with status %d", e.StatusCode)
}

// Expired reports whether the push service considers the endpoint gone.
func (e *DeliveryError) Expired() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}

// WebPushConfig carries the VAPID identity of the application server.
type WebPushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTLSeconds      int
	HTTPClient      *http.Client
}

// WebPushSender sends VAPID-signed, encrypted web-push messages.
type WebPushSender struct {
	publicKey  string
	privateKey string
	subscriber string
	ttl        int
	httpClient *http.Client
}

// NewWebPushSender validates the VAPID configuration.
func NewWebPushSender(cfg WebPushConfig) (*WebPushSender, error) {
	if strings.TrimSpace(cfg.VAPIDPublicKey) == "" || strings.TrimSpace(cfg.VAPIDPrivateKey) == "" {
		return nil, errors.New("push: vapid key pair is required")
	}
	if strings.TrimSpace(cfg.Subscriber) == "" {
		return nil, errors.New("push: subscriber contact is required")
	}
	ttl := cfg.TTLSeconds
	if ttl <= 0 {
		ttl = defaultTTLSeconds
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &WebPushSender{
		publicKey:  cfg.VAPIDPublicKey,
		privateKey: cfg.VAPIDPrivateKey,
		subscriber: cfg.Subscriber,
		ttl:        ttl,
		httpClient: httpClient,
	}, nil
}

// Send delivers payload as a text message with normal urgency.
func (s *WebPushSender) Send(ctx context.Context, descriptor Descriptor, payload []byte) error {
	if err := descriptor.Validate(); err != nil {
		return err
	}
	response, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: descriptor.Endpoint,
		Keys: webpush.Keys{
			P256dh: descriptor.Keys.P256dh,
			Auth:   descriptor.Keys.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      s.httpClient,
		Subscriber:      s.subscriber,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		TTL:             s.ttl,
		Urgency:         webpush.UrgencyNormal,
	})
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return &DeliveryError{StatusCode: response.StatusCode, Body: string(body)}
	}
	return nil
}
