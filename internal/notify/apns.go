package notify

import (
	"context"
	"fmt"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"

	"github.com/example/fleet-dispatch/internal/models"
)

// APNsSender is the subset of the apns2 client used here.
type APNsSender interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// APNsPusher delivers push notifications straight to Apple devices.
type APNsPusher struct {
	Client APNsSender
	// Topic is the app bundle id.
	Topic string
}

// NewAPNsPusher builds a token-authenticated client from a .p8 key.
func NewAPNsPusher(keyFile, keyID, teamID, topic string, production bool) (*APNsPusher, error) {
	authKey, err := token.AuthKeyFromFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("apns auth key: %w", err)
	}
	client := apns2.NewTokenClient(&token.Token{AuthKey: authKey, KeyID: keyID, TeamID: teamID})
	if production {
		client = client.Production()
	} else {
		client = client.Development()
	}
	return &APNsPusher{Client: client, Topic: topic}, nil
}

func (a *APNsPusher) Name() string { return "apns" }

func (a *APNsPusher) Push(ctx context.Context, d models.Driver, msg PushMessage) error {
	if d.APNToken == "" {
		return ErrNoAddress
	}
	res, err := a.Client.PushWithContext(ctx, APNsNotification(d.APNToken, a.Topic, msg))
	if err != nil {
		return fmt.Errorf("apns push: %w", err)
	}
	if !res.Sent() {
		return fmt.Errorf("apns push rejected: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// APNsNotification maps a push message onto an APNs notification.
func APNsNotification(deviceToken, topic string, msg PushMessage) *apns2.Notification {
	p := payload.NewPayload().
		AlertTitle(msg.Title).
		AlertBody(msg.Body).
		Badge(msg.Badge).
		Category(msg.Action)
	for k, v := range msg.Data {
		p.Custom(k, v)
	}
	p.Custom("action", map[string]any{"name": msg.Action, "args": msg.ActionArgs})
	return &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       topic,
		CollapseID:  msg.CollapseKey,
		Payload:     p,
	}
}
