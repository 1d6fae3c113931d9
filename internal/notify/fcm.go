package notify

import (
	"context"
	"fmt"
	"strconv"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/example/fleet-dispatch/internal/models"
)

// FCMSender is the subset of the Firebase messaging client used here.
type FCMSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMPusher delivers push notifications through Firebase Cloud Messaging.
type FCMPusher struct {
	Client FCMSender
}

func NewFCMPusher(ctx context.Context, projectID, credentialsFile string) (*FCMPusher, error) {
	opts := []option.ClientOption{}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase messaging: %w", err)
	}
	return &FCMPusher{Client: client}, nil
}

func (f *FCMPusher) Name() string { return "fcm" }

func (f *FCMPusher) Push(ctx context.Context, d models.Driver, msg PushMessage) error {
	if d.FCMToken == "" {
		return ErrNoAddress
	}
	if _, err := f.Client.Send(ctx, FCMMessage(d.FCMToken, msg)); err != nil {
		return fmt.Errorf("fcm send: %w", err)
	}
	return nil
}

// FCMMessage maps a push message onto the FCM wire model.
func FCMMessage(token string, msg PushMessage) *messaging.Message {
	data := make(map[string]string, len(msg.Data)+1)
	for k, v := range msg.Data {
		data[k] = v
	}
	if msg.DistanceMeters != nil {
		data["distance"] = strconv.FormatFloat(*msg.DistanceMeters, 'f', 0, 64)
	}
	return &messaging.Message{
		Token: token,
		Data:  data,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Android: &messaging.AndroidConfig{
			CollapseKey:  msg.CollapseKey,
			FCMOptions:   &messaging.AndroidFCMOptions{AnalyticsLabel: msg.AndroidLabel},
			Notification: &messaging.AndroidNotification{Color: msg.AndroidColor},
		},
		APNS: &messaging.APNSConfig{
			FCMOptions: &messaging.APNSFCMOptions{AnalyticsLabel: msg.IOSLabel},
		},
	}
}
