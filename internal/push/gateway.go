package push

import (
	"context"
	"fmt"
	"time"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	"github.com/sony/gobreaker"
	"google.golang.org/api/option"

	"github.com/orgchat/relay/internal/utils"
)

// Notification is the payload handed to the mobile push service for one
// recipient. Data is forwarded verbatim so the client app can route taps.
type Notification struct {
	Title string
	Body  string
	Data  map[string]string
}

// Sender delivers a notification to a single device token.
type Sender interface {
	Send(ctx context.Context, deviceToken string, n Notification) error
}

// FCMGateway sends notifications through Firebase Cloud Messaging. All
// outbound calls run behind a circuit breaker so a misbehaving upstream
// cannot stall the dispatch workers.
type FCMGateway struct {
	client *messaging.Client
	cb     *gobreaker.CircuitBreaker
	logger *utils.Logger
}

// NewFCMGateway initializes the Firebase messaging client from a service
// account credentials file. An empty path disables push delivery and returns
// a nil gateway.
func NewFCMGateway(ctx context.Context, credentialsFile string, logger *utils.Logger) (*FCMGateway, error) {
	if credentialsFile == "" {
		return nil, nil
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize fcm messaging client: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "fcm",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn(context.Background(), "FCM circuit breaker: %s -> %s", from.String(), to.String())
		},
	}

	logger.Info(ctx, "FCM push gateway initialized")
	return &FCMGateway{
		client: client,
		cb:     gobreaker.NewCircuitBreaker(st),
		logger: logger,
	}, nil
}

// Send delivers one notification to one device. A single attempt is made;
// failed deliveries are the caller's to count, not retry.
func (g *FCMGateway) Send(ctx context.Context, deviceToken string, n Notification) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		msg := &messaging.Message{
			Token: deviceToken,
			Notification: &messaging.Notification{
				Title: n.Title,
				Body:  n.Body,
			},
			Data: n.Data,
		}
		_, err := g.client.Send(ctx, msg)
		return nil, err
	})
	return err
}
