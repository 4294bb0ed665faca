// Package notify announces confirmed registrations to downstream consumers
// such as confirmation mailers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"
)

// RegistrationConfirmed is published once a registration holds its bib and
// credential.
type RegistrationConfirmed struct {
	RegistrationID string    `json:"registration_id"`
	EventID        string    `json:"event_id"`
	CategoryID     string    `json:"category_id"`
	UserID         string    `json:"user_id"`
	Participant    string    `json:"participant"`
	Email          string    `json:"email"`
	BibNumber      string    `json:"bib_number"`
	VanityHonored  bool      `json:"vanity_honored"`
	CredentialURL  string    `json:"credential_url"`
	ConfirmedAt    time.Time `json:"confirmed_at"`
}

// LogPublisher writes confirmations to the log. It is used when no message
// bus is configured.
type LogPublisher struct{}

// PublishConfirmed logs msg.
func (LogPublisher) PublishConfirmed(_ context.Context, msg RegistrationConfirmed) error {
	log.Info().
		Str("registration_id", msg.RegistrationID).
		Str("event_id", msg.EventID).
		Str("bib", msg.BibNumber).
		Msg("registration confirmed")
	return nil
}

// ServiceBusPublisher sends confirmations to an Azure Service Bus queue.
type ServiceBusPublisher struct {
	client *azservicebus.Client
	sender *azservicebus.Sender
	queue  string
}

// NewServiceBusPublisher connects a sender for queue.
func NewServiceBusPublisher(connStr, queue string) (*ServiceBusPublisher, error) {
	if connStr == "" {
		return nil, fmt.Errorf("service bus connection string is empty")
	}
	client, err := azservicebus.NewClientFromConnectionString(connStr, nil)
	if err != nil {
		return nil, fmt.Errorf("create service bus client: %w", err)
	}
	sender, err := client.NewSender(queue, nil)
	if err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("create service bus sender: %w", err)
	}
	return &ServiceBusPublisher{client: client, sender: sender, queue: queue}, nil
}

// PublishConfirmed sends msg. The registration id is the message id so the
// queue's duplicate detection drops repeats.
func (p *ServiceBusPublisher) PublishConfirmed(ctx context.Context, msg RegistrationConfirmed) error {
	m, err := confirmationMessage(msg, time.Now())
	if err != nil {
		return err
	}
	if err := p.sender.SendMessage(ctx, m, nil); err != nil {
		return fmt.Errorf("send to %s: %w", p.queue, err)
	}
	return nil
}

func confirmationMessage(msg RegistrationConfirmed, now time.Time) (*azservicebus.Message, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode confirmation: %w", err)
	}
	subject := "registration.confirmed"
	contentType := "application/json"
	messageID := msg.RegistrationID
	return &azservicebus.Message{
		Body:        data,
		MessageID:   &messageID,
		Subject:     &subject,
		ContentType: &contentType,
		ApplicationProperties: map[string]any{
			"event_id": msg.EventID,
			"time":     now.UTC().Format(time.RFC3339),
		},
	}, nil
}

// Close releases the sender and client.
func (p *ServiceBusPublisher) Close(ctx context.Context) error {
	if err := p.sender.Close(ctx); err != nil {
		return err
	}
	return p.client.Close(ctx)
}
