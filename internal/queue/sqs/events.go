package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// EngineEvent is the envelope the engine publishes for every observable
// transition. Keep it small; SQS has a 256KB message size limit.
type EngineEvent struct {
	EventID    string            `json:"eventId"`
	EventType  string            `json:"eventType"`
	CampaignID string            `json:"campaignId"`
	MessageID  string            `json:"messageId,omitempty"`
	IdentityID string            `json:"identityId,omitempty"`
	Outcome    string            `json:"outcome"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

type EventProducer struct {
	SQS      *sqs.Client
	QueueURL string
}

func (p *EventProducer) Enqueue(ctx context.Context, ev EngineEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	})
	return err
}

type EventHandler func(ctx context.Context, ev EngineEvent) error

type EventConsumer struct {
	SQS      *sqs.Client
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

// PollConcurrent processes engine events with a worker pool. Messages are
// deleted only after the handler completes; failures are left for SQS
// redrive/DLQ.
func (c *EventConsumer) PollConcurrent(ctx context.Context, workers int, handler EventHandler) error {
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan types.Message, workers*2)
	errCh := make(chan error, 1)

	sendErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				if m.Body == nil {
					_, _ = c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
						QueueUrl:      &c.QueueURL,
						ReceiptHandle: m.ReceiptHandle,
					})
					continue
				}

				var ev EngineEvent
				if err := json.Unmarshal([]byte(*m.Body), &ev); err != nil {
					// bad payload => delete to avoid endless redrive
					_, _ = c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
						QueueUrl:      &c.QueueURL,
						ReceiptHandle: m.ReceiptHandle,
					})
					continue
				}

				if err := handler(ctx, ev); err == nil {
					_, _ = c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
						QueueUrl:      &c.QueueURL,
						ReceiptHandle: m.ReceiptHandle,
					})
				} else {
					slog.Error("sqs event handler error", "err", err, "event_type", ev.EventType, "campaign_id", ev.CampaignID, "message_id", ev.MessageID)
				}
			}
		}()
	}

	// Producer: fetch messages and enqueue for workers
	go func() {
		defer close(jobs)

		for {
			if ctx.Err() != nil {
				sendErr(ctx.Err())
				return
			}

			out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            &c.QueueURL,
				MaxNumberOfMessages: c.MaxMessages,
				WaitTimeSeconds:     c.WaitTimeSeconds,
				VisibilityTimeout:   c.VisibilityTimeout,
			})
			if err != nil {
				slog.Error("sqs receive message failed", "err", err)
				time.Sleep(500 * time.Millisecond)
				continue
			}

			for _, m := range out.Messages {
				select {
				case jobs <- m:
				case <-ctx.Done():
					sendErr(ctx.Err())
					return
				}
			}
		}
	}()

	err := <-errCh

	// Let workers finish whatever is already in jobs (producer closes it).
	wg.Wait()
	return err
}

func str(s string) *string { return &s }
