package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQS is a Queue bound to one SQS queue URL.
type SQS struct {
	client *sqs.Client
	url    string
}

// NewSQS builds an SQS queue from the ambient AWS configuration (environment
// credentials, instance profile or shared config).
func NewSQS(ctx context.Context, region, queueURL string) (*SQS, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SQS{client: sqs.NewFromConfig(cfg), url: queueURL}, nil
}

// NewSQSWithClient wires an existing SQS client, used by tests and when
// several queues share one connection.
func NewSQSWithClient(client *sqs.Client, queueURL string) *SQS {
	return &SQS{client: client, url: queueURL}
}

// ReceiveBatch long-polls for up to max messages (SQS caps a single receive
// at 10).
func (q *SQS) ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max > 10 {
		max = 10
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     int32(wait / time.Second),
		VisibilityTimeout:   int32(DefaultVisibility / time.Second),
		AttributeNames: []sqstypes.QueueAttributeName{
			sqstypes.QueueAttributeName("ApproximateReceiveCount"),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}
	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msg := Message{
			ID:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          []byte(aws.ToString(m.Body)),
		}
		if v, ok := m.Attributes["ApproximateReceiveCount"]; ok {
			msg.ReceiveCount, _ = strconv.Atoi(v)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// SendMessage enqueues a message body.
func (q *SQS) SendMessage(ctx context.Context, body []byte) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("sqs send: %w", err)
	}
	return nil
}

// DeleteMessage acknowledges a received message.
func (q *SQS) DeleteMessage(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete: %w", err)
	}
	return nil
}

// ExtendVisibility pushes out the visibility deadline of a received message.
func (q *SQS) ExtendVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.url),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(timeout / time.Second),
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility: %w", err)
	}
	return nil
}
