package advisory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// sqsMaxDelay is the SQS DelaySeconds cap. Deadline messages routinely
// target times days away, so the envelope carries the authoritative
// visibleAt and Receive re-defers anything delivered early. Consumers
// tolerate the early redelivery by contract (they re-check the row).
const sqsMaxDelay = 900 * time.Second

// sqsEnvelope wraps a payload with its target visibility time.
type sqsEnvelope struct {
	VisibleAt time.Time       `json:"visibleAt"`
	Body      json.RawMessage `json:"body"`
}

// SQSQueue implements Queue on Amazon SQS. One SQS queue per advisory
// queue name; queue URLs are resolved lazily and cached.
type SQSQueue struct {
	client *sqs.Client
	prefix string

	urlMu sync.Mutex
	urls  map[string]string

	countMu    sync.Mutex
	countCache map[string]cachedCount
}

// NewSQSQueue loads the default AWS config and returns an SQSQueue.
func NewSQSQueue(ctx context.Context, prefix string) (*SQSQueue, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &SQSQueue{
		client:     sqs.NewFromConfig(cfg),
		prefix:     prefix,
		urls:       make(map[string]string),
		countCache: make(map[string]cachedCount),
	}, nil
}

// queueName flattens an advisory queue name into a valid SQS queue name.
func (q *SQSQueue) queueName(queue string) string {
	return q.prefix + "-" + strings.ReplaceAll(queue, "/", "-")
}

func (q *SQSQueue) queueURL(ctx context.Context, queue string) (string, error) {
	q.urlMu.Lock()
	url, ok := q.urls[queue]
	q.urlMu.Unlock()
	if ok {
		return url, nil
	}

	name := q.queueName(queue)
	out, err := q.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		// Create on demand; advisory queues appear as new
		// (provisionerId, workerType) pairs show up.
		created, cerr := q.client.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String(name)})
		if cerr != nil {
			return "", fmt.Errorf("resolving sqs queue %s: %w", name, err)
		}
		url = aws.ToString(created.QueueUrl)
	} else {
		url = aws.ToString(out.QueueUrl)
	}

	q.urlMu.Lock()
	q.urls[queue] = url
	q.urlMu.Unlock()
	return url, nil
}

func (q *SQSQueue) Put(ctx context.Context, queue string, payload []byte, visibleAt time.Time) error {
	url, err := q.queueURL(ctx, queue)
	if err != nil {
		return err
	}

	env, err := json.Marshal(sqsEnvelope{VisibleAt: visibleAt, Body: payload})
	if err != nil {
		return err
	}

	delay := time.Until(visibleAt)
	if delay < 0 {
		delay = 0
	}
	if delay > sqsMaxDelay {
		delay = sqsMaxDelay
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(url),
		MessageBody:  aws.String(string(env)),
		DelaySeconds: int32(delay / time.Second),
	})
	if err != nil {
		return fmt.Errorf("sending to sqs queue %s: %w", queue, err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context, queue string, maxMessages int, visibility time.Duration) ([]Message, error) {
	url, err := q.queueURL(ctx, queue)
	if err != nil {
		return nil, err
	}
	if maxMessages > 10 {
		maxMessages = 10 // SQS batch cap
	}

	result, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(url),
		MaxNumberOfMessages: int32(maxMessages),
		VisibilityTimeout:   int32(visibility / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameSentTimestamp,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("receiving from sqs queue %s: %w", queue, err)
	}

	now := time.Now()
	visibleUntil := now.Add(visibility)
	var out []Message
	for _, m := range result.Messages {
		var env sqsEnvelope
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &env); err != nil {
			// Not ours; drop it rather than poison the queue.
			_ = q.deleteByHandle(ctx, url, aws.ToString(m.ReceiptHandle))
			continue
		}
		if env.VisibleAt.After(now) {
			// Delivered early because of the delay cap; push it back out.
			if err := q.Put(ctx, queue, env.Body, env.VisibleAt); err != nil {
				continue // leave the original; visibility timeout will retry
			}
			_ = q.deleteByHandle(ctx, url, aws.ToString(m.ReceiptHandle))
			continue
		}
		out = append(out, Message{
			Payload:      env.Body,
			Receipt:      aws.ToString(m.ReceiptHandle),
			VisibleUntil: visibleUntil,
		})
	}
	return out, nil
}

func (q *SQSQueue) Delete(ctx context.Context, queue string, receipt string) error {
	url, err := q.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	return q.deleteByHandle(ctx, url, receipt)
}

func (q *SQSQueue) deleteByHandle(ctx context.Context, url, handle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		return fmt.Errorf("deleting sqs message: %w", err)
	}
	return nil
}

// Count returns ApproximateNumberOfMessages, cached for up to 20 s.
func (q *SQSQueue) Count(ctx context.Context, queue string) (int, error) {
	q.countMu.Lock()
	if c, ok := q.countCache[queue]; ok && time.Since(c.fetched) < countCacheTTL {
		q.countMu.Unlock()
		return c.value, nil
	}
	q.countMu.Unlock()

	url, err := q.queueURL(ctx, queue)
	if err != nil {
		return 0, err
	}
	out, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, err
	}
	n := 0
	if v, ok := out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]; ok {
		fmt.Sscanf(v, "%d", &n)
	}

	q.countMu.Lock()
	q.countCache[queue] = cachedCount{value: n, fetched: time.Now()}
	q.countMu.Unlock()
	return n, nil
}
