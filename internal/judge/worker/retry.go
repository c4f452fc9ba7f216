package worker

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"arbiter/internal/common/mq"
	appErr "arbiter/pkg/errors"
	"arbiter/pkg/logger"
)

const poolRetryHeader = "x-pool-retry"

// ParseRetryCount reads the pool-retry attempt counter off a message.
func ParseRetryCount(headers map[string]string) int {
	if headers == nil {
		return 0
	}
	raw, ok := headers[poolRetryHeader]
	if !ok {
		return 0
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

// CloneMessageForRetry copies a message for republication with an
// updated attempt counter. Broker-level retry state is reset; the pool
// counter is what bounds requeues.
func CloneMessageForRetry(msg *mq.Message, retryCount int) *mq.Message {
	if msg == nil {
		return mq.NewMessage(nil)
	}
	out := &mq.Message{
		ID:         msg.ID,
		Body:       msg.Body,
		Headers:    make(map[string]string, len(msg.Headers)+1),
		Timestamp:  time.Now(),
		MaxRetries: msg.MaxRetries,
	}
	for k, v := range msg.Headers {
		out.Headers[k] = v
	}
	out.Headers[poolRetryHeader] = strconv.Itoa(retryCount)
	return out
}

// ComputeBackoff doubles the base delay per retry, capped at max.
func ComputeBackoff(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		if max > 0 && delay >= max/2 {
			return max
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// RequeueForPoolFull republishes a message after a backoff when every
// local worker slot is busy, dead-lettering once requeues are
// exhausted.
func RequeueForPoolFull(ctx context.Context, queue mq.Producer, retryTopic, deadLetter string, maxRetry int, baseDelay, maxDelay time.Duration, msg *mq.Message) error {
	if queue == nil || retryTopic == "" {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("retry queue is not configured")
	}
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	retryCount := ParseRetryCount(msg.Headers)
	if maxRetry > 0 && retryCount >= maxRetry {
		if deadLetter == "" {
			logger.Warn(ctx, "pool retry exhausted without dead letter",
				zap.Int("retryCount", retryCount), zap.String("messageId", msg.ID))
			return appErr.New(appErr.WorkerBusy).WithMessage("worker pool is full")
		}
		logger.Warn(ctx, "pool retry exhausted, dead-lettering",
			zap.Int("retryCount", retryCount), zap.String("messageId", msg.ID),
			zap.String("topic", deadLetter))
		return queue.Publish(ctx, deadLetter, CloneMessageForRetry(msg, retryCount))
	}

	delay := ComputeBackoff(retryCount, baseDelay, maxDelay)
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	logger.Info(ctx, "pool full, requeueing job",
		zap.Int("retryCount", retryCount+1), zap.String("messageId", msg.ID),
		zap.Duration("delay", delay), zap.String("topic", retryTopic))
	return queue.Publish(ctx, retryTopic, CloneMessageForRetry(msg, retryCount+1))
}
