package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/openjproxy/ojp/internal/wire"
)

// ErrConnectionLevel wraps any failure classified as connection-level per
// §4.8: the broker was unreachable, the channel/publish/consume calls
// failed, or no response arrived before the context deadline. Any of
// these implicate the endpoint and must trigger C8's failure path.
// A reply that carries Response.ErrorCode (wire.RPCError), in contrast,
// proves the server was reachable and answered, so it's database-level
// and never marks an endpoint unhealthy.
type ErrConnectionLevel struct {
	Cause error
}

func (e *ErrConnectionLevel) Error() string { return fmt.Sprintf("connection-level error: %v", e.Cause) }
func (e *ErrConnectionLevel) Unwrap() error { return e.Cause }

// IsConnectionLevel reports whether err should drive C8's failure path.
func IsConnectionLevel(err error) bool {
	var cl *ErrConnectionLevel
	return errors.As(err, &cl)
}

// call performs one request/reply RPC over amqpConn, grounded in
// burrowctl's queryRPC/executeTransactionCommand pattern: a private
// exclusive reply queue per call, a correlation id, publish to the
// well-known request queue, consume until the matching reply or timeout.
func call(ctx context.Context, amqpConn *amqp.Connection, env wire.Envelope) (*wire.Response, error) {
	ch, err := amqpConn.Channel()
	if err != nil {
		return nil, &ErrConnectionLevel{Cause: fmt.Errorf("open channel: %w", err)}
	}
	defer ch.Close()

	replyQueue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, &ErrConnectionLevel{Cause: fmt.Errorf("declare reply queue: %w", err)}
	}

	corrID := uuid.NewString()
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("client: marshal envelope: %w", err)
	}

	if err := ch.PublishWithContext(ctx, "", wire.RequestQueueName, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       replyQueue.Name,
		Body:          body,
	}); err != nil {
		return nil, &ErrConnectionLevel{Cause: fmt.Errorf("publish request: %w", err)}
	}

	msgs, err := ch.Consume(replyQueue.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, &ErrConnectionLevel{Cause: fmt.Errorf("consume reply queue: %w", err)}
	}

	for {
		select {
		case <-ctx.Done():
			return nil, &ErrConnectionLevel{Cause: ctx.Err()}
		case msg, ok := <-msgs:
			if !ok {
				return nil, &ErrConnectionLevel{Cause: fmt.Errorf("reply queue closed before response arrived")}
			}
			if msg.CorrelationId != corrID {
				continue
			}
			var resp wire.Response
			if err := json.Unmarshal(msg.Body, &resp); err != nil {
				return nil, fmt.Errorf("client: unmarshal response: %w", err)
			}
			if resp.ErrorCode != "" {
				return &resp, &wire.RPCError{Code: resp.ErrorCode, Message: resp.Error}
			}
			return &resp, nil
		}
	}
}
