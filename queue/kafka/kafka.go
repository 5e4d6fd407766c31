// Package kafka provides a durable pending-order queue over a Kafka topic.
// Accepted orders survive a crash of the persistence worker, closing the
// acceptance-to-persistence loss window the in-memory queue leaves open.
//
// Delivery is at-least-once: a record's offset is committed only after the
// consumer asks for the next one, so a crash mid-processing redelivers the
// record on restart. The persistence step must stay idempotent (duplicate
// orders resolve to AlreadyExists).
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/google/uuid"
	kg "github.com/segmentio/kafka-go"

	"github.com/hvarn/spike/queue"
)

// reader is the slice of kafka-go's Reader the queue needs. Fetch and commit
// stay separate so offsets advance only past fully processed records.
type reader interface {
	FetchMessage(ctx context.Context) (kg.Message, error)
	CommitMessages(ctx context.Context, msgs ...kg.Message) error
	Close() error
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kg.Message) error
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
	// GroupID names the consumer group; empty generates a fresh one, which
	// is only appropriate for tests.
	GroupID string
}

// Queue is a durable queue.Queue over a Kafka topic. Like the in-memory
// queue it supports a single consumer loop; Dequeue is not safe for
// concurrent use.
type Queue struct {
	w writer
	r reader

	// pending is the last delivered, not yet committed message. It is
	// committed at the top of the next Dequeue, once the caller has finished
	// with its record.
	pending *kg.Message
}

var _ queue.Queue = (*Queue)(nil)

func New(cfg Config) (*Queue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka queue: no brokers")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka queue: topic is required")
	}
	group := cfg.GroupID
	if group == "" {
		group = "spike-orders-" + uuid.NewString()
	}
	w := &kg.Writer{
		Addr:     kg.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kg.Hash{}, // same user lands on the same partition, keeping per-user order
	}
	r := kg.NewReader(kg.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: group,
	})
	return &Queue{w: w, r: r}, nil
}

func (q *Queue) Enqueue(ctx context.Context, o queue.Order) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return q.w.WriteMessages(ctx, kg.Message{
		Key:   []byte(strconv.FormatInt(o.UserID, 10)),
		Value: b,
	})
}

// Dequeue first commits the previously delivered record, then fetches the
// next one. The caller reaching back for more work is the acknowledgement
// that the prior record is done; a crash before that point leaves its offset
// uncommitted and the record is redelivered.
func (q *Queue) Dequeue(ctx context.Context) (queue.Order, error) {
	if q.pending != nil {
		if err := q.r.CommitMessages(ctx, *q.pending); err != nil {
			return queue.Order{}, err
		}
		q.pending = nil
	}
	for {
		m, err := q.r.FetchMessage(ctx)
		if err != nil {
			return queue.Order{}, err
		}
		var o queue.Order
		if err := json.Unmarshal(m.Value, &o); err != nil {
			// malformed record; commit and skip rather than poison the loop
			if err := q.r.CommitMessages(ctx, m); err != nil {
				return queue.Order{}, err
			}
			continue
		}
		q.pending = &m
		return o, nil
	}
}

func (q *Queue) Close() error {
	// Close follows the consumer loop, so the record handed out last has been
	// processed; commit it. Best effort: if the commit fails the record is
	// redelivered after a restart and the store resolves the duplicate.
	if q.pending != nil {
		if err := q.r.CommitMessages(context.Background(), *q.pending); err == nil {
			q.pending = nil
		}
	}
	werr := q.w.Close()
	rerr := q.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
