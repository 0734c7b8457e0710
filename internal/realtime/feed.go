// Package realtime fans out record-change notifications to in-process subscribers and
// propagates them across API nodes over Redis pub/sub and NATS.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Collection names a persisted record set.
type Collection string

const (
	CollectionAssessments Collection = "assessments"
	CollectionPolicies    Collection = "assignment_policies"
	CollectionAttempts    Collection = "attempts"
	CollectionAnswers     Collection = "answers"
)

// Operation describes what happened to a record.
type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
)

// Change is one record-level notification.
type Change struct {
	Collection Collection        `json:"collection"`
	Operation  Operation         `json:"operation"`
	RecordID   uint              `json:"record_id"`
	Keys       map[string]string `json:"keys,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Filter selects changes whose keys carry every listed value.
type Filter map[string]string

// Matches reports whether the change satisfies the filter.
func (f Filter) Matches(change Change) bool {
	for key, value := range f {
		if change.Keys[key] != value {
			return false
		}
	}
	return true
}

type envelope struct {
	Source string `json:"source"`
	Change Change `json:"change"`
}

type subscription struct {
	collection Collection
	filter     Filter
	onChange   func(Change)
}

// Feed is the change-notification hub shared by all sessions of a node.
type Feed struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	nodeID       string

	mu          sync.RWMutex
	nextID      uint64
	subscribers map[uint64]subscription
}

// NewFeed builds a feed. Either broker may be nil, in which case changes stay local.
func NewFeed(redisClient *redis.Client, channelBase string, natsConn *nats.Conn, logger zerolog.Logger) *Feed {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase + ":changes"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".changes"
	}

	return &Feed{
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		logger:       logger.With().Str("component", "realtime_feed").Logger(),
		nodeID:       uuid.NewString(),
		subscribers:  make(map[uint64]subscription),
	}
}

// Start consumes remote changes until ctx is cancelled. The Redis subscription is
// confirmed before Start returns.
func (f *Feed) Start(ctx context.Context) {
	if f.redis != nil && f.redisChannel != "" {
		pubsub := f.redis.Subscribe(ctx, f.redisChannel)
		if _, err := pubsub.Receive(ctx); err != nil {
			f.logger.Error().Err(err).Msg("failed to subscribe to redis change channel")
			_ = pubsub.Close()
		} else {
			go f.consumeRedis(ctx, pubsub)
		}
	}
	if f.nats != nil && f.natsSubject != "" {
		f.consumeNATS(ctx)
	}
}

// Subscribe registers onChange for changes of one collection that match filter.
// The returned function removes the subscription and is safe to call more than once.
func (f *Feed) Subscribe(collection Collection, filter Filter, onChange func(Change)) func() {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.subscribers[id] = subscription{collection: collection, filter: filter, onChange: onChange}
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subscribers, id)
			f.mu.Unlock()
		})
	}
}

// Publish delivers the change locally and forwards it to the configured brokers.
func (f *Feed) Publish(ctx context.Context, change Change) error {
	if change.OccurredAt.IsZero() {
		change.OccurredAt = time.Now().UTC()
	}

	f.dispatch(change)

	payload, err := json.Marshal(envelope{Source: f.nodeID, Change: change})
	if err != nil {
		return err
	}

	var errs []error
	if f.redis != nil && f.redisChannel != "" {
		if err := f.redis.Publish(ctx, f.redisChannel, payload).Err(); err != nil {
			errs = append(errs, err)
		}
	}
	if f.nats != nil && f.natsSubject != "" {
		if err := f.nats.Publish(f.natsSubject, payload); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (f *Feed) dispatch(change Change) {
	f.mu.RLock()
	targets := make([]func(Change), 0, len(f.subscribers))
	for _, sub := range f.subscribers {
		if sub.collection == change.Collection && sub.filter.Matches(change) {
			targets = append(targets, sub.onChange)
		}
	}
	f.mu.RUnlock()

	for _, onChange := range targets {
		onChange(change)
	}
}

func (f *Feed) consumeRedis(ctx context.Context, pubsub *redis.PubSub) {
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			f.logger.Error().Err(err).Msg("change feed redis subscription closed")
			return
		}
		f.handleEvent([]byte(msg.Payload))
	}
}

func (f *Feed) consumeNATS(ctx context.Context) {
	sub, err := f.nats.Subscribe(f.natsSubject, func(msg *nats.Msg) {
		f.handleEvent(msg.Data)
	})
	if err != nil {
		f.logger.Error().Err(err).Msg("failed to subscribe to nats change subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			f.logger.Warn().Err(err).Msg("failed to drain change nats subscription")
		}
	}()
}

func (f *Feed) handleEvent(payload []byte) {
	var event envelope
	if err := json.Unmarshal(payload, &event); err != nil {
		f.logger.Warn().Err(err).Msg("invalid change event payload")
		return
	}

	if event.Source == f.nodeID {
		return
	}

	f.dispatch(event.Change)
}
