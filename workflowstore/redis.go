package workflowstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/rulesengine/internal/logger"
	"github.com/liamcoop/rulesengine/rules"
)

// EventType is the kind of change published by a RedisStore
type EventType string

const (
	EventPut    EventType = "put"
	EventDelete EventType = "delete"
)

// Event announces a change to one workflow
type Event struct {
	Type     EventType `json:"type"`
	Workflow string    `json:"workflow"`
}

// RedisStore implements rules.WorkflowStore on a Redis hash and publishes
// an Event on every change so that other replicas can resynchronize.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// RedisOption configures a RedisStore
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix (default "rules")
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "rules"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) hashKey() string {
	return s.prefix + ":workflows"
}

func (s *RedisStore) eventsChannel() string {
	return s.prefix + ":workflow-events"
}

// Save stores or replaces a workflow and publishes a put event
func (s *RedisStore) Save(ctx context.Context, wf *rules.Workflow) error {
	if wf == nil || wf.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	definition, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to encode workflow %s: %w", wf.Name, err)
	}
	if err := s.client.HSet(ctx, s.hashKey(), wf.Name, definition).Err(); err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	s.publish(ctx, Event{Type: EventPut, Workflow: wf.Name})
	return nil
}

// Get retrieves a workflow by name
func (s *RedisStore) Get(ctx context.Context, name string) (*rules.Workflow, error) {
	definition, err := s.client.HGet(ctx, s.hashKey(), name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", rules.ErrWorkflowNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return decodeWorkflow(name, definition)
}

// List returns all workflows ordered by name
func (s *RedisStore) List(ctx context.Context) ([]*rules.Workflow, error) {
	all, err := s.client.HGetAll(ctx, s.hashKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	workflows := make([]*rules.Workflow, 0, len(names))
	for _, name := range names {
		wf, err := decodeWorkflow(name, []byte(all[name]))
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, nil
}

// Delete removes a workflow and publishes a delete event
func (s *RedisStore) Delete(ctx context.Context, name string) error {
	removed, err := s.client.HDel(ctx, s.hashKey(), name).Result()
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if removed == 0 {
		return fmt.Errorf("%w: %s", rules.ErrWorkflowNotFound, name)
	}
	s.publish(ctx, Event{Type: EventDelete, Workflow: name})
	return nil
}

func (s *RedisStore) publish(ctx context.Context, evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, s.eventsChannel(), payload).Err(); err != nil {
		logger.Warn("publish workflow event failed", "workflow", evt.Workflow, "error", err)
	}
}

// Watch subscribes to change events. The channel is closed when ctx is done.
func (s *RedisStore) Watch(ctx context.Context) (<-chan Event, error) {
	sub := s.client.Subscribe(ctx, s.eventsChannel())
	// Wait for the subscription to be confirmed so no event is missed
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to workflow events: %w", err)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					logger.Warn("invalid workflow event", "payload", msg.Payload, "error", err)
					continue
				}
				select {
				case events <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events, nil
}
