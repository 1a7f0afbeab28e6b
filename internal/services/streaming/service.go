// Package streaming provides real-time event streaming for clone sessions,
// nodes and partition operations.
package streaming

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/domain"
)

// Event represents a real-time event.
type Event struct {
	Type       EventType
	ResourceID string
	Resource   interface{}
	Timestamp  time.Time
}

// EventType represents the type of event.
type EventType string

const (
	EventTypeCreated   EventType = "CREATED"
	EventTypeUpdated   EventType = "UPDATED"
	EventTypeDeleted   EventType = "DELETED"
	EventTypeStarted   EventType = "STARTED"
	EventTypeProgress  EventType = "PROGRESS"
	EventTypeCompleted EventType = "COMPLETED"
	EventTypeFailed    EventType = "FAILED"
	EventTypeCancelled EventType = "CANCELLED"
)

// Subscription represents a client subscription to events.
type Subscription struct {
	ID        string
	Filter    SubscriptionFilter
	Events    chan Event
	CreatedAt time.Time
	cancelFn  context.CancelFunc
}

// SubscriptionFilter filters which events a subscription receives.
type SubscriptionFilter struct {
	ResourceType string // "session", "node", "operation"
	ResourceID   string // Optional: specific resource
	EventTypes   []EventType
	NodeID       string // Optional: sessions and operations touching a node
}

// Service manages real-time event streaming.
type Service struct {
	logger *zap.Logger

	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	nextID        int64
}

// NewService creates a new streaming service.
func NewService(logger *zap.Logger) *Service {
	return &Service{
		logger:        logger.With(zap.String("service", "streaming")),
		subscriptions: make(map[string]*Subscription),
	}
}

// Subscribe creates a new subscription for events.
func (s *Service) Subscribe(ctx context.Context, filter SubscriptionFilter) (*Subscription, error) {
	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("sub-%d", s.nextID)
	subCtx, cancel := context.WithCancel(ctx)

	sub := &Subscription{
		ID:        id,
		Filter:    filter,
		Events:    make(chan Event, 100),
		CreatedAt: time.Now(),
		cancelFn:  cancel,
	}

	s.subscriptions[id] = sub
	s.mu.Unlock()

	s.logger.Info("Client subscribed",
		zap.String("subscription_id", id),
		zap.String("resource_type", filter.ResourceType),
		zap.String("resource_id", filter.ResourceID),
	)

	// Start cleanup goroutine
	go func() {
		<-subCtx.Done()
		s.Unsubscribe(id)
	}()

	return sub, nil
}

// Unsubscribe removes a subscription.
func (s *Service) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, exists := s.subscriptions[id]; exists {
		close(sub.Events)
		sub.cancelFn()
		delete(s.subscriptions, id)
		s.logger.Info("Client unsubscribed", zap.String("subscription_id", id))
	}
}

// Publish sends an event to all matching subscriptions.
func (s *Service) Publish(event Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event.Timestamp = time.Now()

	for _, sub := range s.subscriptions {
		if s.matchesFilter(event, sub.Filter) {
			select {
			case sub.Events <- event:
			default:
				// Channel full, skip (don't block publishers)
				s.logger.Warn("Subscription channel full, dropping event",
					zap.String("subscription_id", sub.ID),
				)
			}
		}
	}
}

// matchesFilter checks if an event matches a subscription filter.
func (s *Service) matchesFilter(event Event, filter SubscriptionFilter) bool {
	// Check resource type
	if filter.ResourceType != "" {
		resourceType := s.getResourceType(event.Resource)
		if resourceType != filter.ResourceType {
			return false
		}
	}

	// Check specific resource ID
	if filter.ResourceID != "" && event.ResourceID != filter.ResourceID {
		return false
	}

	// Check event types
	if len(filter.EventTypes) > 0 {
		found := false
		for _, et := range filter.EventTypes {
			if et == event.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	// Check node scoping for sessions and operations
	if filter.NodeID != "" && !touchesNode(event.Resource, filter.NodeID) {
		return false
	}

	return true
}

// touchesNode reports whether the resource involves the given node.
func touchesNode(resource interface{}, nodeID string) bool {
	switch r := resource.(type) {
	case *domain.CloneSession:
		return r.SourceNodeID == nodeID || r.TargetNodeID == nodeID
	case *domain.PartitionOperation:
		return r.NodeID == nodeID
	case *domain.Node:
		return r.ID == nodeID
	default:
		return false
	}
}

// getResourceType returns the type of a resource.
func (s *Service) getResourceType(resource interface{}) string {
	switch resource.(type) {
	case *domain.CloneSession:
		return "session"
	case *domain.Node:
		return "node"
	case *domain.PartitionOperation:
		return "operation"
	default:
		return "unknown"
	}
}

// PublishSessionEvent publishes a clone session event.
func (s *Service) PublishSessionEvent(eventType EventType, session *domain.CloneSession) {
	s.Publish(Event{
		Type:       eventType,
		ResourceID: session.ID,
		Resource:   session,
	})
}

// PublishNodeEvent publishes a node-related event.
func (s *Service) PublishNodeEvent(eventType EventType, node *domain.Node) {
	s.Publish(Event{
		Type:       eventType,
		ResourceID: node.ID,
		Resource:   node,
	})
}

// PublishOperationEvent publishes a partition operation event.
func (s *Service) PublishOperationEvent(eventType EventType, op *domain.PartitionOperation) {
	s.Publish(Event{
		Type:       eventType,
		ResourceID: op.ID,
		Resource:   op,
	})
}

// GetSubscriptionCount returns the number of active subscriptions.
func (s *Service) GetSubscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscriptions)
}
