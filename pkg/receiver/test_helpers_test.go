package receiver_test

import (
	"context"
	"sync"
	"time"

	"github.com/illmade-knight/go-subreceiver/pkg/receiver"
	"github.com/illmade-knight/go-subreceiver/pkg/types"
)

// ====================================================================================
// This file contains mocks for the broker collaborators used by the receiver.
// ====================================================================================

// --- MockPoller ---

// MockPoller serves messages pushed by the test. An empty queue yields an
// empty poll after a short wait, mirroring a broker-side poll timeout.
type MockPoller struct {
	msgChan chan *types.ReceivedMessage
	errChan chan error

	mu         sync.Mutex
	acked      []string
	nacked     []string
	closeCount int
	polls      int
}

// NewMockPoller creates a mock with a buffered message queue.
func NewMockPoller(bufferSize int) *MockPoller {
	return &MockPoller{
		msgChan: make(chan *types.ReceivedMessage, bufferSize),
		errChan: make(chan error, 1),
	}
}

func (m *MockPoller) Poll(ctx context.Context) (*types.ReceivedMessage, error) {
	m.mu.Lock()
	m.polls++
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-m.errChan:
		return nil, err
	case msg := <-m.msgChan:
		return msg, nil
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

func (m *MockPoller) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCount++
	return nil
}

// Push queues a message whose Ack/Nack are recorded by the mock.
func (m *MockPoller) Push(id string, payload string, attrs map[string]string) {
	msg := types.NewReceivedMessage(id, []byte(payload), attrs,
		func(context.Context) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.acked = append(m.acked, id)
			return nil
		},
		func(context.Context) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.nacked = append(m.nacked, id)
			return nil
		},
	)
	m.msgChan <- msg
}

// Fail makes the next poll return err.
func (m *MockPoller) Fail(err error) {
	m.errChan <- err
}

func (m *MockPoller) Pending() int {
	return len(m.msgChan)
}

func (m *MockPoller) Acked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.acked...)
}

func (m *MockPoller) Nacked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.nacked...)
}

func (m *MockPoller) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCount
}

// --- MockProvisioner ---

// MockProvisioner returns the configured errors and records the calls.
type MockProvisioner struct {
	TopicErr        error
	SubscriptionErr error

	mu            sync.Mutex
	topics        []string
	subscriptions []string
}

func (m *MockProvisioner) EnsureTopic(_ context.Context, topicID string, _ receiver.TopicSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = append(m.topics, topicID)
	return m.TopicErr
}

func (m *MockProvisioner) EnsureSubscription(_ context.Context, _, subscriptionID string, _ receiver.SubscriptionSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, subscriptionID)
	return m.SubscriptionErr
}

// --- handler recorder ---

// recorder is a Handler that records the IDs it sees.
type recorder struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (r *recorder) handle(_ context.Context, msg *types.ReceivedMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, msg.ID)
	return r.err
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}
