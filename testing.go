package vaudio

import "sync"

// MockTransport provides a mock implementation of Transport for testing.
// It keeps queue bases like a real device would and records notifications,
// but never completes anything.
type MockTransport struct {
	mu    sync.RWMutex
	bases map[int]uint64
	posts map[int]int

	// Method call tracking
	setBaseCalls int
	postCalls    int
}

// NewMockTransport creates a mock transport with no queue bases registered
func NewMockTransport() *MockTransport {
	return &MockTransport{
		bases: make(map[int]uint64),
		posts: make(map[int]int),
	}
}

// SetQueueBase implements the Transport interface
func (m *MockTransport) SetQueueBase(queueID int, addr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setBaseCalls++
	if addr == 0 {
		delete(m.bases, queueID)
		return
	}
	m.bases[queueID] = addr
}

// QueueBase implements the Transport interface
func (m *MockTransport) QueueBase(queueID int) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bases[queueID]
}

// PostQueue implements the Transport interface
func (m *MockTransport) PostQueue(queueID int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.postCalls++
	m.posts[queueID]++
}

// Testing utility methods

// Posts returns how many times queueID was notified
func (m *MockTransport) Posts(queueID int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.posts[queueID]
}

// CallCounts returns the number of times each method has been called
func (m *MockTransport) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"set_base": m.setBaseCalls,
		"post":     m.postCalls,
	}
}

// Reset resets all call counters. Registered bases are kept.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setBaseCalls = 0
	m.postCalls = 0
	m.posts = make(map[int]int)
}

// Compile-time interface check
var _ Transport = (*MockTransport)(nil)
