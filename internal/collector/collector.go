package collector

import (
	"sync"

	"github.com/dreamware/kmelbow/internal/cluster"
)

// Store defines the interface for the shared message collection
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Add appends a message
	// Order of arrival is preserved
	Add(m cluster.Message)

	// Joins returns the stored join requests in arrival order
	Joins() []cluster.JoinRequest

	// Results returns the stored result reports in arrival order
	Results() []cluster.ResultReport

	// Len returns the number of stored messages
	Len() int

	// Clear drops every stored message
	Clear()

	// Stats returns collection statistics
	Stats() Stats
}

// Stats counts stored messages per kind
type Stats struct {
	Joins   int
	Results int
	Other   int
}

// MemoryStore implements Store with an append-only slice
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu       sync.RWMutex
	messages []cluster.Message
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Add appends m. Message variants are values, so the stored copy cannot be
// changed by the caller afterwards.
func (s *MemoryStore) Add(m cluster.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

// Joins returns a fresh slice of join requests
func (s *MemoryStore) Joins() []cluster.JoinRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []cluster.JoinRequest
	for _, m := range s.messages {
		if j, ok := m.(cluster.JoinRequest); ok {
			out = append(out, j)
		}
	}
	return out
}

// Results returns a fresh slice of result reports
func (s *MemoryStore) Results() []cluster.ResultReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []cluster.ResultReport
	for _, m := range s.messages {
		if r, ok := m.(cluster.ResultReport); ok {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of stored messages.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Clear drops every stored message.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

// Stats returns per-kind counts
func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	for _, m := range s.messages {
		switch m.Kind() {
		case cluster.KindJoin:
			st.Joins++
		case cluster.KindResult:
			st.Results++
		default:
			st.Other++
		}
	}
	return st
}
