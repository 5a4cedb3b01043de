package server

import (
	"sync"
	"time"
)

// FailureLimiter counts failed reads per remote IP and blocks addresses
// that keep sending malformed records.
//
// Flow:
//  1. Sensor connects
//  2. IsBlocked() is checked before the connection is tracked
//  3. Every read that ends inside a record calls RecordFailure()
type FailureLimiter struct {
	mu       sync.RWMutex
	failures map[string]*failureEntry
	limit    int           // max failures before blocking
	window   time.Duration // time window for counting failures
	now      func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

type failureEntry struct {
	count     int
	resetTime time.Time
}

// NewFailureLimiter creates a limiter and starts its cleanup goroutine.
func NewFailureLimiter(limit int, window time.Duration) *FailureLimiter {
	fl := &FailureLimiter{
		failures: make(map[string]*failureEntry),
		limit:    limit,
		window:   window,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go fl.cleanupLoop()
	return fl
}

// IsBlocked returns true if ip has reached the failure limit within the
// current window.
func (fl *FailureLimiter) IsBlocked(ip string) bool {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	entry, ok := fl.failures[ip]
	if !ok || fl.now().After(entry.resetTime) {
		return false
	}
	return entry.count >= fl.limit
}

// RecordFailure records one failed read from ip.
func (fl *FailureLimiter) RecordFailure(ip string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	now := fl.now()
	entry, ok := fl.failures[ip]
	if !ok || now.After(entry.resetTime) {
		fl.failures[ip] = &failureEntry{count: 1, resetTime: now.Add(fl.window)}
		return
	}
	entry.count++
}

// FailureCount returns the failures recorded for ip in the current window.
func (fl *FailureLimiter) FailureCount(ip string) int {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	entry, ok := fl.failures[ip]
	if !ok || fl.now().After(entry.resetTime) {
		return 0
	}
	return entry.count
}

// Stop ends the cleanup goroutine.
func (fl *FailureLimiter) Stop() {
	fl.stopOnce.Do(func() { close(fl.stop) })
}

func (fl *FailureLimiter) cleanupLoop() {
	ticker := time.NewTicker(fl.window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fl.cleanup()
		case <-fl.stop:
			return
		}
	}
}

func (fl *FailureLimiter) cleanup() {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	now := fl.now()
	for ip, entry := range fl.failures {
		if now.After(entry.resetTime) {
			delete(fl.failures, ip)
		}
	}
}
