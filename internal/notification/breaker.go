package notification

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerManager keeps one circuit breaker per webhook host so a melting
// endpoint stops receiving POSTs without affecting deliveries to other hosts.
type BreakerManager struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerManager creates an empty manager; breakers are created lazily on
// first use of a host.
func NewBreakerManager() *BreakerManager {
	return &BreakerManager{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

// Execute runs fn under the breaker of host. While the breaker is open the
// call fails immediately with gobreaker.ErrOpenState, which the retry engine
// treats like any other delivery failure.
func (m *BreakerManager) Execute(host string, fn func() (interface{}, error)) (interface{}, error) {
	return m.get(host).Execute(fn)
}

func (m *BreakerManager) get(host string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[host]; ok {
		return b
	}

	st := gobreaker.Settings{Name: host}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		total := counts.Requests
		if total < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(total) > 0.05
	}

	b := gobreaker.NewCircuitBreaker(st)
	m.breakers[host] = b
	return b
}
