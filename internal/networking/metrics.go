package networking

import "sync"

// DropReason labels why a message never reached a viewer.
type DropReason string

const (
	// DropBandwidth counts frames skipped by the bandwidth regulator.
	DropBandwidth DropReason = "bandwidth"
	// DropQueueFull counts messages discarded because a viewer's send queue was full.
	DropQueueFull DropReason = "queue_full"
	// DropUnauthorised counts commands refused because the sender lacks the controller role.
	DropUnauthorised DropReason = "unauthorised"
)

// DeliveryMetrics tracks per-viewer frame sizes and drop counters for the fan-out.
type DeliveryMetrics struct {
	mu    sync.RWMutex
	bytes map[string]int64
	drops map[DropReason]int64
	sent  int64
}

// NewDeliveryMetrics constructs an empty metrics tracker.
func NewDeliveryMetrics() *DeliveryMetrics {
	return &DeliveryMetrics{
		bytes: make(map[string]int64),
		drops: make(map[DropReason]int64),
	}
}

// ObserveDelivery records a delivered payload for a viewer.
func (m *DeliveryMetrics) ObserveDelivery(clientID string, payloadBytes int) {
	if m == nil {
		return
	}
	size := int64(payloadBytes)
	if size < 0 {
		size = 0
	}
	m.mu.Lock()
	if clientID != "" {
		m.bytes[clientID] = size
	}
	m.sent++
	m.mu.Unlock()
}

// ObserveDrop increments the counter for reason.
func (m *DeliveryMetrics) ObserveDrop(reason DropReason) {
	if m == nil || reason == "" {
		return
	}
	m.mu.Lock()
	m.drops[reason]++
	m.mu.Unlock()
}

// ForgetClient removes the tracked gauge for a disconnected viewer.
func (m *DeliveryMetrics) ForgetClient(clientID string) {
	if m == nil || clientID == "" {
		return
	}
	m.mu.Lock()
	delete(m.bytes, clientID)
	m.mu.Unlock()
}

// BytesPerClient returns a copy of the latest delivered payload size per viewer.
func (m *DeliveryMetrics) BytesPerClient() map[string]int64 {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.bytes) == 0 {
		return nil
	}
	out := make(map[string]int64, len(m.bytes))
	for clientID, size := range m.bytes {
		out[clientID] = size
	}
	return out
}

// DropCounts returns the cumulative drops per reason.
func (m *DeliveryMetrics) DropCounts() map[DropReason]int64 {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.drops) == 0 {
		return nil
	}
	out := make(map[DropReason]int64, len(m.drops))
	for reason, count := range m.drops {
		out[reason] = count
	}
	return out
}

// Delivered returns the total number of delivered messages.
func (m *DeliveryMetrics) Delivered() int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sent
}
