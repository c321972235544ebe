package dispatch

// Metrics is a point-in-time snapshot of dispatcher counters.
type Metrics struct {
	Processed      uint64 `json:"processed"`
	Failed         uint64 `json:"failed"`
	Retried        uint64 `json:"retried"`
	Dropped        uint64 `json:"dropped"`
	InFlight       int64  `json:"in_flight"`
	PendingRetries int    `json:"pending_retries"`
	QueueSize      int    `json:"queue_size"`
	Running        bool   `json:"running"`
}

// Metrics returns current counters.
func (d *Dispatcher) Metrics() Metrics {
	d.mu.Lock()
	pending := len(d.retries)
	size := d.queue.len()
	running := d.running
	d.mu.Unlock()

	return Metrics{
		Processed:      d.processed.Load(),
		Failed:         d.failed.Load(),
		Retried:        d.retried.Load(),
		Dropped:        d.dropped.Load(),
		InFlight:       d.inFlight.Load(),
		PendingRetries: pending,
		QueueSize:      size,
		Running:        running,
	}
}
