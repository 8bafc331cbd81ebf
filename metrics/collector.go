// Package metrics provides per-supervisor metrics collection.
//
// The Collector accumulates counters across the runs a supervisor hosts. It
// is a leaf package with no internal dependencies. Fanout drop counters are
// absorbed from queue stats at run teardown rather than recorded live,
// avoiding double-counting.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Run lifecycle
	RunsOpened    int64
	RunsCompleted int64
	RunsErrored   int64
	RunsPreempted int64

	// Fanout (absorbed from queue stats at run teardown)
	MessagesRelayed int64
	MessagesDropped int64
	DroppedByKind   map[string]int64

	// Worker
	WorkerLaunchSuccess int64
	WorkerLaunchFailure int64
	WorkerCrash         int64
	IPCDecodeErrors     int64

	// Subscribers
	SubscribersJoined   int64
	SubscribersRejected int64

	// Dimensions (informational, set at construction)
	ImageDigest string
	ToolRef     string
}

// Collector accumulates metrics for one supervisor process.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	runsOpened    int64
	runsCompleted int64
	runsErrored   int64
	runsPreempted int64

	workerLaunchSuccess int64
	workerLaunchFailure int64
	workerCrash         int64
	ipcDecodeErrors     int64

	subscribersJoined   int64
	subscribersRejected int64

	messagesRelayed int64
	messagesDropped int64
	droppedByKind   map[string]int64

	imageDigest string
	toolRef     string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(imageDigest, toolRef string) *Collector {
	return &Collector{
		droppedByKind: make(map[string]int64),
		imageDigest:   imageDigest,
		toolRef:       toolRef,
	}
}

func (c *Collector) inc(p *int64) {
	c.mu.Lock()
	*p++
	c.mu.Unlock()
}

// IncRunOpened records an accepted RunOpen for a new run.
func (c *Collector) IncRunOpened() {
	if c == nil {
		return
	}
	c.inc(&c.runsOpened)
}

// IncRunCompleted records a run that ended with a success envelope.
func (c *Collector) IncRunCompleted() {
	if c == nil {
		return
	}
	c.inc(&c.runsCompleted)
}

// IncRunErrored records a run that ended with an error envelope.
func (c *Collector) IncRunErrored() {
	if c == nil {
		return
	}
	c.inc(&c.runsErrored)
}

// IncRunPreempted records a run torn down by a preempt control.
func (c *Collector) IncRunPreempted() {
	if c == nil {
		return
	}
	c.inc(&c.runsPreempted)
}

// IncWorkerLaunchSuccess records a successful worker spawn.
func (c *Collector) IncWorkerLaunchSuccess() {
	if c == nil {
		return
	}
	c.inc(&c.workerLaunchSuccess)
}

// IncWorkerLaunchFailure records a failed worker spawn.
func (c *Collector) IncWorkerLaunchFailure() {
	if c == nil {
		return
	}
	c.inc(&c.workerLaunchFailure)
}

// IncWorkerCrash records a worker that exited without a terminal envelope.
func (c *Collector) IncWorkerCrash() {
	if c == nil {
		return
	}
	c.inc(&c.workerCrash)
}

// IncIPCDecodeErrors records a recoverable IPC frame decode error.
func (c *Collector) IncIPCDecodeErrors() {
	if c == nil {
		return
	}
	c.inc(&c.ipcDecodeErrors)
}

// IncSubscriberJoined records an accepted subscriber connection.
func (c *Collector) IncSubscriberJoined() {
	if c == nil {
		return
	}
	c.inc(&c.subscribersJoined)
}

// IncSubscriberRejected records a rejected handshake or RunOpen.
func (c *Collector) IncSubscriberRejected() {
	if c == nil {
		return
	}
	c.inc(&c.subscribersRejected)
}

// AbsorbQueueStats folds fanout counters from a run's queue into the
// collector. Called once per run at teardown with the final stats snapshot.
// Keys are string-typed kinds to keep this package dependency-free.
func (c *Collector) AbsorbQueueStats(relayed, dropped int64, droppedByKind map[string]int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.messagesRelayed += relayed
	c.messagesDropped += dropped
	for k, v := range droppedByKind {
		c.droppedByKind[k] += v
	}
	c.mu.Unlock()
}

// Snapshot returns an immutable point-in-time view of all counters.
// The Collector can continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := make(map[string]int64, len(c.droppedByKind))
	for k, v := range c.droppedByKind {
		dropped[k] = v
	}

	return Snapshot{
		RunsOpened:    c.runsOpened,
		RunsCompleted: c.runsCompleted,
		RunsErrored:   c.runsErrored,
		RunsPreempted: c.runsPreempted,

		MessagesRelayed: c.messagesRelayed,
		MessagesDropped: c.messagesDropped,
		DroppedByKind:   dropped,

		WorkerLaunchSuccess: c.workerLaunchSuccess,
		WorkerLaunchFailure: c.workerLaunchFailure,
		WorkerCrash:         c.workerCrash,
		IPCDecodeErrors:     c.ipcDecodeErrors,

		SubscribersJoined:   c.subscribersJoined,
		SubscribersRejected: c.subscribersRejected,

		ImageDigest: c.imageDigest,
		ToolRef:     c.toolRef,
	}
}
