package metrics

import (
	"sync"
	"testing"
)

func TestCollector_IncrementMethods(t *testing.T) {
	c := NewCollector("sha256:abc", "vend/tool@1.0.0")

	c.IncRunOpened()
	c.IncRunCompleted()
	c.IncRunErrored()
	c.IncRunErrored()
	c.IncRunPreempted()
	c.IncWorkerLaunchSuccess()
	c.IncWorkerLaunchFailure()
	c.IncWorkerLaunchFailure()
	c.IncWorkerCrash()
	c.IncIPCDecodeErrors()
	c.IncIPCDecodeErrors()
	c.IncIPCDecodeErrors()
	c.IncSubscriberJoined()
	c.IncSubscriberJoined()
	c.IncSubscriberRejected()

	s := c.Snapshot()

	if s.RunsOpened != 1 {
		t.Errorf("RunsOpened = %d, want 1", s.RunsOpened)
	}
	if s.RunsCompleted != 1 {
		t.Errorf("RunsCompleted = %d, want 1", s.RunsCompleted)
	}
	if s.RunsErrored != 2 {
		t.Errorf("RunsErrored = %d, want 2", s.RunsErrored)
	}
	if s.RunsPreempted != 1 {
		t.Errorf("RunsPreempted = %d, want 1", s.RunsPreempted)
	}
	if s.WorkerLaunchSuccess != 1 {
		t.Errorf("WorkerLaunchSuccess = %d, want 1", s.WorkerLaunchSuccess)
	}
	if s.WorkerLaunchFailure != 2 {
		t.Errorf("WorkerLaunchFailure = %d, want 2", s.WorkerLaunchFailure)
	}
	if s.WorkerCrash != 1 {
		t.Errorf("WorkerCrash = %d, want 1", s.WorkerCrash)
	}
	if s.IPCDecodeErrors != 3 {
		t.Errorf("IPCDecodeErrors = %d, want 3", s.IPCDecodeErrors)
	}
	if s.SubscribersJoined != 2 {
		t.Errorf("SubscribersJoined = %d, want 2", s.SubscribersJoined)
	}
	if s.SubscribersRejected != 1 {
		t.Errorf("SubscribersRejected = %d, want 1", s.SubscribersRejected)
	}
	if s.ImageDigest != "sha256:abc" || s.ToolRef != "vend/tool@1.0.0" {
		t.Errorf("dimensions = (%q, %q)", s.ImageDigest, s.ToolRef)
	}
}

func TestCollector_AbsorbQueueStats(t *testing.T) {
	c := NewCollector("", "")
	c.AbsorbQueueStats(100, 5, map[string]int64{"Token": 5})
	c.AbsorbQueueStats(40, 2, map[string]int64{"Token": 2})

	s := c.Snapshot()
	if s.MessagesRelayed != 140 {
		t.Errorf("MessagesRelayed = %d, want 140", s.MessagesRelayed)
	}
	if s.MessagesDropped != 7 {
		t.Errorf("MessagesDropped = %d, want 7", s.MessagesDropped)
	}
	if s.DroppedByKind["Token"] != 7 {
		t.Errorf("DroppedByKind[Token] = %d, want 7", s.DroppedByKind["Token"])
	}
}

func TestCollector_NilReceiverSafe(t *testing.T) {
	var c *Collector
	c.IncRunOpened()
	c.IncWorkerCrash()
	c.AbsorbQueueStats(1, 1, nil)
	s := c.Snapshot()
	if s.RunsOpened != 0 {
		t.Errorf("nil collector snapshot not zero")
	}
}

func TestCollector_ConcurrentIncrements(t *testing.T) {
	c := NewCollector("", "")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.IncRunOpened()
			c.IncSubscriberJoined()
		}()
	}
	wg.Wait()
	s := c.Snapshot()
	if s.RunsOpened != 50 || s.SubscribersJoined != 50 {
		t.Errorf("counters = (%d, %d), want (50, 50)", s.RunsOpened, s.SubscribersJoined)
	}
}
