package render

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"timetablebot/pkg/logx"
)

func TestAdmissionShrinksOnExactStreaks(t *testing.T) {
	a := NewAdmission(AdmissionConfig{BaseMax: 16}, logx.Nop())
	want := []int{16, 16, 8, 8, 4, 4, 2, 2, 2}
	for i, w := range want {
		a.ReportFailure()
		if got := a.Snapshot().Ceiling; got != w {
			t.Fatalf("after %d failures ceiling=%d want %d", i+1, got, w)
		}
	}
}

func TestAdmissionFloorIsOne(t *testing.T) {
	a := NewAdmission(AdmissionConfig{BaseMax: 4}, logx.Nop())
	for i := 0; i < 10; i++ {
		a.ReportFailure()
	}
	if got := a.Snapshot().Ceiling; got != 1 {
		t.Fatalf("ceiling=%d want 1", got)
	}
}

func TestAdmissionGrowsAfterSuccessStreak(t *testing.T) {
	a := NewAdmission(AdmissionConfig{BaseMax: 4}, logx.Nop())
	for i := 0; i < 3; i++ {
		a.ReportFailure()
	}
	if got := a.Snapshot().Ceiling; got != 2 {
		t.Fatalf("ceiling=%d want 2", got)
	}
	for i := 0; i < 19; i++ {
		a.ReportSuccess()
	}
	snap := a.Snapshot()
	if snap.Ceiling != 2 || snap.SuccessStreak != 19 || snap.ErrorStreak != 0 {
		t.Fatalf("after 19 successes: %+v", snap)
	}
	a.ReportSuccess()
	snap = a.Snapshot()
	if snap.Ceiling != 3 || snap.SuccessStreak != 0 {
		t.Fatalf("after 20 successes: %+v", snap)
	}
}

func TestAdmissionNeverAboveBase(t *testing.T) {
	a := NewAdmission(AdmissionConfig{BaseMax: 2, GrowAfter: 1}, logx.Nop())
	for i := 0; i < 5; i++ {
		a.ReportSuccess()
	}
	if got := a.Snapshot().Ceiling; got != 2 {
		t.Fatalf("ceiling=%d want 2", got)
	}
}

func TestAdmissionStreaksResetEachOther(t *testing.T) {
	a := NewAdmission(AdmissionConfig{BaseMax: 8}, logx.Nop())
	a.ReportFailure()
	a.ReportFailure()
	a.ReportSuccess()
	a.ReportFailure()
	a.ReportFailure()
	// streak is 2 again, not 4: no shrink happened
	if snap := a.Snapshot(); snap.Ceiling != 8 || snap.ErrorStreak != 2 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestAdmissionCeilingUnderLoad(t *testing.T) {
	a := NewAdmission(AdmissionConfig{BaseMax: 3}, logx.Nop())
	var (
		cur, peak atomic.Int32
		wg        sync.WaitGroup
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Acquire(context.Background()); err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			cur.Add(-1)
			a.Release()
		}()
	}
	wg.Wait()
	if p := peak.Load(); p > 3 {
		t.Fatalf("observed %d in flight with ceiling 3", p)
	}
	if snap := a.Snapshot(); snap.InFlight != 0 || snap.PeakInFlight > 3 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestAdmissionShrinkBlocksNewEntries(t *testing.T) {
	a := NewAdmission(AdmissionConfig{BaseMax: 2}, logx.Nop())
	for i := 0; i < 3; i++ {
		a.ReportFailure()
	}
	if err := a.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := a.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Acquire err=%v want deadline", err)
	}
	a.Release()
	if err := a.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestAdmissionCancelWakesWaiter(t *testing.T) {
	a := NewAdmission(AdmissionConfig{BaseMax: 1}, logx.Nop())
	if err := a.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Acquire(ctx) }()

	deadline := time.Now().Add(time.Second)
	for a.Snapshot().Waiting == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err=%v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter not woken by cancel")
	}
	if snap := a.Snapshot(); snap.InFlight != 1 || snap.Waiting != 0 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestAdmissionReleaseFloor(t *testing.T) {
	a := NewAdmission(AdmissionConfig{}, logx.Nop())
	a.Release()
	if snap := a.Snapshot(); snap.InFlight != 0 || snap.BaseMax != 4 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestAdmissionCancelledWaiterNotAdmittedOnRelease(t *testing.T) {
	a := NewAdmission(AdmissionConfig{BaseMax: 1}, logx.Nop())
	if err := a.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Acquire(ctx) }()

	deadline := time.Now().Add(time.Second)
	for a.Snapshot().Waiting == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	// the slot frees at the same moment the waiter's context ends
	a.mu.Lock()
	cancel()
	a.inFlight--
	a.cond.Broadcast()
	a.mu.Unlock()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err=%v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter not woken")
	}
	if snap := a.Snapshot(); snap.InFlight != 0 {
		t.Fatalf("cancelled waiter took a slot: %+v", snap)
	}
}
