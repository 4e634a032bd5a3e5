package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/saamiyaaqeel/rime/internal/domain/filter"
	"github.com/saamiyaaqeel/rime/internal/platform/filesystem/android"
)

func TestBrokerDeliversToEverySubscriber(t *testing.T) {
	b := NewBroker()
	a := b.Subscribe("topic", 1)
	c := b.Subscribe("topic", 1)

	b.Publish("topic", "hello")

	select {
	case got := <-a:
		if got != "hello" {
			t.Errorf("subscriber a: want hello, got %v", got)
		}
	default:
		t.Error("subscriber a received nothing")
	}
	select {
	case got := <-c:
		if got != "hello" {
			t.Errorf("subscriber c: want hello, got %v", got)
		}
	default:
		t.Error("subscriber c received nothing")
	}
}

func TestBrokerDropsOnFullSubscriberRatherThanBlock(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("topic", 1)

	b.Publish("topic", "first")
	b.Publish("topic", "second") // dropped, buffer already full

	got := <-ch
	if got != "first" {
		t.Errorf("want first (second should have been dropped), got %v", got)
	}
	select {
	case extra := <-ch:
		t.Errorf("want no further values, got %v", extra)
	default:
	}
}

func TestBackgroundExecutorRunsTasksInSubmissionOrder(t *testing.T) {
	e := newBackgroundExecutor()
	defer e.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		e.Submit(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("want strictly increasing submission order, got %v", order)
		}
	}
}

// newTestCore builds a Core rooted at a temp directory containing a
// single Android loose source device, with no providers registered
// (no provider package is blank-imported by this test), exercising the
// orchestrator's own state machine in isolation from any provider.
func newTestCore(t *testing.T) *Core {
	t.Helper()
	base := t.TempDir()
	if _, err := android.Create("source1", filepath.Join(base, "source1")); err != nil {
		t.Fatalf("create fixture device: %v", err)
	}

	c, err := New(Config{
		BasePath:      base,
		SessionDBPath: filepath.Join(base, "session.db"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func TestCreateSubsetRejectsInvalidDeviceID(t *testing.T) {
	c := newTestCore(t)

	_, err := c.CreateSubset(context.Background(), SubsetRequest{
		Targets: []SubsetTarget{{OldDeviceID: "source1", NewDeviceID: "bad id!"}},
	})
	if !errors.Is(err, ErrNameInvalid) {
		t.Fatalf("want ErrNameInvalid, got %v", err)
	}
}

func TestCreateSubsetRejectsExistingDeviceID(t *testing.T) {
	c := newTestCore(t)

	_, err := c.CreateSubset(context.Background(), SubsetRequest{
		Targets: []SubsetTarget{{OldDeviceID: "source1", NewDeviceID: "source1"}},
	})
	if !errors.Is(err, ErrNameExists) {
		t.Fatalf("want ErrNameExists, got %v", err)
	}
}

func TestCreateSubsetRunsToFinalisedAndPublishes(t *testing.T) {
	c := newTestCore(t)
	events := c.Subscribe(TopicSubsetComplete, 1)

	resultCh, err := c.CreateSubset(context.Background(), SubsetRequest{
		Targets: []SubsetTarget{{OldDeviceID: "source1", NewDeviceID: "subset1"}},
	})
	if err != nil {
		t.Fatalf("CreateSubset: %v", err)
	}

	select {
	case res := <-resultCh:
		if !res.Success {
			t.Fatalf("want Success, got %+v", res)
		}
		if len(res.DeviceIDs) != 1 || res.DeviceIDs[0] != "subset1" {
			t.Errorf("want DeviceIDs=[subset1], got %v", res.DeviceIDs)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for subset result")
	}

	select {
	case msg := <-events:
		res, ok := msg.(SubsetResult)
		if !ok || !res.Success {
			t.Errorf("want a successful SubsetResult on the broker, got %#v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for subset_complete publish")
	}

	if !c.HasDevice("subset1") {
		t.Error("want subset1 present in the device cache after a successful subset")
	}
}

func TestQueryEventsWithNoDevicesReturnsEmpty(t *testing.T) {
	c := newTestCore(t)
	got, err := c.QueryEvents(context.Background(), []string{}, filter.Events{})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("want no events (fixture device has no providers), got %d", len(got))
	}
}
