package state_test

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/guardian/internal/state"
	"github.com/jordigilh/guardian/pkg/types"
)

type fakePublisher struct {
	events []types.Event
}

func (f *fakePublisher) Publish(ctx context.Context, event types.Event) error {
	f.events = append(f.events, event)
	return nil
}

func newTestStore(pub state.Publisher) *state.Store {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return state.New(pub, logrus.NewEntry(log))
}

func TestNewStoreStartsHealthy(t *testing.T) {
	s := newTestStore(&fakePublisher{})
	if got := s.Current().Health; got != types.HealthHealthy {
		t.Fatalf("initial health = %v, want %v", got, types.HealthHealthy)
	}
}

func TestUpdateRejectsOutOfRangeCPU(t *testing.T) {
	s := newTestStore(&fakePublisher{})
	if err := s.Update(context.Background(), 150, 10, 0); err == nil {
		t.Fatal("expected validation error for out-of-range cpu usage")
	}
}

func TestUpdateRejectsOutOfRangeMemory(t *testing.T) {
	s := newTestStore(&fakePublisher{})
	if err := s.Update(context.Background(), 10, -1, 0); err == nil {
		t.Fatal("expected validation error for negative memory usage")
	}
}

func TestUpdateComputesDegradedAndCriticalHealth(t *testing.T) {
	cases := []struct {
		cpu, mem float64
		want     types.Health
	}{
		{10, 10, types.HealthHealthy},
		{70, 10, types.HealthDegraded},
		{10, 70, types.HealthDegraded},
		{90, 10, types.HealthCritical},
		{10, 90, types.HealthCritical},
	}
	for _, tc := range cases {
		s := newTestStore(&fakePublisher{})
		if err := s.Update(context.Background(), tc.cpu, tc.mem, 0); err != nil {
			t.Fatalf("cpu=%v mem=%v: unexpected error: %v", tc.cpu, tc.mem, err)
		}
		if got := s.Current().Health; got != tc.want {
			t.Errorf("cpu=%v mem=%v: health = %v, want %v", tc.cpu, tc.mem, got, tc.want)
		}
	}
}

func TestUpdatePublishesOnHealthTransition(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestStore(pub)

	if err := s.Update(context.Background(), 10, 10, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.events) != 0 {
		t.Fatalf("expected no publish for a no-op health transition, got %d", len(pub.events))
	}

	if err := s.Update(context.Background(), 90, 10, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected one publish after health transition, got %d", len(pub.events))
	}
	if pub.events[0].Priority != types.PriorityCritical {
		t.Fatalf("priority = %v, want Critical for critical health transition", pub.events[0].Priority)
	}
}

func TestHistoryAccumulatesPriorSnapshots(t *testing.T) {
	s := newTestStore(&fakePublisher{})
	for i := 0; i < 3; i++ {
		if err := s.Update(context.Background(), float64(i), 0, 0); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := len(s.History()); got != 3 {
		t.Fatalf("History() len = %d, want 3", got)
	}
}
