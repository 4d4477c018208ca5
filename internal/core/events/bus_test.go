package events

import (
	"errors"
	"testing"
)

func TestBusFanOutAndFilter(t *testing.T) {
	b := NewBus(4)
	all, cancelAll := b.Subscribe(nil)
	defer cancelAll()
	one, cancelOne := b.Subscribe(ForTopic("s1"))
	defer cancelOne()

	b.Publish(Progress("s1", "d", 10))
	b.Publish(Progress("s2", "d", 20))

	if e := <-all; e.Percent != 10 || e.At.IsZero() {
		t.Fatalf("first event = %+v", e)
	}
	if e := <-all; e.Topic != "s2" {
		t.Fatalf("second event = %+v", e)
	}
	if e := <-one; e.Topic != "s1" {
		t.Fatalf("filtered event = %+v", e)
	}
	select {
	case e := <-one:
		t.Fatalf("filter leaked %+v", e)
	default:
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	b := NewBus(1)
	ch, cancel := b.Subscribe(nil)
	b.Publish(Highlight("s", "d", []string{"a"}))
	b.Publish(Highlight("s", "d", []string{"b"}))

	if e := <-ch; e.RunIDs[0] != "a" {
		t.Fatalf("got %+v", e)
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed")
	}
	if b.Subscribers() != 0 {
		t.Fatal("subscription not removed")
	}
}

func TestCompletedCarriesOutcome(t *testing.T) {
	e := Completed("s", "d", false, errors.New("persist failed"))
	if e.Success == nil || *e.Success || e.Error != "persist failed" {
		t.Fatalf("event = %+v", e)
	}
}
