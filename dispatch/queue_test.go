package dispatch

import "testing"

func TestPushPopFIFOOrder(t *testing.T) {
	q := New()
	q.Push("a", []byte{1})
	q.Push("b", []byte{2})
	q.Push("c", []byte{3})

	for _, want := range []string{"a", "b", "c"} {
		item, ok := q.Pop()
		if !ok {
			t.Fatalf("expected an item for key %q", want)
		}
		if item.Key != want {
			t.Errorf("got key %q, want %q", item.Key, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("expected empty queue after draining all pushes")
	}
}

func TestPopEmptyQueue(t *testing.T) {
	q := New()
	if _, ok := q.Pop(); ok {
		t.Error("Pop on an empty queue should report ok=false")
	}
}

func TestDrainAll(t *testing.T) {
	q := New()
	q.Push("x", []byte{1})
	q.Push("y", []byte{2})

	items := q.DrainAll()
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue after DrainAll, got len %d", q.Len())
	}
	if items[0].Key != "x" || items[1].Key != "y" {
		t.Errorf("DrainAll should preserve FIFO order, got %+v", items)
	}

	if got := q.DrainAll(); got != nil {
		t.Errorf("DrainAll on an empty queue should return nil, got %+v", got)
	}
}

func TestLen(t *testing.T) {
	q := New()
	if q.Len() != 0 {
		t.Errorf("new queue should have len 0")
	}
	q.Push("a", nil)
	q.Push("b", nil)
	if q.Len() != 2 {
		t.Errorf("expected len 2, got %d", q.Len())
	}
	q.Pop()
	if q.Len() != 1 {
		t.Errorf("expected len 1 after one Pop, got %d", q.Len())
	}
}

func TestKeyHelpers(t *testing.T) {
	if got := ErrorKey("192.0.2.1"); got != "192.0.2.1$_Error" {
		t.Errorf("ErrorKey: got %q", got)
	}
	if got := ValueKey("192.0.2.1", "VW100", 5); got != "192.0.2.1$VW100$5" {
		t.Errorf("ValueKey: got %q", got)
	}
	if VersionKey != "_VERSION" {
		t.Errorf("VersionKey changed unexpectedly: %q", VersionKey)
	}
}
