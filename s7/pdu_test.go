package s7

import (
	"strconv"
	"testing"
)

func mustParse(t *testing.T, raw string) AddressDescriptor {
	t.Helper()
	d, err := ParseAddress(raw)
	if err != nil {
		t.Fatalf("ParseAddress(%q): %v", raw, err)
	}
	return d
}

func TestPackBatchWithinBounds(t *testing.T) {
	var items []AddressDescriptor
	for i := 0; i < 20; i++ {
		items = append(items, mustParse(t, fmt_VW(i)))
	}

	batches := PackBatch(items, DirectionRead)

	total := 0
	for _, b := range batches {
		if !b.Fallback {
			sum := 0
			for _, it := range b.Items {
				sum += it.SizeBytes() + ReadVarOverhead
			}
			if sum+ReadMsgOverhead > PDUSize {
				t.Errorf("batch exceeds PDU bound: %d > %d", sum+ReadMsgOverhead, PDUSize)
			}
			if len(b.Items) > MaxReadBatch {
				t.Errorf("batch exceeds max count: %d > %d", len(b.Items), MaxReadBatch)
			}
		}
		total += len(b.Items)
	}
	if total != len(items) {
		t.Errorf("packed %d items, want %d", total, len(items))
	}
}

func TestPackBatchTwentyWordReads(t *testing.T) {
	var items []AddressDescriptor
	for i := 0; i < 20; i++ {
		items = append(items, mustParse(t, fmt_VW(i)))
	}

	batches := PackBatch(items, DirectionRead)
	if len(batches) != 2 {
		t.Fatalf("expected exactly 2 requests for 20 word reads with N=19, got %d", len(batches))
	}
	if len(batches[0].Items) != MaxReadBatch {
		t.Errorf("first batch should saturate N=%d, got %d", MaxReadBatch, len(batches[0].Items))
	}
	if len(batches[1].Items) != 1 {
		t.Errorf("second batch should carry the remaining 1 item, got %d", len(batches[1].Items))
	}
}

func TestPackBatchSingleItemFallback(t *testing.T) {
	// A single VB string of 250 bytes (sizeBytes=250) exceeds the 240-byte PDU alone.
	huge := mustParse(t, "VB0.250")
	batches := PackBatch([]AddressDescriptor{huge}, DirectionRead)
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	if !batches[0].Fallback {
		t.Error("expected Fallback=true for an oversized single item")
	}
}

// fmt_VW builds a distinct word address string for test fixtures.
func fmt_VW(i int) string {
	return "VW" + strconv.Itoa(i*2)
}
