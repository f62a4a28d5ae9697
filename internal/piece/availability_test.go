package piece

import "testing"

func TestAvailabilityBucket_InitialState(t *testing.T) {
	b := newAvailabilityBucket(5)

	for i := 0; i < 5; i++ {
		if got := b.Availability(i); got != 0 {
			t.Errorf("Availability(%d) = %d, want 0", i, got)
		}
	}

	a, ok := b.FirstNonEmpty()
	if !ok || a != 0 {
		t.Fatalf("FirstNonEmpty() = (%d, %v), want (0, true)", a, ok)
	}
	if got := len(b.Bucket(0)); got != 5 {
		t.Fatalf("Bucket(0) len = %d, want 5", got)
	}
}

func TestAvailabilityBucket_Move(t *testing.T) {
	b := newAvailabilityBucket(3)

	b.Move(1, 1)
	if got := b.Availability(1); got != 1 {
		t.Fatalf("Availability(1) = %d, want 1", got)
	}
	if got := len(b.Bucket(0)); got != 2 {
		t.Fatalf("Bucket(0) len = %d, want 2", got)
	}
	if got := len(b.Bucket(1)); got != 1 {
		t.Fatalf("Bucket(1) len = %d, want 1", got)
	}

	b.Move(1, -1)
	if got := b.Availability(1); got != 0 {
		t.Fatalf("Availability(1) after decrement = %d, want 0", got)
	}
	if got := len(b.Bucket(0)); got != 3 {
		t.Fatalf("Bucket(0) len after decrement = %d, want 3", got)
	}
}

func TestAvailabilityBucket_MoveClampsToRange(t *testing.T) {
	b := newAvailabilityBucket(1)

	b.Move(0, -5)
	if got := b.Availability(0); got != 0 {
		t.Fatalf("Availability should clamp at 0, got %d", got)
	}

	for i := 0; i < b.maxAvail+5; i++ {
		b.Move(0, 1)
	}
	if got := b.Availability(0); got != b.maxAvail {
		t.Fatalf("Availability should clamp at maxAvail=%d, got %d", b.maxAvail, got)
	}
}

func TestAvailabilityBucket_FirstNonEmptyTracksRarest(t *testing.T) {
	b := newAvailabilityBucket(2)

	b.Move(0, 1)
	b.Move(1, 1)
	b.Move(1, 1)

	// Both pieces moved out of level 0, so level 0 should be empty and
	// level 1 (piece 0) should be the new rarest non-empty level.
	a, ok := b.FirstNonEmpty()
	if !ok || a != 1 {
		t.Fatalf("FirstNonEmpty() = (%d, %v), want (1, true)", a, ok)
	}
}
