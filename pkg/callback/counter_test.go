package callback

import "testing"

func TestCounterTracker_DeltaSequence(t *testing.T) {
	tracker := NewCounterTracker(PolicyBaseline)
	readings := []int64{0, 1000, 2500, 500, 1200}
	want := []int64{1000, 1500, 500, 1200}

	var got []int64
	var resets int
	for i, r := range readings {
		in, _, reset := tracker.Delta(10001, r, 0)
		if reset {
			resets++
		}
		if i == 0 {
			if in != 0 {
				t.Fatalf("first reading should only set the baseline, got delta %d", in)
			}
			continue
		}
		got = append(got, in)
	}

	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delta[%d] = %d, want %d", i, got[i], want[i])
		}
	}
	if resets != 1 {
		t.Errorf("expected exactly one reset, got %d", resets)
	}
}

func TestCounterTracker_Directions(t *testing.T) {
	tracker := NewCounterTracker(PolicyBaseline)
	tracker.Delta(1, 100, 1000)

	in, out, reset := tracker.Delta(1, 150, 200)
	if in != 50 || out != 200 || !reset {
		t.Errorf("Delta = (%d, %d, %v), want (50, 200, true)", in, out, reset)
	}

	// ports are independent
	in, out, _ = tracker.Delta(2, 700, 700)
	if in != 0 || out != 0 {
		t.Errorf("new port should start from a baseline, got (%d, %d)", in, out)
	}
}

func TestCounterTracker_CountPolicy(t *testing.T) {
	tracker := NewCounterTracker(PolicyCount)
	in, out, _ := tracker.Delta(1, 300, 400)
	if in != 300 || out != 400 {
		t.Errorf("count policy should charge the first reading, got (%d, %d)", in, out)
	}
}

func TestCounterTracker_Reset(t *testing.T) {
	tracker := NewCounterTracker(PolicyBaseline)
	tracker.Delta(1, 100, 100)
	tracker.Delta(2, 100, 100)

	tracker.Reset(1)
	if tracker.Len() != 1 {
		t.Fatalf("Len = %d, want 1", tracker.Len())
	}
	if in, _, _ := tracker.Delta(1, 5000, 0); in != 0 {
		t.Errorf("reset port should re-baseline, got delta %d", in)
	}

	tracker.ResetAll()
	if tracker.Len() != 0 {
		t.Errorf("Len after ResetAll = %d", tracker.Len())
	}
}

func TestParseFirstEventPolicy(t *testing.T) {
	if p, err := ParseFirstEventPolicy(""); err != nil || p != PolicyBaseline {
		t.Errorf("empty policy = %s, %v", p, err)
	}
	if p, err := ParseFirstEventPolicy("count"); err != nil || p != PolicyCount {
		t.Errorf("count policy = %s, %v", p, err)
	}
	if _, err := ParseFirstEventPolicy("guess"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestCounterTracker_RollbackRestartsBaselineAtZero(t *testing.T) {
	tracker := NewCounterTracker(PolicyBaseline)
	tracker.Delta(10001, 2500, 4000)

	in, out, reset := tracker.Delta(10001, 500, 4100)
	if in != 500 || out != 100 || !reset {
		t.Fatalf("Delta = (%d, %d, %v), want (500, 100, true)", in, out, reset)
	}
	if tracker.Len() != 1 {
		t.Fatalf("rollback must keep the port tracked, Len = %d", tracker.Len())
	}

	in, out, reset = tracker.Delta(10001, 1200, 4150)
	if in != 1200 || out != 50 || reset {
		t.Errorf("Delta after rollback = (%d, %d, %v), want (1200, 50, false)", in, out, reset)
	}
}
