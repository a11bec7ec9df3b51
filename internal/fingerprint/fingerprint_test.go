package fingerprint

import (
	"context"
	"errors"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	values := []uint32{0, 1, 0xDEADBEEF, 0xFFFFFFFF}
	decoded := FromBytes(ToBytes(values))
	if len(decoded) != len(values) {
		t.Fatalf("expected %d values, got %d", len(values), len(decoded))
	}
	for i := range values {
		if decoded[i] != values[i] {
			t.Fatalf("value %d = %d, want %d", i, decoded[i], values[i])
		}
	}

	// A truncated blob drops the partial value.
	if got := FromBytes(ToBytes(values)[:7]); len(got) != 1 {
		t.Fatalf("expected 1 value from truncated blob, got %d", len(got))
	}
}

func TestNormalizedHamming(t *testing.T) {
	a := []uint32{0xFFFF0000, 0x0000FFFF}
	if d := NormalizedHamming(a, a); d != 0 {
		t.Fatalf("identical fingerprints: distance %v", d)
	}
	if d := NormalizedHamming(a, []uint32{^a[0], ^a[1]}); d != 1 {
		t.Fatalf("inverted fingerprints: distance %v", d)
	}
	if d := NormalizedHamming([]uint32{0}, []uint32{1}); d != 1.0/32 {
		t.Fatalf("one-bit difference: distance %v", d)
	}
	if d := NormalizedHamming(nil, a); d != 1 {
		t.Fatalf("empty fingerprint: distance %v", d)
	}
}

func TestHashesNear(t *testing.T) {
	a := ToBytes([]uint32{0xAAAAAAAA, 0x55555555})
	b := ToBytes([]uint32{0xAAAAAAAA, 0x55555554})
	if !HashesNear(a, b, 0.15) {
		t.Fatal("expected near hashes to match")
	}
	far := ToBytes([]uint32{0x55555555, 0xAAAAAAAA})
	if HashesNear(a, far, 0.15) {
		t.Fatal("expected distant hashes to miss")
	}
}

func TestPlan(t *testing.T) {
	windows := Plan(30, 10, 5)
	wantStarts := []float64{0, 5, 10, 15, 20}
	if len(windows) != len(wantStarts) {
		t.Fatalf("expected %d windows, got %#v", len(wantStarts), windows)
	}
	for i, want := range wantStarts {
		if windows[i].Start != want || windows[i].Length != 10 {
			t.Fatalf("window %d = %#v, want start %v", i, windows[i], want)
		}
	}
}

func TestPlanShortAudio(t *testing.T) {
	windows := Plan(6, 10, 5)
	if len(windows) != 1 || windows[0].Start != 0 || windows[0].Length != 6 {
		t.Fatalf("unexpected short-audio plan: %#v", windows)
	}
	if !ShortAudio(6, 10) {
		t.Fatal("expected short audio to be flagged")
	}
	if ShortAudio(30, 10) {
		t.Fatal("expected normal audio not to be flagged")
	}
	if Plan(0, 10, 5) != nil {
		t.Fatal("expected nil plan for zero duration")
	}
}

func TestFingerprintParsesFpcalcOutput(t *testing.T) {
	client := NewClient("fpcalc", 60, WithRunner(func(ctx context.Context, binary string, args []string) ([]byte, error) {
		return []byte("DURATION=10.00\nFINGERPRINT=123456,-789012,42\n"), nil
	}))

	values, duration, err := client.Fingerprint(context.Background(), "/tmp/window.wav")
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	if duration != 10 {
		t.Fatalf("unexpected duration: %v", duration)
	}
	if len(values) != 3 || values[0] != 123456 || values[2] != 42 {
		t.Fatalf("unexpected values: %#v", values)
	}
	if signed := int64(-789012); values[1] != uint32(signed) {
		t.Fatalf("signed value not preserved: %d", values[1])
	}
}

func TestFingerprintEmptyOutput(t *testing.T) {
	client := NewClient("fpcalc", 60, WithRunner(func(ctx context.Context, binary string, args []string) ([]byte, error) {
		return []byte("DURATION=10.00\n"), nil
	}))

	_, _, err := client.Fingerprint(context.Background(), "/tmp/window.wav")
	if !errors.Is(err, ErrEmptyFingerprint) {
		t.Fatalf("expected ErrEmptyFingerprint, got %v", err)
	}
}
