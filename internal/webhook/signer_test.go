package webhook

import (
	"testing"
	"time"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	secret := []byte("top-secret")
	payload := []byte(`{"b":2,"a":1}`)
	sig, err := Sign(secret, 1700000000, payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(sig) < len("sha256=") || sig[:7] != "sha256=" {
		t.Fatalf("signature missing sha256= prefix: %q", sig)
	}
	ok, err := Verify(secret, 1700000000, payload, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatalf("Verify returned false for a signature Sign just produced")
	}
}

func TestSignIsKeyOrderIndependent(t *testing.T) {
	secret := []byte("top-secret")
	a := []byte(`{"b":2,"a":1}`)
	b := []byte(`{"a":1,"b":2}`)
	sigA, err := Sign(secret, 42, a)
	if err != nil {
		t.Fatalf("Sign a: %v", err)
	}
	sigB, err := Sign(secret, 42, b)
	if err != nil {
		t.Fatalf("Sign b: %v", err)
	}
	if sigA != sigB {
		t.Fatalf("canonical signatures differ for reordered-but-equal JSON: %q vs %q", sigA, sigB)
	}
}

func TestVerifyFailsAfterSecretRotation(t *testing.T) {
	payload := []byte(`{"event":"transcription.completed"}`)
	sig, err := Sign([]byte("old-secret"), 1, payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := Verify([]byte("new-secret"), 1, payload, sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatalf("Verify succeeded with a rotated secret, want failure")
	}
}

func TestNextRetryAtSchedule(t *testing.T) {
	cases := []struct {
		attempts int
		wantNil  bool
		minDelay float64 // seconds, approximate lower bound
	}{
		{1, false, 29},
		{2, false, 119},
		{3, false, 599},
		{4, false, 3599},
		{5, true, 0},
	}
	for _, c := range cases {
		got := nextRetryAt(c.attempts)
		if c.wantNil {
			if got != nil {
				t.Errorf("attempts=%d: got %v, want nil (retries exhausted)", c.attempts, got)
			}
			continue
		}
		if got == nil {
			t.Errorf("attempts=%d: got nil, want a scheduled retry", c.attempts)
			continue
		}
		if d := time.Until(*got).Seconds(); d < c.minDelay {
			t.Errorf("attempts=%d: retry in %.0fs, want at least %.0fs", c.attempts, d, c.minDelay)
		}
	}
}
