package fees

import (
	"errors"
	"testing"
)

func TestCalculateDefaultSchedule(t *testing.T) {
	tests := []struct {
		name           string
		amount         int64
		wantPlatform   int64
		wantProcessing int64
		wantNet        int64
	}{
		{"one thousand dollars", 100000, 5000, 2930, 92070},
		{"small job", 5000, 250, 175, 4575},
		{"one cent", 1, 0, 30, 0}, // fees exceed amount, net floors at zero
		{"odd amount rounds down", 99999, 4999, 2929, 92071},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Calculate(tt.amount)
			if err != nil {
				t.Fatalf("Calculate(%d): %v", tt.amount, err)
			}
			if b.PlatformFeeCents != tt.wantPlatform {
				t.Errorf("platform = %d, want %d", b.PlatformFeeCents, tt.wantPlatform)
			}
			if b.ProcessingFeeCents != tt.wantProcessing {
				t.Errorf("processing = %d, want %d", b.ProcessingFeeCents, tt.wantProcessing)
			}
			if b.NetToContractorCents != tt.wantNet {
				t.Errorf("net = %d, want %d", b.NetToContractorCents, tt.wantNet)
			}
		})
	}
}

func TestCalculateRejectsNonPositive(t *testing.T) {
	for _, amt := range []int64{0, -1, -100000} {
		if _, err := Calculate(amt); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Calculate(%d) = %v, want ErrInvalidAmount", amt, err)
		}
	}
}

func TestCustomSchedule(t *testing.T) {
	sched := Schedule{PlatformFeeBPS: 1000, ProcessingFeeBPS: 0, ProcessingFixedCents: 0}

	b, err := sched.Calculate(100000)
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if b.PlatformFeeCents != 10000 {
		t.Errorf("platform = %d, want 10000", b.PlatformFeeCents)
	}
	if b.ProcessingFeeCents != 0 {
		t.Errorf("processing = %d, want 0", b.ProcessingFeeCents)
	}
	if b.NetToContractorCents != 90000 {
		t.Errorf("net = %d, want 90000", b.NetToContractorCents)
	}
}

func TestBreakdownSumsToAmount(t *testing.T) {
	// platform + processing + net == amount whenever fees don't exceed it
	for _, amt := range []int64{1000, 12345, 99999, 100000, 5000001} {
		b, err := Calculate(amt)
		if err != nil {
			t.Fatalf("Calculate(%d): %v", amt, err)
		}
		if sum := b.PlatformFeeCents + b.ProcessingFeeCents + b.NetToContractorCents; sum != amt {
			t.Errorf("amount %d: breakdown sums to %d", amt, sum)
		}
	}
}
