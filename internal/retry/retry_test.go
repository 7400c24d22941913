package retry

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func recordSleep(delays *[]time.Duration) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

var errTemporary = errors.New("temporary")

// failing fails the first n calls.
func failing(n int, calls *int) func() error {
	return func() error {
		*calls++
		if *calls <= n {
			return errTemporary
		}
		return nil
	}
}

func TestDo(t *testing.T) {
	tests := []struct {
		name       string
		config     Config
		failures   int
		wantCalls  int
		wantErr    bool
		wantDelays []time.Duration
	}{
		{"first try", Fixed(3, time.Second), 0, 1, false, nil},
		{"fixed retries then success", Fixed(3, 2*time.Second), 2, 3, false, []time.Duration{2 * time.Second, 2 * time.Second}},
		{"no wait after last attempt", Fixed(3, time.Second), 10, 3, true, []time.Duration{time.Second, time.Second}},
		{"linear schedule", Linear(3, 2*time.Second), 10, 3, true, []time.Duration{2 * time.Second, 4 * time.Second}},
		{"zero attempts means one", Config{}, 10, 1, true, nil},
		{"nil schedule waits zero", Config{MaxAttempts: 2}, 10, 2, true, []time.Duration{0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var delays []time.Duration
			calls := 0
			result := Do(context.Background(), tt.config.WithSleep(recordSleep(&delays)), failing(tt.failures, &calls))
			if (result.Err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", result.Err, tt.wantErr)
			}
			if calls != tt.wantCalls || result.Attempts != tt.wantCalls {
				t.Errorf("calls = %d attempts = %d, want %d", calls, result.Attempts, tt.wantCalls)
			}
			if !reflect.DeepEqual(delays, tt.wantDelays) {
				t.Errorf("delays = %v, want %v", delays, tt.wantDelays)
			}
		})
	}
}

func TestDoOnRetry(t *testing.T) {
	var seen []int
	config := Fixed(4, 0).WithSleep(recordSleep(new([]time.Duration)))
	config.OnRetry = func(attempt int, _ error) { seen = append(seen, attempt) }

	Do(context.Background(), config, func() error { return errTemporary })

	if !reflect.DeepEqual(seen, []int{1, 2, 3}) {
		t.Errorf("OnRetry attempts = %v, want [1 2 3]", seen)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	result := Do(context.Background(), Fixed(5, time.Hour), func() error {
		calls++
		return Permanent(errTemporary)
	})
	if calls != 1 || !errors.Is(result.Err, errTemporary) {
		t.Errorf("calls = %d err = %v", calls, result.Err)
	}
}

func TestDoCancellation(t *testing.T) {
	t.Run("during wait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		config := Fixed(5, time.Hour)
		config.Sleep = func(ctx context.Context, d time.Duration) error {
			cancel()
			return Sleep(ctx, d)
		}
		calls := 0
		result := Do(ctx, config, failing(10, &calls))
		if calls != 1 || !errors.Is(result.Err, context.Canceled) {
			t.Errorf("calls = %d err = %v", calls, result.Err)
		}
	})
	t.Run("before first attempt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		result := Do(ctx, Fixed(3, 0), failing(0, &calls))
		if calls != 0 || !errors.Is(result.Err, context.Canceled) {
			t.Errorf("calls = %d err = %v", calls, result.Err)
		}
	})
}

func TestDoWithValue(t *testing.T) {
	config := Fixed(3, 0).WithSleep(recordSleep(new([]time.Duration)))
	calls := 0
	value, result := DoWithValue(context.Background(), config, func() (string, error) {
		calls++
		if calls < 2 {
			return "", errTemporary
		}
		return "answer", nil
	})
	if result.Err != nil || value != "answer" || result.Attempts != 2 {
		t.Errorf("value = %q attempts = %d err = %v", value, result.Attempts, result.Err)
	}
}

func TestSleep(t *testing.T) {
	if err := Sleep(context.Background(), 0); err != nil {
		t.Errorf("Sleep(0) = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep on cancelled ctx = %v", err)
	}
}

func TestPermanent(t *testing.T) {
	perm := Permanent(errTemporary)
	if !IsPermanent(perm) || !errors.Is(perm, errTemporary) {
		t.Errorf("Permanent(%v) = %v", errTemporary, perm)
	}
	if IsPermanent(errTemporary) {
		t.Error("plain error reported permanent")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
