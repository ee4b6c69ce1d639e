package callsession

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voicecore/callcore/pkg/callerr"
)

func TestRunSupervised_NilReturnStopsLoop(t *testing.T) {
	calls := 0
	err := runSupervised(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("runSupervised = %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("fn ran %d times, want 1", calls)
	}
}

func TestRunSupervised_RestartsOnRetryableError(t *testing.T) {
	calls := 0
	restarts := 0
	err := runSupervised(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return callerr.New(callerr.STTConnectError, "stt_client", errors.New("socket reset"))
		}
		return nil
	}, func(cause error) { restarts++ })
	if err != nil {
		t.Fatalf("runSupervised = %v, want nil after recovery", err)
	}
	if calls != 3 {
		t.Errorf("fn ran %d times, want 3", calls)
	}
	if restarts != 2 {
		t.Errorf("onRestart fired %d times, want 2", restarts)
	}
}

func TestRunSupervised_FatalErrorEscalatesImmediately(t *testing.T) {
	calls := 0
	fatal := callerr.New(callerr.STTAuthError, "stt_client", errors.New("bad key"))
	err := runSupervised(context.Background(), func(ctx context.Context) error {
		calls++
		return fatal
	}, nil)
	if !errors.Is(err, fatal) {
		t.Fatalf("runSupervised = %v, want the fatal error back", err)
	}
	if calls != 1 {
		t.Errorf("fn ran %d times, want 1 (no restart on fatal)", calls)
	}
}

func TestRunSupervised_PlainErrorEscalatesImmediately(t *testing.T) {
	plain := errors.New("not a classified error")
	calls := 0
	err := runSupervised(context.Background(), func(ctx context.Context) error {
		calls++
		return plain
	}, nil)
	if !errors.Is(err, plain) {
		t.Fatalf("runSupervised = %v, want the plain error back", err)
	}
	if calls != 1 {
		t.Errorf("fn ran %d times, want 1", calls)
	}
}

func TestRunSupervised_BudgetExhaustionEscalates(t *testing.T) {
	calls := 0
	err := runSupervised(context.Background(), func(ctx context.Context) error {
		calls++
		return callerr.New(callerr.STTConnectError, "stt_client", errors.New("flapping"))
	}, nil)

	var ce *callerr.Error
	if !errors.As(err, &ce) || ce.Kind != callerr.STTConnectError {
		t.Fatalf("runSupervised = %v, want the final STTConnectError", err)
	}
	// maxStageRestarts restarts plus the attempt that exhausted the budget.
	if calls != maxStageRestarts+1 {
		t.Errorf("fn ran %d times, want %d", calls, maxStageRestarts+1)
	}
}

func TestRunSupervised_CancelledContextWinsOverRestart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := runSupervised(ctx, func(ctx context.Context) error {
		cancel()
		return callerr.New(callerr.STTConnectError, "stt_client", errors.New("reset"))
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("runSupervised = %v, want context.Canceled", err)
	}
}

func TestTrimRestarts_DropsEntriesOutsideWindow(t *testing.T) {
	now := time.Now()
	restarts := []time.Time{
		now.Add(-2 * restartWindow),
		now.Add(-restartWindow - time.Second),
		now.Add(-time.Second),
		now,
	}
	got := trimRestarts(restarts, now)
	if len(got) != 2 {
		t.Fatalf("trimRestarts kept %d entries, want 2", len(got))
	}
	if got[0] != restarts[2] {
		t.Errorf("oldest kept entry = %v, want %v", got[0], restarts[2])
	}
}
