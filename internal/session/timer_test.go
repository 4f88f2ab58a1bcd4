package session

import (
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/sukesh-kandasamy/sense/internal/domain"
)

func TestCountdown_WarningsFireOnceIffThresholdExceeded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		total := rapid.IntRange(1, 2000).Draw(rt, "total")
		c := newCountdown(total, defaultWarningTicks)

		counts := map[domain.Warning]int{}
		expired := 0
		for i := 0; i < total+10; i++ {
			s := c.step()
			if s.warning != domain.WarningNone {
				counts[s.warning]++
			}
			if s.expired {
				expired++
			}
		}

		want5, want1 := 0, 0
		if total > 300 {
			want5 = 1
		}
		if total > 60 {
			want1 = 1
		}
		if counts[domain.WarningFiveMin] != want5 || counts[domain.WarningOneMin] != want1 {
			rt.Fatalf("total=%d warnings=%v", total, counts)
		}
		if expired != 1 {
			rt.Fatalf("total=%d expired %d times", total, expired)
		}
	})
}

func TestCountdown_WarningClearsAfterFiveTicks(t *testing.T) {
	c := newCountdown(62, defaultWarningTicks)
	c.step() // 61
	if s := c.step(); s.warning != domain.WarningOneMin || s.remaining != 60 {
		t.Fatalf("step = %+v", s)
	}
	for i := 0; i < 4; i++ {
		if s := c.step(); s.cleared {
			t.Fatalf("cleared early at %d", s.remaining)
		}
	}
	if s := c.step(); !s.cleared || s.remaining != 55 {
		t.Fatalf("step = %+v, want clear at 55", s)
	}
}

type timerLog struct {
	mu       sync.Mutex
	last     time.Duration
	warnings map[domain.Warning][]time.Duration
	clears   int
	expired  int
	done     chan struct{}
}

func newTimerLog() *timerLog {
	return &timerLog{warnings: map[domain.Warning][]time.Duration{}, done: make(chan struct{})}
}

func (l *timerLog) hooks() TimerHooks {
	return TimerHooks{
		OnTick: func(r time.Duration) {
			l.mu.Lock()
			l.last = r
			l.mu.Unlock()
		},
		OnWarning: func(w domain.Warning) {
			l.mu.Lock()
			defer l.mu.Unlock()
			if w == domain.WarningNone {
				l.clears++
				return
			}
			l.warnings[w] = append(l.warnings[w], l.last)
		},
		OnExpired: func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.expired++
			if l.expired == 1 {
				close(l.done)
			}
		},
	}
}

// Fifteen minutes at a millisecond per second: warnings at minute 10 and
// minute 14, expiry at minute 15.
func TestTimer_FifteenMinuteSession(t *testing.T) {
	l := newTimerLog()
	tm := NewTimer(l.hooks(), WithTick(time.Millisecond))

	if !tm.Start(15 * time.Minute) {
		t.Fatal("first Start must start the timer")
	}
	if tm.Start(15 * time.Minute) {
		t.Fatal("second Start must be a no-op")
	}

	select {
	case <-l.done:
	case <-time.After(10 * time.Second):
		t.Fatal("timer did not expire")
	}
	time.Sleep(20 * time.Millisecond)
	tm.Stop()

	l.mu.Lock()
	defer l.mu.Unlock()
	if got := l.warnings[domain.WarningFiveMin]; len(got) != 1 || got[0] != 5*time.Minute {
		t.Errorf("5min warnings at %v", got)
	}
	if got := l.warnings[domain.WarningOneMin]; len(got) != 1 || got[0] != time.Minute {
		t.Errorf("1min warnings at %v", got)
	}
	if l.clears != 2 {
		t.Errorf("clears = %d, want 2", l.clears)
	}
	if l.expired != 1 {
		t.Errorf("expired = %d, want 1", l.expired)
	}
}

func TestTimer_StopPreventsExpiry(t *testing.T) {
	l := newTimerLog()
	tm := NewTimer(l.hooks(), WithTick(5*time.Millisecond))
	tm.Start(time.Hour)
	tm.Stop()
	tm.Stop()

	time.Sleep(30 * time.Millisecond)
	if tm.Start(time.Second) {
		t.Error("Start after Stop must be a no-op")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.expired != 0 {
		t.Error("stopped timer expired")
	}
}

func TestTimer_ZeroExpiresImmediately(t *testing.T) {
	l := newTimerLog()
	tm := NewTimer(l.hooks(), WithTick(time.Millisecond))
	tm.Start(0)
	select {
	case <-l.done:
	case <-time.After(time.Second):
		t.Fatal("zero-length session did not expire")
	}
}
