package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sukesh-kandasamy/sense/internal/domain"
)

const (
	fiveMinutes = 300
	oneMinute   = 60
	// ticks a warning stays visible
	defaultWarningTicks = 5
)

// TimerHooks receive timer events on the timer goroutine, in order.
type TimerHooks struct {
	OnTick    func(remaining time.Duration)
	OnWarning func(w domain.Warning) // WarningNone clears the current warning
	OnExpired func()
}

// countdown is the timer's arithmetic, one step per second.
type countdown struct {
	total        int
	remaining    int
	warningTicks int

	warned5, warned1 bool
	shown            domain.Warning
	shownAt          int
	expired          bool
}

type countdownStep struct {
	remaining int
	cleared   bool
	warning   domain.Warning
	expired   bool
}

func newCountdown(totalSeconds, warningTicks int) *countdown {
	return &countdown{total: totalSeconds, remaining: totalSeconds, warningTicks: warningTicks}
}

func (c *countdown) step() countdownStep {
	if c.expired {
		return countdownStep{}
	}
	c.remaining--
	s := countdownStep{remaining: c.remaining}

	if c.shown != domain.WarningNone && c.shownAt-c.remaining >= c.warningTicks {
		c.shown = domain.WarningNone
		s.cleared = true
	}

	switch {
	case c.remaining <= 0:
	case c.total > oneMinute && !c.warned1 && c.remaining <= oneMinute:
		c.warned1 = true
		s.warning = domain.WarningOneMin
	case c.total > fiveMinutes && !c.warned5 && c.remaining <= fiveMinutes:
		c.warned5 = true
		s.warning = domain.WarningFiveMin
	}
	if s.warning != domain.WarningNone {
		c.shown = s.warning
		c.shownAt = c.remaining
		s.cleared = false
	}

	if c.remaining <= 0 {
		c.expired = true
		s.expired = true
	}
	return s
}

// TimerOption configures a Timer.
type TimerOption func(*Timer)

// WithTick sets the wall-clock length of one timer second.
func WithTick(d time.Duration) TimerOption {
	return func(t *Timer) {
		if d > 0 {
			t.tick = d
		}
	}
}

// Timer counts a session down, warning at five and one minute left and
// firing OnExpired once at zero.
type Timer struct {
	tick         time.Duration
	warningTicks int
	hooks        TimerHooks

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
}

func NewTimer(hooks TimerHooks, opts ...TimerOption) *Timer {
	t := &Timer{
		tick:         time.Second,
		warningTicks: defaultWarningTicks,
		hooks:        hooks,
		stop:         make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Start begins the countdown from total. Only the first call has an
// effect; it reports whether this call started the timer.
func (t *Timer) Start(total time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.stopped {
		return false
	}
	t.started = true

	secs := int(total / time.Second)
	log.Info().Str("module", "timer").Int("seconds", secs).Msg("session timer started")
	go t.run(newCountdown(secs, t.warningTicks))
	return true
}

// Started reports whether Start has taken effect.
func (t *Timer) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// Stop ends the countdown. Hooks may still see at most the event in flight.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	close(t.stop)
}

func (t *Timer) run(c *countdown) {
	if c.remaining <= 0 {
		t.expire()
		return
	}

	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}

		s := c.step()
		if t.hooks.OnTick != nil {
			t.hooks.OnTick(time.Duration(s.remaining) * time.Second)
		}
		if t.hooks.OnWarning != nil {
			if s.cleared {
				t.hooks.OnWarning(domain.WarningNone)
			}
			if s.warning != domain.WarningNone {
				log.Info().Str("module", "timer").Str("warning", string(s.warning)).Msg("time warning")
				t.hooks.OnWarning(s.warning)
			}
		}
		if s.expired {
			t.expire()
			return
		}
	}
}

func (t *Timer) expire() {
	log.Info().Str("module", "timer").Msg("session time expired")
	if t.hooks.OnExpired != nil {
		t.hooks.OnExpired()
	}
}
