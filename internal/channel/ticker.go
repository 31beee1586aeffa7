package channel

import (
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultInterval — период шага в автономном режиме
const DefaultInterval = 100 * time.Millisecond

// Ticker — источник тиков автономного режима. В канале не больше одного
// ожидающего тика: если потребитель медленный, лишние тики теряются.
type Ticker struct {
	t        *clock.Ticker
	interval time.Duration
}

// NewTicker запускает тикер на clk (nil — системные часы)
func NewTicker(clk clock.Clock, interval time.Duration) *Ticker {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Ticker{t: clk.Ticker(interval), interval: interval}
}

// C возвращает канал тиков
func (t *Ticker) C() <-chan time.Time {
	return t.t.C
}

// Interval возвращает период
func (t *Ticker) Interval() time.Duration {
	return t.interval
}

// Stop останавливает тикер
func (t *Ticker) Stop() {
	t.t.Stop()
}
