package handlers

import "time"

// KeepAliveTicker wraps a time.Ticker that may be disabled. A zero interval
// yields a nil channel, which blocks forever in a select.
type KeepAliveTicker struct {
	ticker *time.Ticker
}

func NewKeepAliveTicker(interval time.Duration) *KeepAliveTicker {
	if interval <= 0 {
		return &KeepAliveTicker{}
	}
	return &KeepAliveTicker{ticker: time.NewTicker(interval)}
}

func (t *KeepAliveTicker) C() <-chan time.Time {
	if t.ticker == nil {
		return nil
	}
	return t.ticker.C
}

func (t *KeepAliveTicker) Stop() {
	if t.ticker != nil {
		t.ticker.Stop()
	}
}
