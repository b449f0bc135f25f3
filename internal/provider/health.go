package provider

import (
	"time"
)

// health tracks consecutive failures of one source. Once failures reach the
// trip threshold the source is disabled for an exponentially growing cooldown;
// a success closes it again.
type health struct {
	fails         int
	lastSuccessAt time.Time
	lastFailureAt time.Time
	disabledUntil time.Time
}

type healthCfg struct {
	trip      int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func (h *health) open(now time.Time) bool {
	return !h.disabledUntil.IsZero() && now.Before(h.disabledUntil)
}

// record updates the state and reports whether this failure tripped the source.
func (h *health) record(now time.Time, cfg healthCfg, err error) (tripped bool) {
	if err == nil {
		h.fails = 0
		h.disabledUntil = time.Time{}
		h.lastSuccessAt = now
		return false
	}
	h.fails++
	h.lastFailureAt = now
	if cfg.trip <= 0 || h.fails < cfg.trip {
		return false
	}
	d := cfg.baseDelay
	for i := 0; i < h.fails-cfg.trip; i++ {
		d *= 2
		if d >= cfg.maxDelay {
			break
		}
	}
	d = min(d, cfg.maxDelay)
	h.disabledUntil = now.Add(d)
	return true
}
