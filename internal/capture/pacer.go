package capture

import (
	"context"
	"errors"
	"time"
)

// triggerScript nudges the page with a near-invisible DOM mutation so the
// browser repaints and emits a frame even while the page is visually idle.
// Without it, a fixed wait in a test step shows up as a frozen stretch of
// video far shorter than the elapsed real time.
const triggerScript = `(function() {
	try {
		if (!window.__screenreelTick) {
			window.__screenreelTick = 0;
		}
		window.__screenreelTick++;

		var trigger = document.getElementById('screenreel-frame-trigger');
		if (!trigger) {
			trigger = document.createElement('div');
			trigger.id = 'screenreel-frame-trigger';
			trigger.style.cssText = 'position:absolute;top:-1px;left:-1px;width:1px;height:1px;opacity:0.01;pointer-events:none;';
			document.body.appendChild(trigger);
		}

		trigger.setAttribute('data-tick', window.__screenreelTick);
		trigger.style.transform = 'translateZ(' + (window.__screenreelTick % 2) + 'px)';

		if (window.__screenreelTick % 10 === 0) {
			document.body.offsetHeight;
		}
		return 'ok';
	} catch (e) {
		return 'error: ' + e.message;
	}
})();`

// TriggerEnabled reports whether the synthetic repaint trigger is still
// active (it self-disables after repeated failures).
func (p *Pipeline) TriggerEnabled() bool {
	return p.triggerGate.enabled()
}

// TimedCaptureEnabled reports whether the timed pacing loop is still active.
func (p *Pipeline) TimedCaptureEnabled() bool {
	return p.timerGate.enabled()
}

// paceLoop periodically forces a repaint on the attached target. Both the
// trigger mechanism and the timer itself fall back to natural repaint
// events after repeated failures.
func (p *Pipeline) paceLoop(ctx context.Context) {
	defer p.wg.Done()

	timer := time.NewTimer(p.CurrentInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if !p.timerGate.enabled() {
				p.log.Warn().Msg("timed capture disabled, relying on natural repaints")
				return
			}
			p.tick(ctx)
			timer.Reset(p.CurrentInterval())
		}
	}
}

func (p *Pipeline) tick(ctx context.Context) {
	if !p.triggerGate.enabled() {
		return
	}

	p.connMu.RLock()
	conn := p.conn
	targetID := p.targetID
	p.connMu.RUnlock()
	if conn == nil {
		return
	}

	evalCtx, cancel := context.WithTimeout(ctx, p.cfg.AckTimeout)
	err := conn.Evaluate(evalCtx, triggerScript)
	cancel()
	if err == nil {
		p.triggerGate.recordSuccess()
		p.timerGate.recordSuccess()
		return
	}

	p.log.Warn().Err(err).Str("target", targetID).Msg("repaint trigger failed")
	if errors.Is(err, context.DeadlineExceeded) {
		// The timed path itself is stalling, not just the script.
		if p.timerGate.recordFailure() {
			p.log.Error().Msg("disabling timed capture after repeated stalls")
		}
		return
	}
	if p.triggerGate.recordFailure() {
		p.log.Error().Msg("disabling synthetic repaint triggers after repeated failures")
	}
}

// adjustLoop inspects the rolling performance window and nudges the pacing
// interval: slower when the success rate drops, faster when processing is
// comfortably ahead of the interval. Always bounded to [MinInterval,
// MaxInterval].
func (p *Pipeline) adjustLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.AdjustInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.adjustInterval()
		}
	}
}

func (p *Pipeline) adjustInterval() {
	n, rate, avg := p.window.snapshot()
	if n < 5 {
		return // not enough data yet
	}

	cur := p.CurrentInterval()
	next := cur
	switch {
	case rate < p.cfg.SuccessThreshold:
		next = min(cur+p.cfg.SlowdownStep, p.cfg.MaxInterval)
		p.log.Warn().Float64("successRate", rate*100).Dur("interval", next).
			Msg("poor capture performance, widening interval")
	case rate > p.cfg.FastThreshold && avg < cur/2:
		next = max(cur-p.cfg.SpeedupStep, p.cfg.MinInterval)
	}

	if next != cur {
		p.interval.Store(int64(next))
		p.log.Info().Dur("from", cur).Dur("to", next).Msg("capture interval adjusted")
	}
}
