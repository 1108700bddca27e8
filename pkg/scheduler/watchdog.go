package scheduler

import (
	"sync"
	"time"
)

// StallHandler reacts to a board that made no observable progress for the
// configured stall window. The corrective action is the embedding
// application's call: abort, alert a human, or nudge the agent.
type StallHandler func(workflowID string, idle time.Duration)

// watchdog fires once per stall episode: after firing it stays quiet
// until progress resumes and the board stalls again.
type watchdog struct {
	timeout time.Duration
	last    func() time.Time
	onStall func(idle time.Duration)

	done sync.Once
	quit chan struct{}
	wg   sync.WaitGroup
}

func newWatchdog(timeout time.Duration, last func() time.Time, onStall func(time.Duration)) *watchdog {
	return &watchdog{
		timeout: timeout,
		last:    last,
		onStall: onStall,
		quit:    make(chan struct{}),
	}
}

// start spawns the ticker loop. A zero timeout disables the watchdog.
func (w *watchdog) start() {
	if w.timeout <= 0 {
		return
	}
	interval := w.timeout / 4
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		fired := false
		for {
			select {
			case <-w.quit:
				return
			case <-ticker.C:
				idle := time.Since(w.last())
				if idle < w.timeout {
					fired = false
					continue
				}
				if !fired {
					fired = true
					w.onStall(idle)
				}
			}
		}
	}()
}

// stop halts the ticker loop and waits for it to exit.
func (w *watchdog) stop() {
	w.done.Do(func() { close(w.quit) })
	w.wg.Wait()
}
