package kernel

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/webbrain/internal/compaction"
)

// StartIdleSweep runs the background compaction sweep: on every tick of the
// configured cron expression, sessions that have sat idle past the window
// while over the token threshold are compacted with reason=manual, outside
// any interactive run loop. Returns immediately when no cron is configured.
func (k *Kernel) StartIdleSweep(ctx context.Context) {
	snap := k.cfg.Snapshot()
	expr := snap.Compaction.IdleSweepCron
	if expr == "" {
		return
	}
	if !gronx.New().IsValid(expr) {
		k.log.Warn("idle sweep disabled: invalid cron expression", "cron", expr)
		return
	}

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		g := gronx.New()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				due, err := g.IsDue(expr, now)
				if err != nil || !due {
					continue
				}
				k.sweepIdleSessions(ctx)
			}
		}
	}()
}

func (k *Kernel) sweepIdleSessions(ctx context.Context) {
	snap := k.cfg.Snapshot()
	window := time.Duration(snap.Compaction.IdleWindowMin) * time.Minute
	if window <= 0 {
		window = 30 * time.Minute
	}

	sessions, err := k.store.ListSessions()
	if err != nil {
		k.log.Warn("idle sweep list failed", "error", err)
		return
	}

	for _, s := range sessions {
		if time.Since(s.UpdatedAt) < window {
			continue
		}
		st := k.states.get(s.ID)
		st.mu.Lock()
		busy := st.running
		st.mu.Unlock()
		if busy {
			continue
		}

		entries, err := k.store.GetEntries(s.ID)
		if err != nil {
			continue
		}
		live := entriesSinceLastCompaction(entries)
		measured := k.estimatorFor(s.ID).Estimate(live)
		verdict := compaction.ShouldCompact(compaction.ShouldCompactInput{
			MeasuredTokens:  measured,
			ThresholdTokens: snap.Compaction.ThresholdTokens,
			Manual:          false,
		})
		if !verdict.ShouldCompact {
			continue
		}
		k.log.Info("idle sweep compacting session", "session", s.ID, "tokens", measured)
		k.compactSession(ctx, s.ID, compaction.ReasonManual)
	}
}
