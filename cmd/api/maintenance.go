package main

import (
	"context"
	"log"
	"time"

	"querymon/services/orchestrator/internal/config"
	"querymon/services/orchestrator/internal/queue"
	"querymon/services/orchestrator/internal/store"
)

func startMaintenanceLoops(ctx context.Context, db *store.Postgres, producer queue.Producer, cfg config.Config) {
	if cfg.AutoCleanupIntervalMinutes > 0 {
		interval := time.Duration(cfg.AutoCleanupIntervalMinutes) * time.Minute
		go runCleanupLoop(ctx, db, interval, cfg.EventRetentionDays)
	}
	if cfg.AnalysisStaleAfterMinutes > 0 {
		staleAfter := time.Duration(cfg.AnalysisStaleAfterMinutes) * time.Minute
		go runStaleDispatchLoop(ctx, db, producer, staleAfter)
	}
}

func runCleanupLoop(ctx context.Context, db *store.Postgres, interval time.Duration, retentionDays int) {
	runCleanupCycle(ctx, db, retentionDays)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCleanupCycle(ctx, db, retentionDays)
		}
	}
}

func runCleanupCycle(ctx context.Context, db *store.Postgres, retentionDays int) {
	cycleCtx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()

	result, err := db.CleanupExpiredEvents(cycleCtx, retentionDays)
	if err != nil {
		log.Printf("auto-cleanup failed: %v", err)
		return
	}

	log.Printf(
		"auto-cleanup completed events=%d reports=%d retentionDays=%d",
		result.DeletedEvents,
		result.DeletedReports,
		result.RetentionDays,
	)
}

// runStaleDispatchLoop watches for analyses that were dispatched but
// never called back. The dispatch marker is released and the trigger
// re-enqueued on behalf of the oldest waiter, so requesters are not
// stuck forever behind a lost webhook call.
func runStaleDispatchLoop(ctx context.Context, db *store.Postgres, producer queue.Producer, staleAfter time.Duration) {
	ticker := time.NewTicker(staleAfter / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runStaleDispatchCycle(ctx, db, producer, staleAfter)
		}
	}
}

func runStaleDispatchCycle(ctx context.Context, db *store.Postgres, producer queue.Producer, staleAfter time.Duration) {
	cycleCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	eventIDs, err := db.StaleDispatchedEventIDs(cycleCtx, time.Now().UTC().Add(-staleAfter))
	if err != nil {
		log.Printf("stale dispatch scan failed: %v", err)
		return
	}

	for _, eventID := range eventIDs {
		waiters, err := db.PendingAnalyzeRequests(cycleCtx, eventID)
		if err != nil {
			log.Printf("stale dispatch waiter lookup failed event=%s err=%v", eventID, err)
			continue
		}
		if len(waiters) == 0 {
			// Nobody is waiting anymore; drop the marker and move on.
			if err := db.ClearDispatch(cycleCtx, eventID); err != nil {
				log.Printf("stale dispatch clear failed event=%s err=%v", eventID, err)
			}
			continue
		}

		if err := db.ClearDispatch(cycleCtx, eventID); err != nil {
			log.Printf("stale dispatch clear failed event=%s err=%v", eventID, err)
			continue
		}

		oldest := waiters[0]
		err = producer.EnqueueAnalysisTrigger(cycleCtx, queue.AnalysisTriggerJob{
			EventID:        eventID,
			SlackUserID:    oldest.SlackUserID,
			SlackChannelID: oldest.SlackChannelID,
			SlackMessageTs: oldest.SlackMessageTs,
		})
		if err != nil {
			log.Printf("stale dispatch requeue failed event=%s err=%v", eventID, err)
			continue
		}
		log.Printf("stale analysis re-triggered event=%s waiters=%d", eventID, len(waiters))
	}
}
