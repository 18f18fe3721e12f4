// Package retention purges expired data per organization tier.
//
// Retention windows:
//   - free:       90 days of conversations, 30 days of audit events
//   - pro:        365 days of conversations, 90 days of audit events
//   - enterprise: conversations kept, 400 days of audit events
//
// The janitor runs as a background goroutine and respects context
// cancellation for graceful shutdown. A failing cycle is logged and retried
// on the next tick; it never takes the server down.
package retention

import (
	"context"
	"time"

	"github.com/threatdesk/threatdesk/internal/store"
	"github.com/threatdesk/threatdesk/pkg/models"

	"github.com/rs/zerolog/log"
)

// window holds per-tier retention cutoffs in days. Zero means keep forever.
type window struct {
	conversationDays int
	auditDays        int
}

var tierWindows = map[models.OrgTier]window{
	models.OrgTierFree:       {conversationDays: 90, auditDays: 30},
	models.OrgTierPro:        {conversationDays: 365, auditDays: 90},
	models.OrgTierEnterprise: {conversationDays: 0, auditDays: 400},
}

// Janitor periodically purges expired conversations and audit events.
type Janitor struct {
	store    store.Store
	interval time.Duration
}

// NewJanitor creates a retention janitor that runs on the given interval.
func NewJanitor(s store.Store, interval time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	return &Janitor{store: s, interval: interval}
}

// Start launches the background loop and returns immediately. The loop stops
// when ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		log.Info().Dur("interval", j.interval).Msg("Retention janitor started")
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("Retention janitor stopped")
				return
			case <-ticker.C:
				j.RunCycle(ctx)
			}
		}
	}()
}

// RunCycle sweeps every organization once. Exported for tests and for
// operational one-shot runs.
func (j *Janitor) RunCycle(ctx context.Context) {
	orgs, err := j.store.ListOrganizations(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Retention cycle: listing organizations failed")
		return
	}

	now := time.Now().UTC()
	for _, org := range orgs {
		w, ok := tierWindows[org.Tier]
		if !ok {
			w = tierWindows[models.OrgTierFree]
		}

		if w.conversationDays > 0 {
			cutoff := now.AddDate(0, 0, -w.conversationDays)
			purged, err := j.store.PurgeConversations(ctx, org.ID, cutoff)
			if err != nil {
				log.Error().Err(err).Str("org", org.ID).Msg("Retention cycle: conversation purge failed")
			} else if purged > 0 {
				log.Info().Str("org", org.ID).Int("purged", purged).Msg("Expired conversations purged")
			}
		}

		if w.auditDays > 0 {
			cutoff := now.AddDate(0, 0, -w.auditDays)
			purged, err := j.store.PurgeAuditEvents(ctx, org.ID, cutoff)
			if err != nil {
				log.Error().Err(err).Str("org", org.ID).Msg("Retention cycle: audit purge failed")
			} else if purged > 0 {
				log.Info().Str("org", org.ID).Int("purged", purged).Msg("Expired audit events purged")
			}
		}
	}
}
