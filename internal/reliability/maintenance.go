package reliability

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/meridianhq/advisor/internal/clientdata"
	"github.com/meridianhq/advisor/internal/database"
	"github.com/meridianhq/advisor/internal/modules/sessions"
)

const (
	// staleSessionAge is how long an idle session stays active before
	// the hourly sweep completes it.
	staleSessionAge = 24 * time.Hour

	backupRetentionDays = 30
)

// Maintenance owns the recurring housekeeping jobs: nightly integrity
// checks and WAL checkpoints, the daily offsite backup, and hourly
// sweeps of stale sessions and expired price history.
type Maintenance struct {
	databases map[string]*database.DB
	backup    *BackupService
	sessions  *sessions.Repository
	cache     *clientdata.Cache
	cron      *cron.Cron
	log       zerolog.Logger
}

// NewMaintenance wires the scheduler. backup, sessions and cache may be
// nil; the corresponding jobs become no-ops.
func NewMaintenance(
	databases map[string]*database.DB,
	backup *BackupService,
	sessionRepo *sessions.Repository,
	cache *clientdata.Cache,
	log zerolog.Logger,
) *Maintenance {
	return &Maintenance{
		databases: databases,
		backup:    backup,
		sessions:  sessionRepo,
		cache:     cache,
		cron:      cron.New(),
		log:       log.With().Str("service", "maintenance").Logger(),
	}
}

// Start registers the jobs and starts the cron loop.
func (m *Maintenance) Start() error {
	if _, err := m.cron.AddFunc("0 2 * * *", m.NightlyMaintenance); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc("0 3 * * *", m.RunBackup); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc("@hourly", m.HourlySweep); err != nil {
		return err
	}
	m.cron.Start()
	m.log.Info().Msg("maintenance scheduler started")
	return nil
}

// Stop halts the cron loop and waits for running jobs to finish.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.log.Info().Msg("maintenance scheduler stopped")
}

// NightlyMaintenance verifies and checkpoints every database.
func (m *Maintenance) NightlyMaintenance() {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	for name, db := range m.databases {
		if err := db.QuickCheck(ctx); err != nil {
			m.log.Error().Err(err).Str("database", name).Msg("integrity check failed")
			continue
		}
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			m.log.Warn().Err(err).Str("database", name).Msg("WAL checkpoint failed")
		}
	}
	m.log.Info().Dur("duration", time.Since(start)).Msg("nightly maintenance completed")
}

// RunBackup uploads the daily archive and rotates old ones.
func (m *Maintenance) RunBackup() {
	if m.backup == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if err := m.backup.CreateAndUploadBackup(ctx); err != nil {
		m.log.Error().Err(err).Msg("backup failed")
		return
	}
	if err := m.backup.RotateOldBackups(ctx, backupRetentionDays); err != nil {
		m.log.Warn().Err(err).Msg("backup rotation failed")
	}
}

// HourlySweep completes idle sessions and trims expired price history.
func (m *Maintenance) HourlySweep() {
	now := time.Now().UTC()
	if m.sessions != nil {
		swept, err := m.sessions.SweepStale(now.Add(-staleSessionAge))
		if err != nil {
			m.log.Warn().Err(err).Msg("session sweep failed")
		} else if swept > 0 {
			m.log.Info().Int("sessions", swept).Msg("stale sessions completed")
		}
	}
	if m.cache != nil {
		deleted, err := m.cache.DeleteOlderThan(now.Add(-clientdata.RetentionWindow))
		if err != nil {
			m.log.Warn().Err(err).Msg("price history cleanup failed")
		} else if deleted > 0 {
			m.log.Debug().Int64("rows", deleted).Msg("expired price history removed")
		}
	}
}
