package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/velomart/storefront/backend/internal/metrics"
	"github.com/velomart/storefront/backend/internal/repository"
)

// CleanupConfig holds configuration for the session cleanup job
type CleanupConfig struct {
	Interval         time.Duration // Interval between cleanup runs (default: 1 hour)
	SweepInterval    time.Duration // Interval between revocation sweeps (default: 1 minute)
	RevokedRetention time.Duration // How long revoked sessions are kept (default: 24 hours)
	FailureRetention time.Duration // How long failed login attempts are kept (default: 24 hours)
	Enabled          bool
}

// DefaultCleanupConfig returns default configuration
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:         time.Hour,
		SweepInterval:    time.Minute,
		RevokedRetention: 24 * time.Hour,
		FailureRetention: 24 * time.Hour,
		Enabled:          true,
	}
}

// CleanupResult holds the result of a cleanup run
type CleanupResult struct {
	StartTime       time.Time
	EndTime         time.Time
	SessionsDeleted int64
	SessionsSwept   int64
	OTPsDeleted     int64
	FailuresDeleted int64
	Errors          []string
}

// CleanupJob periodically deletes dead auth state: sessions past expiry,
// revoked sessions past retention, expired OTP challenges and stale
// failed-login counters. A faster sweep loop promotes sessions whose
// delayed-revocation deadline has passed, which covers timers lost to a
// process restart.
type CleanupJob struct {
	sessionRepo repository.SessionRepository
	otpRepo     repository.OTPRepository
	config      CleanupConfig
	logger      *slog.Logger
	stopChan    chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
	lastRun     time.Time
	lastResult  *CleanupResult
}

// NewCleanupJob creates a new cleanup job
func NewCleanupJob(
	sessionRepo repository.SessionRepository,
	otpRepo repository.OTPRepository,
	config CleanupConfig,
	logger *slog.Logger,
) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Minute
	}
	if config.RevokedRetention <= 0 {
		config.RevokedRetention = 24 * time.Hour
	}
	if config.FailureRetention <= 0 {
		config.FailureRetention = 24 * time.Hour
	}
	return &CleanupJob{
		sessionRepo: sessionRepo,
		otpRepo:     otpRepo,
		config:      config,
		logger:      logger,
		stopChan:    make(chan struct{}),
	}
}

// Start begins the periodic cleanup and sweep loops
func (j *CleanupJob) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return fmt.Errorf("cleanup job is already running")
	}

	if !j.config.Enabled {
		j.logger.Info("session cleanup job is disabled")
		return nil
	}

	j.running = true
	j.stopChan = make(chan struct{})
	j.wg.Add(2)

	go j.runCleanupLoop()
	go j.runSweepLoop()

	j.logger.Info("session cleanup job started",
		"interval", j.config.Interval,
		"sweep_interval", j.config.SweepInterval,
		"revoked_retention", j.config.RevokedRetention)
	return nil
}

// Stop stops the cleanup job and waits for in-flight runs
func (j *CleanupJob) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	close(j.stopChan)
	j.mu.Unlock()

	j.wg.Wait()
	j.logger.Info("session cleanup job stopped")
}

// IsRunning returns whether the cleanup job is running
func (j *CleanupJob) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// GetLastResult returns the result of the last cleanup run
func (j *CleanupJob) GetLastResult() *CleanupResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastResult
}

func (j *CleanupJob) runCleanupLoop() {
	defer j.wg.Done()

	// Run immediately on start
	j.runCleanup()

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.runCleanup()
		case <-j.stopChan:
			return
		}
	}
}

// runSweepLoop promotes sessions whose revoke_after deadline has passed.
// It runs more often than the full cleanup so rotated-out tokens die on
// time even when the in-process timer was lost.
func (j *CleanupJob) runSweepLoop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			swept, err := j.sessionRepo.SweepDueRevocations(ctx, time.Now().UTC())
			cancel()
			if err != nil {
				j.logger.Warn("revocation sweep failed", "error", err)
				continue
			}
			if swept > 0 {
				metrics.SessionsRevokedTotal.WithLabelValues("sweep").Add(float64(swept))
				j.logger.Debug("revocation sweep completed", "swept", swept)
			}
		case <-j.stopChan:
			return
		}
	}
}

func (j *CleanupJob) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := j.RunNow(ctx)
	if err != nil {
		j.logger.Error("cleanup run failed", "error", err)
		return
	}

	j.logger.Info("cleanup run completed",
		"sessions_deleted", result.SessionsDeleted,
		"sessions_swept", result.SessionsSwept,
		"otps_deleted", result.OTPsDeleted,
		"failures_deleted", result.FailuresDeleted,
		"errors", len(result.Errors),
		"duration", result.EndTime.Sub(result.StartTime))
}

// RunNow triggers an immediate cleanup run. Each stage records its own
// error and the run keeps going; a failing stage never blocks the others.
func (j *CleanupJob) RunNow(ctx context.Context) (*CleanupResult, error) {
	now := time.Now().UTC()
	result := &CleanupResult{StartTime: now}

	swept, err := j.sessionRepo.SweepDueRevocations(ctx, now)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("revocation sweep: %v", err))
	}
	result.SessionsSwept = swept
	if swept > 0 {
		metrics.SessionsRevokedTotal.WithLabelValues("sweep").Add(float64(swept))
	}

	deleted, err := j.sessionRepo.CleanupExpired(ctx, now, now.Add(-j.config.RevokedRetention))
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("session cleanup: %v", err))
	}
	result.SessionsDeleted = deleted
	if deleted > 0 {
		metrics.RecordSessionsCleaned(deleted)
	}

	otps, err := j.otpRepo.CleanupExpired(ctx, now)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("otp cleanup: %v", err))
	}
	result.OTPsDeleted = otps

	failures, err := j.sessionRepo.CleanupOldFailedAttempts(ctx, now.Add(-j.config.FailureRetention))
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("failed-attempt cleanup: %v", err))
	}
	result.FailuresDeleted = failures

	result.EndTime = time.Now().UTC()

	j.mu.Lock()
	j.lastRun = result.StartTime
	j.lastResult = result
	j.mu.Unlock()

	return result, nil
}
