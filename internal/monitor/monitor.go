// Package monitor periodically writes the sync loop status to a file.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/OCAP2/locsync/internal/syncloop"
)

// StatsSource reports the sync loop counters.
type StatsSource interface {
	Stats() syncloop.Stats
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Loop       StatsSource
	Logger     *slog.Logger
	StatusFile string
	Interval   time.Duration
	// GroupID and Sinks are reported alongside the loop counters
	GroupID string
	Sinks   []string
}

// Status is the document written to the status file.
type Status struct {
	Time    time.Time      `json:"time"`
	GroupID string         `json:"groupId"`
	Sinks   []string       `json:"sinks"`
	Loop    syncloop.Stats `json:"loop"`
}

// Service manages status monitoring
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
	done      chan struct{}
	now       func() time.Time
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Interval <= 0 {
		deps.Interval = 30 * time.Second
	}
	return &Service{
		deps:     deps,
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// GetProgramStatus returns the current status.
func (s *Service) GetProgramStatus() Status {
	return Status{
		Time:    s.now().UTC(),
		GroupID: s.deps.GroupID,
		Sinks:   s.deps.Sinks,
		Loop:    s.deps.Loop.Stats(),
	}
}

// WriteStatus replaces the status file content with the current status.
func (s *Service) WriteStatus() error {
	if s.deps.StatusFile == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.GetProgramStatus(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}
	tmp := s.deps.StatusFile + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}
	return os.Rename(tmp, s.deps.StatusFile)
}

// Start starts the status monitor goroutine
func (s *Service) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stopChan, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)

		logger := s.deps.Logger
		logger.Debug("Starting status monitor goroutine", "statusFile", s.deps.StatusFile, "interval", s.deps.Interval)

		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				st := s.GetProgramStatus()
				logger.Debug("sync status",
					"state", st.Loop.State,
					"ticks", st.Loop.Ticks,
					"skipped", st.Loop.SkippedTicks,
					"fetchErrors", st.Loop.FetchErrors,
					"renderErrors", st.Loop.RenderErrors,
					"markers", st.Loop.Markers)
				if err := s.WriteStatus(); err != nil {
					logger.Error("Error writing status file", "error", err)
				}
			}
		}
	}()

	return nil
}

// Stop stops the status monitor and waits for it to exit
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()
	<-done
}

// Run starts the monitor and stops it when ctx is done. A final status is
// written on the way out.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return s.WriteStatus()
}
