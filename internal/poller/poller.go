package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rickgao/ibkr-data/internal/model"
	"github.com/rickgao/ibkr-data/internal/orchestrator"
)

// ErrBusy is returned by RunOnce while another cycle is running.
var ErrBusy = errors.New("sync cycle already running")

// Runner runs one sync cycle. *orchestrator.Orchestrator implements it.
type Runner interface {
	SyncAll(ctx context.Context, plan orchestrator.Plan) ([]*orchestrator.Result, error)
}

// Config holds poller configuration.
type Config struct {
	Schedule   string            // Cron spec (default: "@every 15m")
	Timeout    time.Duration     // Per-cycle timeout, 0 for none (default: 10m)
	RunOnStart bool              // Run a cycle immediately on Start
	Plan       orchestrator.Plan // What each cycle syncs
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Schedule:   "@every 15m",
		Timeout:    10 * time.Minute,
		RunOnStart: true,
	}
}

// Status describes the poller's recent activity.
type Status struct {
	Running    bool
	Cycles     int // Completed cycles
	Skipped    int // Ticks dropped because a cycle was still running
	LastStart  time.Time
	LastEnd    time.Time
	LastRuns   int
	LastFailed int
	LastError  string
	Next       time.Time // Next scheduled cycle, zero before Start
}

// Poller runs sync cycles on a cron schedule. Cycles never overlap: a tick
// that fires while a cycle is running is skipped.
type Poller struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
	cron   *cron.Cron

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	entry   cron.EntryID
	running atomic.Bool

	mu     sync.Mutex
	status Status
}

// New creates a new Poller.
func New(cfg Config, runner Runner, logger *slog.Logger) (*Poller, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultConfig().Schedule
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", cfg.Schedule, err)
	}
	return &Poller{
		cfg:    cfg,
		runner: runner,
		logger: logger,
		cron:   cron.New(),
	}, nil
}

// Start schedules the cycles.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	entry, err := p.cron.AddFunc(p.cfg.Schedule, p.tick)
	if err != nil {
		p.cancel()
		return fmt.Errorf("schedule sync: %w", err)
	}
	p.entry = entry
	p.cron.Start()

	if p.cfg.RunOnStart {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.tick()
		}()
	}

	p.logger.Info("sync poller started",
		"schedule", p.cfg.Schedule,
		"timeout", p.cfg.Timeout,
	)
	return nil
}

// Stop cancels a running cycle and waits for it to return.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	cronDone := p.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("sync poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) tick() {
	if _, err := p.RunOnce(p.ctx); errors.Is(err, ErrBusy) {
		p.mu.Lock()
		p.status.Skipped++
		p.mu.Unlock()
		p.logger.Warn("previous sync cycle still running, skipping")
	}
}

// RunOnce runs one cycle now, unless one is already running.
func (p *Poller) RunOnce(ctx context.Context) ([]*orchestrator.Result, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer p.running.Store(false)

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	p.mu.Lock()
	p.status.LastStart = start
	p.mu.Unlock()

	results, err := p.runner.SyncAll(ctx, p.cfg.Plan)

	failed := 0
	for _, r := range results {
		if r.Status() == model.RunFailed {
			failed++
		}
	}
	p.mu.Lock()
	p.status.Cycles++
	p.status.LastEnd = time.Now()
	p.status.LastRuns = len(results)
	p.status.LastFailed = failed
	p.status.LastError = ""
	if err != nil {
		p.status.LastError = err.Error()
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("sync cycle finished with failures",
			"runs", len(results),
			"failed", failed,
			"duration", time.Since(start),
			"err", err,
		)
	}
	return results, err
}

// Status returns a snapshot of the poller's activity.
func (p *Poller) Status() Status {
	p.mu.Lock()
	s := p.status
	p.mu.Unlock()
	s.Running = p.running.Load()
	if p.entry != 0 {
		s.Next = p.cron.Entry(p.entry).Next
	}
	return s
}
