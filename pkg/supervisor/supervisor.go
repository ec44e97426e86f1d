// Package supervisor runs long-lived subprocesses (in "pg_autoctl
// run", the self-exec'd "do service postgres" child) under a single
// parent, the way
// pg_autoctl's own "run" command does: one pidfile, one signal
// handler, independent per-service restart policies.
//
// The restart loop borrows the worker's goroutine-plus-stopCh shape
// from the retrieved pack (pkg/worker.heartbeatLoop) but replaces the
// bare ticker with cenkalti/backoff/v4 so a service that keeps
// crashing backs off instead of spinning, and trips a restart budget
// that turns into a fatal shutdown of the whole supervisor rather
// than restarting forever.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/pgautofailover/pkg/log"
	"github.com/cuemby/pgautofailover/pkg/metrics"
)

// RestartPolicy governs whether a service is relaunched after its
// NewCmd process exits.
type RestartPolicy int

const (
	// Permanent services always restart, whether the exit was clean
	// or not. "pg_autoctl run" uses it for its postgres service, which
	// is expected to run for the lifetime of the command.
	Permanent RestartPolicy = iota
	// Transient services restart only on a non-zero exit code.
	Transient
	// Temporary services never restart, whatever their exit code.
	Temporary
)

// Service is one subprocess under supervision. NewCmd is called each
// time the service is (re)started, so its *exec.Cmd is single-use per
// the os/exec contract.
type Service struct {
	Name          string
	RestartPolicy RestartPolicy
	NewCmd        func(ctx context.Context) (*exec.Cmd, error)
}

// Restart-budget defaults: restarts are counted in a window that
// starts over once restartWindow has passed since it began; exceeding
// maxRestarts within the window gives up and shuts down the whole
// tree. Between restarts the supervisor sleeps for the next interval
// of a backoff/v4 ExponentialBackOff starting at restartBaseDelay and
// capped at restartMaxDelay (the library's default multiplier of 1.5
// and ±50% randomization apply).
const (
	maxRestarts      = 5
	restartWindow    = 60 * time.Second
	restartBaseDelay = 1 * time.Second
	restartMaxDelay  = 60 * time.Second
)

// Grace periods for smart shutdown: how long a child is given to
// exit after SIGTERM before being sent SIGQUIT, and again before
// SIGKILL.
const (
	termGracePeriod = 10 * time.Second
	quitGracePeriod = 5 * time.Second
)

// ErrRestartBudgetExceeded is returned from Run when a service has
// crashed too many times within restartWindow.
var ErrRestartBudgetExceeded = errors.New("supervisor: restart budget exceeded")

// Supervisor runs a fixed set of services to completion, restarting
// crashed ones per their RestartPolicy, and reacts to process signals:
// SIGHUP puts one coalesced notification on the channel Reload
// returns (children are not signalled), SIGTERM begins smart shutdown
// (stop children in reverse start order with a grace period before
// escalating through SIGQUIT to SIGKILL), SIGINT begins fast shutdown
// (skip the first grace period and go straight to SIGQUIT), and
// SIGQUIT received while no shutdown is running SIGKILLs every child
// and makes Run return at once. Run stops reading signals once a smart
// or fast shutdown has begun, so a SIGQUIT that arrives during one
// does not cut it short.
type Supervisor struct {
	services    []Service
	pidfilePath string

	mu    sync.Mutex
	procs map[string]*os.Process

	reloadCh chan struct{}

	metrics *metrics.Registry
}

// SetMetrics attaches a metrics registry; nil (the default) leaves
// SupervisorRestarts unrecorded.
func (s *Supervisor) SetMetrics(m *metrics.Registry) { s.metrics = m }

// New builds a Supervisor for the given services, writing its pidfile
// to pidfilePath once Run starts.
func New(services []Service, pidfilePath string) *Supervisor {
	return &Supervisor{
		services:    services,
		pidfilePath: pidfilePath,
		procs:       make(map[string]*os.Process),
		reloadCh:    make(chan struct{}, 1),
	}
}

// Run starts every service and blocks until the supervisor receives a
// shutdown signal or a service's restart budget is exhausted. It
// removes the pidfile on the way out.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.writePidfile(); err != nil {
		return fmt.Errorf("supervisor: write pidfile: %w", err)
	}
	defer os.Remove(s.pidfilePath)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(s.services))
	var wg sync.WaitGroup
	for _, svc := range s.services {
		wg.Add(1)
		go func(svc Service) {
			defer wg.Done()
			if err := s.superviseOne(ctx, svc); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("service %s: %w", svc.Name, err)
			}
		}(svc)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	var runErr error
loop:
	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				s.broadcastReload()
			case syscall.SIGTERM:
				log.Logger.Info().Msg("supervisor: SIGTERM received, smart shutdown in reverse start order")
				s.shutdown(smart)
				break loop
			case syscall.SIGINT:
				log.Logger.Info().Msg("supervisor: SIGINT received, fast shutdown")
				s.shutdown(fast)
				break loop
			case syscall.SIGQUIT:
				log.Logger.Warn().Msg("supervisor: SIGQUIT received, killing every service now")
				s.shutdown(immediate)
				cancel()
				return nil
			}
		case err := <-errCh:
			runErr = err
			log.Logger.Error().Err(err).Msg("supervisor: service exhausted its restart budget, shutting down")
			s.shutdown(fast)
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	cancel()
	wg.Wait()
	return runErr
}

// Reload returns the channel on which SIGHUP reload requests are
// delivered, coalesced to at most one pending request.
func (s *Supervisor) Reload() <-chan struct{} {
	return s.reloadCh
}

func (s *Supervisor) broadcastReload() {
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

type shutdownMode int

const (
	// smart gives each child termGracePeriod to exit after SIGTERM,
	// then quitGracePeriod after SIGQUIT, before SIGKILL.
	smart shutdownMode = iota
	// fast skips the SIGTERM grace period and starts from SIGQUIT.
	fast
	// immediate sends SIGKILL to every child with no grace period.
	immediate
)

// shutdown signals every running child in reverse start order.
func (s *Supervisor) shutdown(mode shutdownMode) {
	s.mu.Lock()
	procs := make([]*os.Process, 0, len(s.procs))
	for i := len(s.services) - 1; i >= 0; i-- {
		if p, ok := s.procs[s.services[i].Name]; ok {
			procs = append(procs, p)
		}
	}
	s.mu.Unlock()

	switch mode {
	case immediate:
		for _, p := range procs {
			_ = p.Signal(syscall.SIGKILL)
		}
	case fast:
		for _, p := range procs {
			escalate(p, syscall.SIGQUIT, quitGracePeriod)
		}
	case smart:
		for _, p := range procs {
			escalate(p, syscall.SIGTERM, termGracePeriod)
		}
	}
}

// escalate sends sig, waits up to grace for the process to exit, and
// on timeout sends SIGQUIT (if sig was SIGTERM) with a second grace
// period before finally sending SIGKILL.
func escalate(p *os.Process, sig syscall.Signal, grace time.Duration) {
	_ = p.Signal(sig)
	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(grace):
	}

	if sig == syscall.SIGTERM {
		_ = p.Signal(syscall.SIGQUIT)
		select {
		case <-done:
			return
		case <-time.After(quitGracePeriod):
		}
	}

	_ = p.Signal(syscall.SIGKILL)
	<-done
}

// superviseOne owns one service's restart loop: start, wait, and on
// exit, restart per RestartPolicy with backoff until the restart
// budget for this window is exhausted.
func (s *Supervisor) superviseOne(ctx context.Context, svc Service) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = restartBaseDelay
	bo.MaxInterval = restartMaxDelay
	bo.MaxElapsedTime = 0 // the restart counter below bounds total attempts, not elapsed time

	var restarts int
	windowStart := time.Now()

	for {
		cmd, err := svc.NewCmd(ctx)
		if err != nil {
			return fmt.Errorf("build command: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start: %w", err)
		}

		s.mu.Lock()
		s.procs[svc.Name] = cmd.Process
		s.mu.Unlock()
		_ = s.writePidfile()

		log.WithComponent(svc.Name).Info().Int("pid", cmd.Process.Pid).Msg("service started")
		waitErr := cmd.Wait()

		s.mu.Lock()
		delete(s.procs, svc.Name)
		s.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !shouldRestart(svc.RestartPolicy, waitErr) {
			return waitErr
		}

		if time.Since(windowStart) > restartWindow {
			restarts = 0
			windowStart = time.Now()
			bo.Reset()
		}
		restarts++
		if restarts > maxRestarts {
			return fmt.Errorf("%w: %d restarts within %s", ErrRestartBudgetExceeded, restarts, restartWindow)
		}
		if s.metrics != nil {
			s.metrics.SupervisorRestarts.WithLabelValues(svc.Name).Inc()
		}

		delay := bo.NextBackOff()
		log.WithComponent(svc.Name).Warn().
			Err(waitErr).
			Int("restart_count", restarts).
			Dur("backoff", delay).
			Msg("service exited, restarting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func shouldRestart(policy RestartPolicy, exitErr error) bool {
	switch policy {
	case Permanent:
		return true
	case Temporary:
		return false
	case Transient:
		return exitErr != nil
	default:
		return false
	}
}

// writePidfile writes the supervisor's own pid on the first line
// followed by one "name pid" line per currently running service,
// matching pg_autoctl's pidfile format. It uses the same
// temp-file-then-rename discipline as pkg/statestore so a reader never
// observes a half-written file.
func (s *Supervisor) writePidfile() error {
	s.mu.Lock()
	lines := fmt.Sprintf("%d\n", os.Getpid())
	for _, svc := range s.services {
		if p, ok := s.procs[svc.Name]; ok {
			lines += fmt.Sprintf("%s %d\n", svc.Name, p.Pid)
		}
	}
	s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.pidfilePath), 0o700); err != nil {
		return err
	}
	tmp := s.pidfilePath + ".new"
	if err := os.WriteFile(tmp, []byte(lines), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.pidfilePath)
}

// FindServicePID reads a pidfile in the format written by
// writePidfile and returns the pid recorded for name, or 0 if no such
// service is present, used by external `pg_autoctl do service`
// commands.
func FindServicePID(pidfilePath, name string) (int, error) {
	data, err := os.ReadFile(pidfilePath)
	if err != nil {
		return 0, err
	}
	var supervisorPid int
	if _, err := fmt.Sscanf(string(data), "%d\n", &supervisorPid); err != nil {
		return 0, fmt.Errorf("malformed pidfile %s: %w", pidfilePath, err)
	}

	lines := splitLines(string(data))
	for _, line := range lines[1:] {
		var svcName string
		var pid int
		if _, err := fmt.Sscanf(line, "%s %d", &svcName, &pid); err != nil {
			continue
		}
		if svcName == name {
			return pid, nil
		}
	}
	return 0, nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
