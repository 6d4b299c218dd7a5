package taskrun

import (
	"context"
	"os"
	"syscall"
	"time"
)

const livenessPollInterval = 2 * time.Second

// startLivenessMonitor implements the suicide pact: if a parent process id
// was configured, poll it every 2s and, the moment it's gone, force-clean
// every sandbox and exit the process with code 0 — a missing parent means
// whatever spawned this engine is no longer around to want its containers
// either. If no parent id was configured the feature is disabled, logged
// once rather than silently skipped.
func (r *Runtime) startLivenessMonitor(ctx context.Context) func() {
	if r.cfg.HostPID == 0 {
		r.logger.Warn("liveness monitor disabled: no parent process id configured")
		return func() {}
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(livenessPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if !processAlive(r.cfg.HostPID) {
					r.logger.Warn("parent process gone, cleaning up and exiting", "parent_pid", r.cfg.HostPID)
					r.registry.CleanupAll(context.Background(), asLister(r.engine), containerNamePrefix)
					os.Exit(0)
				}
			}
		}
	}()
	return func() { close(stop) }
}

// processAlive reports whether pid still exists, using the conventional
// unix liveness probe: sending signal 0 performs permission and existence
// checks without actually delivering a signal.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
