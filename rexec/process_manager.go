package rexec

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/objrec/logging"
)

// A ProcessManager is responsible for controlling the lifecycle of processes added to it.
type ProcessManager interface {
	// ProcessIDs returns the IDs of all managed processes.
	ProcessIDs() []string
	// ProcessByID fetches the process by the given ID if it exists.
	ProcessByID(id string) (ManagedProcess, bool)
	// RemoveProcessByID removes a process by the given ID if it exists.
	// It does not stop it.
	RemoveProcessByID(id string) (ManagedProcess, bool)
	// Start starts all added processes and errors if any fail to start. The
	// given context is only used for one shot processes.
	Start(ctx context.Context) error
	// AddProcess manages the given process and potentially starts it if the manager has
	// already been started. A process with the same ID is replaced and returned.
	AddProcess(ctx context.Context, proc ManagedProcess, replace bool) (ManagedProcess, error)
	// AddProcessFromConfig does what AddProcess does but first creates a ManagedProcess from
	// a config.
	AddProcessFromConfig(ctx context.Context, config ProcessConfig) (ManagedProcess, error)
	// Stop stops all processes.
	Stop() error
}

type processManager struct {
	mu            sync.Mutex
	processesByID map[string]ManagedProcess
	order         []string
	started       bool
	logger        logging.Logger
}

// NewProcessManager returns a new ProcessManager.
func NewProcessManager(logger logging.Logger) ProcessManager {
	return &processManager{
		processesByID: map[string]ManagedProcess{},
		logger:        logger,
	}
}

func (pm *processManager) ProcessIDs() []string {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return append([]string(nil), pm.order...)
}

func (pm *processManager) ProcessByID(id string) (ManagedProcess, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	proc, ok := pm.processesByID[id]
	return proc, ok
}

func (pm *processManager) RemoveProcessByID(id string) (ManagedProcess, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	proc, ok := pm.processesByID[id]
	if !ok {
		return nil, false
	}
	delete(pm.processesByID, id)
	for i, other := range pm.order {
		if other == id {
			pm.order = append(pm.order[:i], pm.order[i+1:]...)
			break
		}
	}
	return proc, true
}

func (pm *processManager) Start(ctx context.Context) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.started {
		return nil
	}

	for i, id := range pm.order {
		if err := pm.processesByID[id].Start(ctx); err != nil {
			// stop whatever already came up
			for _, startedID := range pm.order[:i] {
				err = multierr.Combine(err, pm.processesByID[startedID].Stop())
			}
			return err
		}
	}
	pm.started = true
	return nil
}

func (pm *processManager) AddProcess(ctx context.Context, proc ManagedProcess, replace bool) (ManagedProcess, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	existing, exists := pm.processesByID[proc.ID()]
	if exists && !replace {
		return nil, errors.Errorf("already managing process %q", proc.ID())
	}
	if pm.started {
		if err := proc.Start(ctx); err != nil {
			return nil, err
		}
	}
	if exists {
		if pm.started {
			if err := existing.Stop(); err != nil {
				pm.logger.Warnw("error stopping replaced process", "id", existing.ID(), "error", err)
			}
		}
	} else {
		pm.order = append(pm.order, proc.ID())
	}
	pm.processesByID[proc.ID()] = proc
	return existing, nil
}

func (pm *processManager) AddProcessFromConfig(ctx context.Context, config ProcessConfig) (ManagedProcess, error) {
	if err := config.Validate("process"); err != nil {
		return nil, err
	}
	proc := NewManagedProcess(config, pm.logger.Sublogger("process."+config.ID))
	if _, err := pm.AddProcess(ctx, proc, true); err != nil {
		return nil, err
	}
	return proc, nil
}

func (pm *processManager) Stop() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var err error
	// stop in reverse start order
	for i := len(pm.order) - 1; i >= 0; i-- {
		err = multierr.Combine(err, pm.processesByID[pm.order[i]].Stop())
	}
	pm.started = false
	return err
}
