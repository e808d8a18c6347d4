package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deviceguard/server/internal/models"
	"github.com/deviceguard/server/internal/observability"
	"github.com/deviceguard/server/internal/repository"
)

// Reconciler periodically compares every user's epoch with the epoch acked by
// each eligible connected node and re-dispatches to the nodes that are behind
type Reconciler struct {
	allowLists repository.AllowListRepo
	nodes      repository.NodeRepo
	states     repository.NodeSyncStateRepo
	transport  NodeTransport
	dispatcher SyncEnqueuer
	interval   time.Duration

	mu       sync.RWMutex
	running  bool
	stopChan chan struct{}
	status   models.ReconcilerStatus
	ticker   *time.Ticker
}

// NewReconciler creates a new Reconciler
func NewReconciler(
	allowLists repository.AllowListRepo,
	nodes repository.NodeRepo,
	states repository.NodeSyncStateRepo,
	transport NodeTransport,
	dispatcher SyncEnqueuer,
	interval time.Duration,
) *Reconciler {
	return &Reconciler{
		allowLists: allowLists,
		nodes:      nodes,
		states:     states,
		transport:  transport,
		dispatcher: dispatcher,
		interval:   interval,
		stopChan:   make(chan struct{}),
		status:     models.ReconcilerStatus{Errors: []string{}},
	}
}

// Start begins the background sweep; runNow triggers a sweep immediately
func (r *Reconciler) Start(runNow bool) {
	r.mu.Lock()
	if r.ticker != nil {
		r.mu.Unlock()
		return
	}
	r.status.Enabled = true
	r.stopChan = make(chan struct{})
	r.ticker = time.NewTicker(r.interval)
	ticker, stop := r.ticker, r.stopChan
	r.status.NextScheduledRun = time.Now().Add(r.interval)
	r.mu.Unlock()

	observability.Infof("Reconciler started (runs every %s)", r.interval)

	if runNow {
		go r.RunOnce(context.Background())
	}

	go func() {
		for {
			select {
			case <-ticker.C:
				r.mu.Lock()
				r.status.NextScheduledRun = time.Now().Add(r.interval)
				r.mu.Unlock()
				r.RunOnce(context.Background())
			case <-stop:
				ticker.Stop()
				observability.Info("Reconciler stopped")
				return
			}
		}
	}()
}

// Stop stops the background sweep
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ticker == nil {
		return
	}
	r.ticker = nil
	r.status.Enabled = false
	close(r.stopChan)
}

// GetStatus returns the current reconciler status
func (r *Reconciler) GetStatus() models.ReconcilerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := r.status
	status.Errors = append([]string(nil), r.status.Errors...)
	return status
}

// RunOnce performs one sweep and returns its status. A sweep already in
// progress makes this call return immediately with the current status.
func (r *Reconciler) RunOnce(ctx context.Context) models.ReconcilerStatus {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		observability.Debug("Reconciliation already running, skipping")
		return r.GetStatus()
	}
	r.running = true
	r.status.Running = true
	r.mu.Unlock()

	ctx, span := observability.StartServiceSpan(ctx, "Reconciler", "RunOnce")
	defer span.End()

	startTime := time.Now()
	usersChecked, nodesHealed, errs := r.sweep(ctx)
	duration := time.Since(startTime)

	r.mu.Lock()
	r.running = false
	r.status.Running = false
	r.status.LastRun = startTime
	r.status.LastRunDuration = duration.Round(time.Millisecond).String()
	r.status.UsersChecked = usersChecked
	r.status.NodesHealed = nodesHealed
	r.status.Errors = errs
	r.mu.Unlock()

	if nodesHealed > 0 {
		observability.Infof("Reconciliation: re-dispatched %d node allow-lists across %d users", nodesHealed, usersChecked)
	}
	if len(errs) > 0 {
		observability.Warnf("Reconciliation: completed with %d errors", len(errs))
	}
	return r.GetStatus()
}

// sweep dispatches every user whose connected eligible nodes are behind
func (r *Reconciler) sweep(ctx context.Context) (int, int, []string) {
	errs := []string{}

	versions, err := r.allowLists.ListVersions(ctx)
	if err != nil {
		return 0, 0, []string{"Failed to list allow-list versions: " + err.Error()}
	}

	healed := 0
	for _, version := range versions {
		nodes, err := r.nodes.ListEligibleForUser(ctx, version.UserID)
		if err != nil {
			errs = append(errs, fmt.Sprintf("Failed to list nodes for %s: %v", version.UserID, err))
			continue
		}

		var behind []string
		for _, node := range nodes {
			if !r.transport.IsConnected(node.ID) {
				continue
			}
			state, err := r.states.Get(ctx, node.ID, version.UserID)
			if err != nil {
				errs = append(errs, fmt.Sprintf("Failed to read sync state of %s on %s: %v", version.UserID, node.ID, err))
				continue
			}
			if state.Behind(version.Epoch) {
				behind = append(behind, node.ID)
			}
		}
		if len(behind) == 0 {
			continue
		}

		task := models.NewSyncTask(version.UserID, version.Epoch)
		task.Force = true
		task.NodeIDs = behind
		r.dispatcher.Enqueue(task)
		healed += len(behind)
	}
	return len(versions), healed, errs
}
