package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/deviceguard/server/internal/config"
	"github.com/deviceguard/server/internal/models"
	"github.com/deviceguard/server/internal/observability"
	"github.com/deviceguard/server/internal/repository"
)

// NodeTransport delivers allow-list payloads to proxy nodes.
// Send returns once the node acknowledged the payload epoch.
type NodeTransport interface {
	Send(ctx context.Context, nodeID string, payload models.AllowListPayload) error
	IsConnected(nodeID string) bool
}

// Delivery results reported to metrics
const (
	deliveryAcked      = "acked"
	deliveryFailed     = "failed"
	deliveryStale      = "stale"
	deliverySuperseded = "superseded"
)

// SyncDispatcher propagates allow-lists to every eligible node.
// Tasks are consumed by a bounded worker pool and every target node is
// delivered to in its own goroutine, with retries and backoff.
type SyncDispatcher struct {
	allowLists repository.AllowListRepo
	nodes      repository.NodeRepo
	states     repository.NodeSyncStateRepo
	transport  NodeTransport
	cfg        config.Sync
	metrics    *observability.DeviceMetrics

	queue    chan models.SyncTask
	inflight atomic.Int64

	mu         sync.Mutex
	latest     map[string]int64
	superseded map[string]chan struct{}
	tasks      map[string]*models.SyncTaskStatus

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
	sends   sync.WaitGroup
	started bool
}

// NewSyncDispatcher creates a new SyncDispatcher; call Start to run the workers
func NewSyncDispatcher(
	allowLists repository.AllowListRepo,
	nodes repository.NodeRepo,
	states repository.NodeSyncStateRepo,
	transport NodeTransport,
	cfg config.Sync,
	metrics *observability.DeviceMetrics,
) *SyncDispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncDispatcher{
		allowLists: allowLists,
		nodes:      nodes,
		states:     states,
		transport:  transport,
		cfg:        cfg,
		metrics:    metrics,
		queue:      make(chan models.SyncTask, cfg.QueueSize),
		latest:     make(map[string]int64),
		superseded: make(map[string]chan struct{}),
		tasks:      make(map[string]*models.SyncTaskStatus),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the worker pool
func (d *SyncDispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	for i := 0; i < d.cfg.Workers; i++ {
		d.workers.Add(1)
		go d.worker()
	}
	observability.Infof("Sync dispatcher started (%d workers)", d.cfg.Workers)
}

// Stop cancels pending deliveries and waits for the workers to exit
func (d *SyncDispatcher) Stop() {
	d.cancel()
	d.workers.Wait()
	d.sends.Wait()
	observability.Info("Sync dispatcher stopped")
}

// Enqueue schedules a task. It never blocks the caller: when the queue is
// full the task is dropped and the reconciliation sweep picks the drift up.
func (d *SyncDispatcher) Enqueue(task models.SyncTask) {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	d.noteEpoch(task.UserID, task.Epoch)

	d.inflight.Add(1)
	select {
	case d.queue <- task:
	case <-d.ctx.Done():
		d.inflight.Add(-1)
	default:
		d.inflight.Add(-1)
		observability.WithFields(map[string]interface{}{
			"user_id": task.UserID,
			"epoch":   task.Epoch,
		}).Warn("Sync queue full, task dropped")
	}
}

// ForceResync sends the current allow-list of userID to every eligible node
// regardless of what they acknowledged
func (d *SyncDispatcher) ForceResync(ctx context.Context, userID string) (models.SyncTask, error) {
	version, err := d.allowLists.GetVersion(ctx, userID)
	if err != nil {
		return models.SyncTask{}, err
	}
	task := models.NewSyncTask(userID, version.Epoch)
	task.Force = true
	d.Enqueue(task)
	return task, nil
}

// ResyncNode re-dispatches every user whose allow-list on nodeID is behind
// or marked stale. It returns the number of users queued.
func (d *SyncDispatcher) ResyncNode(ctx context.Context, nodeID string) (int, error) {
	users, err := d.nodes.ListUsersForNode(ctx, nodeID)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, version := range users {
		state, err := d.states.Get(ctx, nodeID, version.UserID)
		if err != nil {
			return queued, err
		}
		if !state.Behind(version.Epoch) {
			continue
		}
		task := models.NewSyncTask(version.UserID, version.Epoch)
		task.Force = true
		task.NodeIDs = []string{nodeID}
		d.Enqueue(task)
		queued++
	}
	return queued, nil
}

// Status returns a copy of the latest task of userID
func (d *SyncDispatcher) Status(userID string) (*models.SyncTaskStatus, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	status, ok := d.tasks[userID]
	if !ok {
		return nil, false
	}
	return copyTaskStatus(status), true
}

// Statuses returns a copy of the latest task of every user
func (d *SyncDispatcher) Statuses() []*models.SyncTaskStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*models.SyncTaskStatus, 0, len(d.tasks))
	for _, status := range d.tasks {
		out = append(out, copyTaskStatus(status))
	}
	return out
}

// QueueLength returns the number of tasks waiting for a worker
func (d *SyncDispatcher) QueueLength() int {
	return len(d.queue)
}

// WaitIdle blocks until every queued task finished or ctx is done
func (d *SyncDispatcher) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for d.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// LatestEpoch returns the newest epoch the dispatcher knows for userID
func (d *SyncDispatcher) LatestEpoch(userID string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latest[userID]
}

func (d *SyncDispatcher) worker() {
	defer d.workers.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case task := <-d.queue:
			d.dispatch(d.ctx, task)
		}
	}
}

// dispatch resolves the targets of task and starts one delivery per node
func (d *SyncDispatcher) dispatch(ctx context.Context, task models.SyncTask) {
	logger := observability.WithContext(ctx).WithFields(map[string]interface{}{
		"user_id": task.UserID,
		"epoch":   task.Epoch,
	})

	targets, err := d.targets(ctx, task)
	if err != nil {
		logger.Errorf("Failed to resolve sync targets: %v", err)
		d.inflight.Add(-1)
		return
	}
	d.trackTask(task, targets)
	if len(targets) == 0 {
		d.inflight.Add(-1)
		return
	}

	var wg sync.WaitGroup
	for _, nodeID := range targets {
		wg.Add(1)
		d.sends.Add(1)
		go func(nodeID string) {
			defer d.sends.Done()
			defer wg.Done()
			d.deliver(ctx, task, nodeID)
		}(nodeID)
	}

	d.sends.Add(1)
	go func() {
		defer d.sends.Done()
		wg.Wait()
		d.inflight.Add(-1)
	}()
}

// targets returns the eligible nodes of task that still need its epoch
func (d *SyncDispatcher) targets(ctx context.Context, task models.SyncTask) ([]string, error) {
	nodes, err := d.nodes.ListEligibleForUser(ctx, task.UserID)
	if err != nil {
		return nil, err
	}

	var restrict map[string]bool
	if len(task.NodeIDs) > 0 {
		restrict = make(map[string]bool, len(task.NodeIDs))
		for _, id := range task.NodeIDs {
			restrict[id] = true
		}
	}

	var out []string
	for _, node := range nodes {
		if restrict != nil && !restrict[node.ID] {
			continue
		}
		if !task.Force {
			state, err := d.states.Get(ctx, node.ID, task.UserID)
			if err != nil {
				return nil, err
			}
			if !state.Behind(task.Epoch) {
				continue
			}
		}
		out = append(out, node.ID)
	}
	return out, nil
}

// deliver sends the current allow-list to one node until it is acknowledged,
// superseded by a newer epoch or out of attempts
func (d *SyncDispatcher) deliver(ctx context.Context, task models.SyncTask, nodeID string) {
	logger := observability.WithContext(ctx).WithFields(map[string]interface{}{
		"user_id": task.UserID,
		"node_id": nodeID,
		"epoch":   task.Epoch,
	})
	retry := d.newBackoff()

	for attempt := 1; ; attempt++ {
		if d.isSuperseded(task.UserID, task.Epoch) {
			d.updateDelivery(task, nodeID, models.NodeDelivery{Status: models.SyncStatusStale, Attempts: attempt - 1, LastError: "superseded"})
			d.metrics.RecordSyncDelivery(ctx, nodeID, deliverySuperseded, time.Since(task.CreatedAt))
			return
		}

		epoch, err := d.sendOnce(ctx, task.UserID, nodeID)
		if err == nil {
			err = d.acknowledge(ctx, nodeID, task.UserID, epoch, attempt)
			if errors.Is(err, models.ErrStaleEpoch) {
				d.updateDelivery(task, nodeID, models.NodeDelivery{Status: models.SyncStatusStale, Attempts: attempt, LastError: "superseded"})
				d.metrics.RecordSyncDelivery(ctx, nodeID, deliverySuperseded, time.Since(task.CreatedAt))
				return
			}
			if err == nil {
				d.updateDelivery(task, nodeID, models.NodeDelivery{Status: models.SyncStatusAcked, Attempts: attempt})
				d.metrics.RecordSyncDelivery(ctx, nodeID, deliveryAcked, time.Since(task.CreatedAt))
				logger.WithField("acked_epoch", epoch).Debug("Allow-list acknowledged")
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		if attempt >= d.cfg.MaxAttempts {
			d.updateDelivery(task, nodeID, models.NodeDelivery{Status: models.SyncStatusStale, Attempts: attempt, LastError: err.Error()})
			if markErr := d.states.MarkStatus(context.WithoutCancel(ctx), nodeID, task.UserID, models.SyncStatusStale, attempt, err.Error()); markErr != nil {
				logger.Errorf("Failed to mark node stale: %v", markErr)
			}
			d.metrics.RecordSyncDelivery(ctx, nodeID, deliveryStale, time.Since(task.CreatedAt))
			logger.Warnf("Node marked stale after %d attempts: %v", attempt, err)
			return
		}

		d.updateDelivery(task, nodeID, models.NodeDelivery{Status: models.SyncStatusPending, Attempts: attempt, LastError: err.Error()})
		if markErr := d.states.MarkStatus(ctx, nodeID, task.UserID, models.SyncStatusFailed, attempt, err.Error()); markErr != nil {
			logger.Errorf("Failed to record sync failure: %v", markErr)
		}
		d.metrics.RecordSyncDelivery(ctx, nodeID, deliveryFailed, time.Since(task.CreatedAt))
		logger.Debugf("Allow-list send failed (attempt %d): %v", attempt, err)

		if !d.waitBackoff(ctx, task.UserID, task.Epoch, retry.NextBackOff()) && ctx.Err() != nil {
			return
		}
	}
}

// sendOnce reads the snapshot at send time and pushes it with the send timeout
func (d *SyncDispatcher) sendOnce(ctx context.Context, userID, nodeID string) (int64, error) {
	snapshot, err := d.allowLists.Snapshot(ctx, userID)
	if err != nil {
		return 0, err
	}
	d.noteEpoch(userID, snapshot.Epoch)

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout())
	defer cancel()

	if err := d.transport.Send(sendCtx, nodeID, snapshot.Payload()); err != nil {
		if errors.Is(err, models.ErrTransport) {
			return 0, err
		}
		return 0, &models.TransportError{NodeID: nodeID, Err: err}
	}
	return snapshot.Epoch, nil
}

// acknowledge records an ack unless a newer epoch is known for the user
func (d *SyncDispatcher) acknowledge(ctx context.Context, nodeID, userID string, epoch int64, attempts int) error {
	if d.LatestEpoch(userID) > epoch {
		return models.ErrStaleEpoch
	}
	return d.states.RecordAck(context.WithoutCancel(ctx), nodeID, userID, epoch, attempts)
}

// newBackoff returns the retry schedule of one delivery loop: doubling from the
// initial delay up to the cap, each delay jittered by ±20%
func (d *SyncDispatcher) newBackoff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     d.cfg.InitialBackoff(),
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         d.cfg.MaxBackoff(),
	}
	b.Reset()
	return b
}

// waitBackoff sleeps for delay; it returns false early when ctx is done or
// the epoch got superseded
func (d *SyncDispatcher) waitBackoff(ctx context.Context, userID string, epoch int64, delay time.Duration) bool {
	d.mu.Lock()
	if d.latest[userID] > epoch {
		d.mu.Unlock()
		return false
	}
	ch := d.supersededChan(userID)
	d.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-ch:
		return !d.isSuperseded(userID, epoch)
	}
}

// noteEpoch raises the latest known epoch of userID and wakes superseded retries
func (d *SyncDispatcher) noteEpoch(userID string, epoch int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if epoch <= d.latest[userID] {
		return
	}
	d.latest[userID] = epoch
	if ch, ok := d.superseded[userID]; ok {
		close(ch)
		delete(d.superseded, userID)
	}
}

func (d *SyncDispatcher) isSuperseded(userID string, epoch int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latest[userID] > epoch
}

// supersededChan must be called with d.mu held
func (d *SyncDispatcher) supersededChan(userID string) chan struct{} {
	ch, ok := d.superseded[userID]
	if !ok {
		ch = make(chan struct{})
		d.superseded[userID] = ch
	}
	return ch
}

func (d *SyncDispatcher) trackTask(task models.SyncTask, targets []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if current, ok := d.tasks[task.UserID]; ok && current.Epoch > task.Epoch {
		return
	}
	status := &models.SyncTaskStatus{SyncTask: task, Nodes: make(map[string]models.NodeDelivery, len(targets))}
	for _, nodeID := range targets {
		status.Nodes[nodeID] = models.NodeDelivery{Status: models.SyncStatusPending}
	}
	d.tasks[task.UserID] = status
}

func (d *SyncDispatcher) updateDelivery(task models.SyncTask, nodeID string, delivery models.NodeDelivery) {
	d.mu.Lock()
	defer d.mu.Unlock()

	status, ok := d.tasks[task.UserID]
	if !ok || status.Epoch != task.Epoch {
		return
	}
	if _, targeted := status.Nodes[nodeID]; targeted {
		status.Nodes[nodeID] = delivery
	}
}

func copyTaskStatus(s *models.SyncTaskStatus) *models.SyncTaskStatus {
	out := &models.SyncTaskStatus{SyncTask: s.SyncTask, Nodes: make(map[string]models.NodeDelivery, len(s.Nodes))}
	out.NodeIDs = append([]string(nil), s.NodeIDs...)
	for id, delivery := range s.Nodes {
		out.Nodes[id] = delivery
	}
	return out
}
