package websocket

import (
	"context"

	"github.com/taskhive/taskhive/internal/broker/registry"
	"github.com/taskhive/taskhive/internal/broker/store"
)

// syncTaskLimit bounds the number of tasks in a sync:full frame. Older tasks
// are reachable through the admin API.
const syncTaskLimit = 500

// NewSnapshotProvider builds sync:full frames from the store and registry.
// MaxSeq is read before the state so a concurrent write shows up as a stream
// notification with a higher seq, never as a silent gap.
func NewSnapshotProvider(st *store.Store, reg *registry.Service) SnapshotProvider {
	return func(ctx context.Context) (*SyncSnapshot, error) {
		maxSeq, err := st.MaxSeq(ctx)
		if err != nil {
			return nil, err
		}
		tasks, err := st.ListTasks(ctx, store.TaskFilter{Limit: syncTaskLimit})
		if err != nil {
			return nil, err
		}
		agents, err := reg.List(ctx)
		if err != nil {
			return nil, err
		}
		return &SyncSnapshot{MaxSeq: maxSeq, Tasks: tasks, Agents: agents}, nil
	}
}
