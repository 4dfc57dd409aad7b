package queue

import (
	"context"
	"fmt"

	"github.com/dennisdiepolder/docqueue/backend/internal/storage"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
)

// WorkloadReader counts active tickets per agent straight from storage
type WorkloadReader struct {
	store storage.TicketStore
}

// NewWorkloadReader creates a new WorkloadReader
func NewWorkloadReader(store storage.TicketStore) *WorkloadReader {
	return &WorkloadReader{store: store}
}

// AgentWorkload counts the agent's assigned and in-progress tickets
func (w *WorkloadReader) AgentWorkload(ctx context.Context, agentID string) (types.AgentWorkload, error) {
	active, err := w.store.ListActiveByAgent(ctx, agentID)
	if err != nil {
		return types.AgentWorkload{}, fmt.Errorf("failed to load workload: %w", err)
	}

	var wl types.AgentWorkload
	for _, t := range active {
		switch t.Status {
		case types.TicketAssigned:
			wl.Assigned++
		case types.TicketInProgress:
			wl.InProgress++
		}
	}
	return wl, nil
}
