// Package notify carries in-process wakeup signals between the broker
// services without introducing import cycles: the scheduler kicks waiting
// pollers, lifecycle operations kick the scheduler, and task completion
// unblocks synchronous waiters. All signals are best effort; durable state
// lives in the store and every waiter also polls on its own timer.
package notify

import "sync"

// Notifier multiplexes wakeup channels keyed by agent and task.
type Notifier struct {
	mu sync.Mutex

	agents    map[string]chan struct{}
	taskDone  map[string]*taskWaiter
	scheduler chan struct{}
}

// taskWaiter is a completion channel shared by every waiter on one task,
// reference-counted so entries for tasks nobody waits on are dropped.
type taskWaiter struct {
	ch   chan struct{}
	refs int
}

// New creates a Notifier.
func New() *Notifier {
	return &Notifier{
		agents:    make(map[string]chan struct{}),
		taskDone:  make(map[string]*taskWaiter),
		scheduler: make(chan struct{}, 1),
	}
}

// AgentWake returns the wake channel for an agent, creating it on first use.
// The channel has capacity one so a wake sent while the agent is between
// polls is not lost.
func (n *Notifier) AgentWake(agentID string) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.agentWakeLocked(agentID)
}

func (n *Notifier) agentWakeLocked(agentID string) chan struct{} {
	ch, ok := n.agents[agentID]
	if !ok {
		ch = make(chan struct{}, 1)
		n.agents[agentID] = ch
	}
	return ch
}

// WakeAgent signals a specific agent's long poll to re-check for work.
func (n *Notifier) WakeAgent(agentID string) {
	n.mu.Lock()
	ch := n.agentWakeLocked(agentID)
	n.mu.Unlock()
	select {
	case ch <- struct{}{}:
	default:
	}
}

// WakeAll signals every agent with a live wake channel. Used for broadcast
// system prompts.
func (n *Notifier) WakeAll() {
	n.mu.Lock()
	chans := make([]chan struct{}, 0, len(n.agents))
	for _, ch := range n.agents {
		chans = append(chans, ch)
	}
	n.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// DropAgent discards the agent's wake channel after disconnect.
func (n *Notifier) DropAgent(agentID string) {
	n.mu.Lock()
	delete(n.agents, agentID)
	n.mu.Unlock()
}

// KickScheduler requests a scheduling pass ahead of the next tick.
func (n *Notifier) KickScheduler() {
	select {
	case n.scheduler <- struct{}{}:
	default:
	}
}

// SchedulerKicks returns the channel the scheduler selects on between ticks.
func (n *Notifier) SchedulerKicks() <-chan struct{} {
	return n.scheduler
}

// TaskDone returns a channel closed when the task reaches a terminal status.
// Callers must register before consulting the store and re-check durable
// state after waking, since completion signals sent with no channel
// registered are dropped. Every TaskDone call must be paired with a
// ReleaseTask so entries for tasks that complete without a signal (or were
// already terminal) do not accumulate.
func (n *Notifier) TaskDone(taskID string) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	w, ok := n.taskDone[taskID]
	if !ok {
		w = &taskWaiter{ch: make(chan struct{})}
		n.taskDone[taskID] = w
	}
	w.refs++
	return w.ch
}

// ReleaseTask drops one waiter's reference; the entry is removed when the
// last waiter releases it. A no-op after CompleteTask.
func (n *Notifier) ReleaseTask(taskID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	w, ok := n.taskDone[taskID]
	if !ok {
		return
	}
	w.refs--
	if w.refs <= 0 {
		delete(n.taskDone, taskID)
	}
}

// CompleteTask closes the task's done channel, releasing all waiters.
// A no-op when nobody is waiting.
func (n *Notifier) CompleteTask(taskID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if w, ok := n.taskDone[taskID]; ok {
		delete(n.taskDone, taskID)
		close(w.ch)
	}
}
