package controller

import (
	"fmt"
	"sync"

	"github.com/kubeadapt/kubeadapt-gpu-scaler/internal/observability"
)

// State is the controller's position in the evaluation cycle.
type State string

// Controller states.
const (
	StateIdle       State = "idle"
	StateEvaluating State = "evaluating"
	StateDeciding   State = "deciding"
	StateExecuting  State = "executing"
	StateStopped    State = "stopped"
)

var allStates = []State{StateIdle, StateEvaluating, StateDeciding, StateExecuting, StateStopped}

// transitions lists the legal moves out of each state. Any state may stop.
var transitions = map[State][]State{
	StateIdle:       {StateEvaluating},
	StateEvaluating: {StateDeciding, StateIdle},
	StateDeciding:   {StateExecuting, StateIdle},
	StateExecuting:  {StateIdle},
}

// StateMachine tracks the controller state and mirrors it into the
// controller state gauge.
type StateMachine struct {
	mu      sync.RWMutex
	state   State
	reason  string
	metrics *observability.Metrics
}

// NewStateMachine creates a StateMachine in StateIdle. metrics may be nil.
func NewStateMachine(metrics *observability.Metrics) *StateMachine {
	sm := &StateMachine{state: StateIdle, metrics: metrics}
	sm.export()
	return sm
}

// State returns the current state.
func (sm *StateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// Reason returns why the current state was entered.
func (sm *StateMachine) Reason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.reason
}

// TransitionTo moves to state. StateStopped is terminal: once there every
// transition fails.
func (sm *StateMachine) TransitionTo(state State, reason string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.state == StateStopped {
		return fmt.Errorf("controller is stopped, cannot enter %s", state)
	}
	if state != StateStopped && !allowed(sm.state, state) {
		return fmt.Errorf("invalid transition %s -> %s", sm.state, state)
	}
	sm.state = state
	sm.reason = reason
	sm.exportLocked()
	return nil
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (sm *StateMachine) export() {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sm.exportLocked()
}

func (sm *StateMachine) exportLocked() {
	if sm.metrics == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == sm.state {
			v = 1
		}
		sm.metrics.ControllerState.WithLabelValues(string(s)).Set(v)
	}
}
