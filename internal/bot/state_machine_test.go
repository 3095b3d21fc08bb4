package bot

import (
	"testing"
)

var allStates = []PositionState{
	StateOpening,
	StateOpen,
	StateClosing,
	StateClosed,
	StateCancelled,
	StateFailed,
}

// TestCanTransition_ValidTransitions проверяет все валидные переходы между состояниями
func TestCanTransition_ValidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from PositionState
		to   PositionState
	}{
		{"OPENING → OPEN (buy filled)", StateOpening, StateOpen},
		{"OPENING → FAILED (buy rejected)", StateOpening, StateFailed},
		{"OPENING → CLOSED (stop filled in same poll)", StateOpening, StateClosed},
		{"OPEN → CLOSING (sell placed)", StateOpen, StateClosing},
		{"OPEN → CLOSED (stop filled)", StateOpen, StateClosed},
		{"OPEN → CANCELLED (sell cancelled)", StateOpen, StateCancelled},
		{"CLOSING → CLOSED (sell filled)", StateClosing, StateClosed},
		{"CLOSING → CANCELLED (sell cancelled)", StateClosing, StateCancelled},
		{"CANCELLED → CLOSING (sell re-placed)", StateCancelled, StateClosing},
		{"CANCELLED → CLOSED (stop filled)", StateCancelled, StateClosed},
		{"CANCELLED → OPEN", StateCancelled, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !CanTransition(tt.from, tt.to) {
				t.Errorf("CanTransition(%s, %s) = false, want true", tt.from, tt.to)
			}
		})
	}
}

// TestCanTransition_InvalidTransitions проверяет запрещённые переходы
func TestCanTransition_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from PositionState
		to   PositionState
	}{
		{"CLOSED → OPEN", StateClosed, StateOpen},
		{"CLOSED → OPENING", StateClosed, StateOpening},
		{"FAILED → OPEN", StateFailed, StateOpen},
		{"FAILED → OPENING", StateFailed, StateOpening},
		{"OPEN → OPENING", StateOpen, StateOpening},
		{"CLOSING → OPENING", StateClosing, StateOpening},
		{"OPEN → FAILED", StateOpen, StateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if CanTransition(tt.from, tt.to) {
				t.Errorf("CanTransition(%s, %s) = true, want false (invalid transition)", tt.from, tt.to)
			}
		})
	}
}

func TestCanTransition_SameState(t *testing.T) {
	for _, s := range allStates {
		if !CanTransition(s, s) {
			t.Errorf("CanTransition(%s, %s) = false, want true", s, s)
		}
	}
}

func TestCanTransition_UnknownState(t *testing.T) {
	if CanTransition("UNKNOWN", StateOpen) {
		t.Error("transition from unknown state must be rejected")
	}
	if CanTransition(StateOpen, "UNKNOWN") {
		t.Error("transition to unknown state must be rejected")
	}
}

func TestStateInfo_AllStates(t *testing.T) {
	seen := make(map[string]PositionState)
	for _, s := range allStates {
		info := StateInfo(s)
		if info == "" || info == "Неизвестное состояние" {
			t.Errorf("StateInfo(%s) = %q, want a description", s, info)
		}
		if prev, ok := seen[info]; ok {
			t.Errorf("StateInfo(%s) duplicates StateInfo(%s)", s, prev)
		}
		seen[info] = s
	}
	if got := StateInfo("BOGUS"); got != "Неизвестное состояние" {
		t.Errorf("StateInfo(BOGUS) = %q", got)
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		state PositionState
		want  bool
	}{
		{StateOpening, false},
		{StateOpen, false},
		{StateClosing, false},
		{StateCancelled, false},
		{StateClosed, true},
		{StateFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := IsTerminal(tt.state); got != tt.want {
				t.Errorf("IsTerminal(%s) = %v, want %v", tt.state, got, tt.want)
			}
		})
	}
}

func TestHoldsBase(t *testing.T) {
	tests := []struct {
		state PositionState
		want  bool
	}{
		{StateOpening, false},
		{StateOpen, true},
		{StateClosing, true},
		{StateCancelled, true},
		{StateClosed, false},
		{StateFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := HoldsBase(tt.state); got != tt.want {
				t.Errorf("HoldsBase(%s) = %v, want %v", tt.state, got, tt.want)
			}
		})
	}
}

// TestValidTransitions_Completeness проверяет, что все состояния описаны в таблице
func TestValidTransitions_Completeness(t *testing.T) {
	for _, s := range allStates {
		if _, ok := ValidTransitions[s]; !ok {
			t.Errorf("State %s is not defined in ValidTransitions", s)
		}
	}
	if len(ValidTransitions) != len(allStates) {
		t.Errorf("ValidTransitions has %d states, want %d", len(ValidTransitions), len(allStates))
	}
	for _, s := range []PositionState{StateClosed, StateFailed} {
		if n := len(ValidTransitions[s]); n != 0 {
			t.Errorf("terminal state %s has %d outgoing transitions", s, n)
		}
	}
}
