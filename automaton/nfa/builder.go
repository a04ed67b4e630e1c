package nfa

import "fmt"

// Builder constructs an NFA incrementally: states are appended one at a
// time and forward references are resolved later via Patch.
type Builder struct {
	states []State
	start  StateID
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{states: make([]State, 0, 16), start: InvalidState}
}

// AddMatch adds an accepting state and returns its ID.
func (b *Builder) AddMatch() StateID {
	id := StateID(len(b.states))
	b.states = append(b.states, State{id: id, kind: StateMatch})
	return id
}

// AddByteRange adds a state transitioning on [lo, hi] to next (InvalidState
// if not yet known; patch with PatchKind Next).
func (b *Builder) AddByteRange(lo, hi byte, next StateID) StateID {
	id := StateID(len(b.states))
	b.states = append(b.states, State{id: id, kind: StateByteRange, lo: lo, hi: hi, next: next})
	return id
}

// AddSparse adds a character-class state. Transitions whose Next is
// InvalidState are resolved later via PatchSparse.
func (b *Builder) AddSparse(transitions []Transition) StateID {
	id := StateID(len(b.states))
	trans := make([]Transition, len(transitions))
	copy(trans, transitions)
	b.states = append(b.states, State{id: id, kind: StateSparse, transitions: trans})
	return id
}

// AddSplit adds an epsilon-split state (alternation or quantifier
// expansion). Either side may be InvalidState pending a later patch.
func (b *Builder) AddSplit(left, right StateID) StateID {
	id := StateID(len(b.states))
	b.states = append(b.states, State{id: id, kind: StateSplit, left: left, right: right})
	return id
}

// AddEpsilon adds a single epsilon-transition state.
func (b *Builder) AddEpsilon(next StateID) StateID {
	id := StateID(len(b.states))
	b.states = append(b.states, State{id: id, kind: StateEpsilon, next: next})
	return id
}

// PatchKind selects which dangling pointer Patch resolves.
type PatchKind int

const (
	PatchNext PatchKind = iota
	PatchLeft
	PatchRight
	// PatchSparseAll resolves every transition in a StateSparse state
	// whose Next is still InvalidState.
	PatchSparseAll
)

// Dangling identifies one unresolved outgoing pointer produced while
// compiling a pattern fragment.
type Dangling struct {
	State StateID
	Kind  PatchKind
}

// Patch resolves a dangling pointer to target.
func (b *Builder) Patch(d Dangling, target StateID) error {
	if int(d.State) >= len(b.states) {
		return fmt.Errorf("nfa: patch: state %d out of bounds", d.State)
	}
	s := &b.states[d.State]
	switch d.Kind {
	case PatchNext:
		if s.kind != StateByteRange && s.kind != StateEpsilon {
			return fmt.Errorf("nfa: patch: state %d (%s) has no Next pointer", d.State, s.kind)
		}
		s.next = target
	case PatchLeft:
		if s.kind != StateSplit {
			return fmt.Errorf("nfa: patch: state %d (%s) is not a Split", d.State, s.kind)
		}
		s.left = target
	case PatchRight:
		if s.kind != StateSplit {
			return fmt.Errorf("nfa: patch: state %d (%s) is not a Split", d.State, s.kind)
		}
		s.right = target
	case PatchSparseAll:
		if s.kind != StateSparse {
			return fmt.Errorf("nfa: patch: state %d (%s) is not Sparse", d.State, s.kind)
		}
		for i := range s.transitions {
			if s.transitions[i].Next == InvalidState {
				s.transitions[i].Next = target
			}
		}
	}
	return nil
}

// PatchAll resolves every dangling pointer in ds to target.
func (b *Builder) PatchAll(ds []Dangling, target StateID) error {
	for _, d := range ds {
		if err := b.Patch(d, target); err != nil {
			return err
		}
	}
	return nil
}

// SetStart sets the NFA's single start state.
func (b *Builder) SetStart(start StateID) { b.start = start }

// NumStates returns the number of states added so far.
func (b *Builder) NumStates() int { return len(b.states) }

// Attachment records that actionKey Key is triggered upon reaching the
// accepting state State (which must be a StateMatch state).
type Attachment struct {
	State StateID
	Key   uint64
}

// Build finalizes the NFA. attachments records (matchState, actionKey)
// pairs collected while compiling trigger patterns (see urlpattern).
func (b *Builder) Build(attachments []Attachment) (*NFA, error) {
	if b.start == InvalidState {
		return nil, fmt.Errorf("nfa: start state not set")
	}
	if int(b.start) >= len(b.states) {
		return nil, fmt.Errorf("nfa: start state %d out of bounds", b.start)
	}
	for i, s := range b.states {
		id := StateID(i)
		switch s.kind {
		case StateByteRange, StateEpsilon:
			if s.next == InvalidState {
				return nil, fmt.Errorf("nfa: state %d (%s) has unresolved next pointer", id, s.kind)
			}
		case StateSplit:
			if s.left == InvalidState || s.right == InvalidState {
				return nil, fmt.Errorf("nfa: state %d (%s) has unresolved split pointer", id, s.kind)
			}
		case StateSparse:
			for _, t := range s.transitions {
				if t.Next == InvalidState {
					return nil, fmt.Errorf("nfa: state %d (Sparse) has unresolved transition", id)
				}
			}
		}
	}

	actionKeys := make(map[StateID][]uint64)
	for _, a := range attachments {
		actionKeys[a.State] = append(actionKeys[a.State], a.Key)
	}

	return &NFA{states: b.states, start: b.start, actionKeys: actionKeys}, nil
}
