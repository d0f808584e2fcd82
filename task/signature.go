package task

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Kind discriminates the closed set of signature variants.
type Kind string

// Signature kinds. An empty Kind means KindTask.
const (
	// KindTask is a single task invocation.
	KindTask Kind = "task"
	// KindGroup is a parallel fan-out of member signatures.
	KindGroup Kind = "group"
	// KindChain is a sequential pipeline of step signatures.
	KindChain Kind = "chain"
	// KindChord is a group header plus one aggregating body callback.
	KindChord Kind = "chord"
)

// Signature describes one task invocation: the task name, its
// arguments, and execution options. Composite kinds carry member
// signatures (group members or chain steps) and, for chords, the body.
//
// A Signature is immutable in content once submitted. Before
// submission it may be adjusted with Set; after that point only Clone
// may be used to derive modified copies.
type Signature struct {
	Task    string         `json:"task"`
	Kind    Kind           `json:"kind,omitempty"`
	Args    []any          `json:"args,omitempty"`
	Kwargs  map[string]any `json:"kwargs,omitempty"`
	Options Options        `json:"options,omitempty"`

	// Members holds group members or chain steps for composite kinds.
	Members []*Signature `json:"members,omitempty"`

	// Body is the chord callback for KindChord.
	Body *Signature `json:"body,omitempty"`

	// Links are callbacks the worker submits on successful completion,
	// with this task's return value prepended to their args. Chains are
	// built from this mechanism.
	Links []*Signature `json:"links,omitempty"`
}

// NewSignature creates a single-invocation signature for the named
// task with positional args.
func NewSignature(name string, args ...any) *Signature {
	return &Signature{Task: name, Kind: KindTask, Args: args}
}

// NewGroupSignature creates a group signature from member signatures.
// Nested groups are flattened during Normalize.
func NewGroupSignature(members ...*Signature) *Signature {
	return &Signature{Kind: KindGroup, Members: members}
}

// NewChainSignature creates a chain signature from step signatures.
func NewChainSignature(steps ...*Signature) *Signature {
	return &Signature{Kind: KindChain, Members: steps}
}

// NewChordSignature creates a chord signature from a header and a body.
// The header may be a group signature or a single signature (treated as
// a one-member header). Member failures propagate to the body by
// default; WithPropagate(false) joins whatever the header produced.
func NewChordSignature(header, body *Signature, opts ...Option) *Signature {
	s := &Signature{Kind: KindChord, Members: []*Signature{header}, Body: body}
	s.Options.Propagate = true
	s.Options = s.Options.apply(opts...)
	return s
}

// KindOf returns the signature kind, normalizing the empty value to
// KindTask.
func (s *Signature) KindOf() Kind {
	if s.Kind == "" {
		return KindTask
	}
	return s.Kind
}

// Header returns the chord header signature, or nil for other kinds.
func (s *Signature) Header() *Signature {
	if s.KindOf() != KindChord || len(s.Members) == 0 {
		return nil
	}
	return s.Members[0]
}

// Clone returns a deep copy with extraArgs prepended to the existing
// positional args and opts merged over the existing options (override
// wins on conflict). The receiver is never modified.
func (s *Signature) Clone(extraArgs []any, opts ...Option) *Signature {
	cp := &Signature{
		Task:    s.Task,
		Kind:    s.Kind,
		Args:    append(slices.Clone(extraArgs), s.Args...),
		Options: s.Options.apply(opts...),
	}
	if len(cp.Args) == 0 {
		cp.Args = nil
	}
	if s.Kwargs != nil {
		cp.Kwargs = maps.Clone(s.Kwargs)
	}
	for _, m := range s.Members {
		cp.Members = append(cp.Members, m.Clone(nil))
	}
	if s.Body != nil {
		cp.Body = s.Body.Clone(nil)
	}
	for _, l := range s.Links {
		cp.Links = append(cp.Links, l.Clone(nil))
	}
	return cp
}

// Set applies option overrides in place. Valid only before submission;
// composition code uses it to retarget a prepared step. After
// submission use Clone.
func (s *Signature) Set(opts ...Option) {
	s.Options = s.Options.apply(opts...)
}

// Link registers cb as an on-success callback of this signature. The
// worker submits cb with this task's return value prepended to its
// args. Links never fire on failure.
func (s *Signature) Link(cb *Signature) {
	s.Links = append(s.Links, cb)
}

// Normalize returns the canonical form of a signature: the kind is
// made explicit, nested groups are flattened into their parent group,
// and composite members are normalized recursively. Returns an error
// for shapes that cannot describe an invocation (nil signatures,
// composite kinds without members, chords without a body).
func Normalize(s *Signature) (*Signature, error) {
	if s == nil {
		return nil, fmt.Errorf("task: normalize nil signature")
	}
	switch s.KindOf() {
	case KindTask:
		if s.Task == "" {
			return nil, fmt.Errorf("task: signature has no task name")
		}
		if len(s.Members) > 0 || s.Body != nil {
			return nil, fmt.Errorf("task: single signature %q carries members", s.Task)
		}
		if s.Kind == "" {
			cp := *s
			cp.Kind = KindTask
			return &cp, nil
		}
		return s, nil
	case KindGroup:
		if len(s.Members) == 0 {
			return nil, fmt.Errorf("task: group signature has no members")
		}
		cp := *s
		cp.Members = nil
		for _, m := range s.Members {
			nm, err := Normalize(m)
			if err != nil {
				return nil, err
			}
			if nm.KindOf() == KindGroup {
				cp.Members = append(cp.Members, nm.Members...)
				continue
			}
			cp.Members = append(cp.Members, nm)
		}
		return &cp, nil
	case KindChain:
		if len(s.Members) == 0 {
			return nil, fmt.Errorf("task: chain signature has no steps")
		}
		cp := *s
		cp.Members = make([]*Signature, 0, len(s.Members))
		for _, m := range s.Members {
			nm, err := Normalize(m)
			if err != nil {
				return nil, err
			}
			cp.Members = append(cp.Members, nm)
		}
		return &cp, nil
	case KindChord:
		if s.Body == nil {
			return nil, fmt.Errorf("task: chord signature has no body")
		}
		header := s.Header()
		if header == nil {
			return nil, fmt.Errorf("task: chord signature has no header")
		}
		nh, err := Normalize(header)
		if err != nil {
			return nil, err
		}
		if nh.KindOf() != KindGroup {
			// A bare signature header becomes a one-member group.
			nh = &Signature{Kind: KindGroup, Members: []*Signature{nh}}
		}
		nb, err := Normalize(s.Body)
		if err != nil {
			return nil, err
		}
		cp := *s
		cp.Members = []*Signature{nh}
		cp.Body = nb
		return &cp, nil
	default:
		return nil, fmt.Errorf("task: unknown signature kind %q", s.Kind)
	}
}

// Decode unmarshals a wire payload into a Signature.
func Decode(data []byte) (*Signature, error) {
	var s Signature
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("task: decode signature: %w", err)
	}
	return &s, nil
}

// Encode marshals the signature for the wire.
func (s *Signature) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("task: encode signature %q: %w", s.Task, err)
	}
	return data, nil
}
