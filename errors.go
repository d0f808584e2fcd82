package canvas

import "errors"

var (
	// Registry errors.
	ErrTaskNotRegistered = errors.New("canvas: task not registered")

	// Composition errors.
	ErrEmptyGroup = errors.New("canvas: group has no members")
	ErrEmptyChain = errors.New("canvas: chain has no steps")
	ErrIsGroup    = errors.New("canvas: signature is a group, use ApplyGroupAsync")

	// Chord errors.
	ErrChordTimeout = errors.New("canvas: chord header did not complete within the retry budget")
)
