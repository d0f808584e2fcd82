// Package task defines the Signature — the immutable-content
// description of one task invocation — and the registry of handler
// functions that execute signatures.
//
// A Signature records which task to run, its positional and keyword
// arguments, and execution options. Signatures are never mutated once
// submitted; Clone produces modified copies. Composite signatures
// (groups, chains, chords) use a closed set of kinds with explicit
// constructors rather than runtime type inspection.
package task
