// Package result provides id-keyed handles to task outcomes stored in
// an external result backend, and the Backend contract the composition
// layer requires from that backend.
//
// An AsyncResult references one invocation's eventual outcome; a
// GroupResult is an ordered collection of AsyncResults for a fan-out.
// Handles are cheap: many may reference the same backing record, and
// the backend owns the actual value.
package result
