// Package queue defines per-queue rate limiting and concurrency caps
// for the worker pool.
//
// Queues are named channels that group related tasks. Signatures carry
// a queue option that determines which queue they route to. The worker
// consumes the queues it was configured with (default: ["canvas"]).
//
// # Per-Queue Configuration
//
// Use [Config] to set per-queue rate limits and concurrency caps:
//
//	queue.Config{
//	    Name:           "email",
//	    MaxConcurrency: 5,      // max 5 concurrent email tasks
//	    RateLimit:      10,     // max 10 tasks/s dequeued from this queue
//	    RateBurst:      20,     // allow bursts up to 20
//	}
//
// # Manager
//
// [Manager] enforces per-queue limits at dequeue time. It uses a
// token-bucket rate limiter (golang.org/x/time/rate) and an
// active-count gate for concurrency limits.
//
//	m := queue.NewManager(configs...)
//	if m.Acquire(queueName) {
//	    defer m.Release(queueName)
//	    // process the task
//	}
//
// Queues without a [Config] have no limits beyond the pool-wide concurrency.
package queue
