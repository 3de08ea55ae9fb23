// Package crawler implements the fetch orchestration engine: URL
// canonicalization, retry policies, run statistics and the Engine that turns
// a batch of URLs into one terminal result per input under a concurrency
// budget, a response cache and a memory watchdog.
package crawler
