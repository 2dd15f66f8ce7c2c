// Package health implements the health prober: HTTP and Script checkers
// behind a common Checker interface, a Status type tracking
// consecutive-failure/success hysteresis, and a per-descriptor Prober
// ticker loop that feeds results back to the lifecycle engine.
package health
