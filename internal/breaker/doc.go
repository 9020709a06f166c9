// Package breaker provides per-provider circuit breaking for calls to
// unreliable external dependencies.
//
// A Registry tracks failure history per provider key and decides whether
// calls are currently admitted. An Executor wraps a unit of work with that
// admission control plus optional fallback.
package breaker
