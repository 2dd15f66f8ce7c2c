// Package events is an in-memory, non-blocking pub/sub bus for
// process-lifecycle notifications: every status transition, restart, and
// health-status change the registry produces is published here for
// external collaborators (cmd/pmdaemond's /events SSE stream, future
// log tailers and webhooks) to subscribe to, without coupling them to
// the registry's internals. Subscriptions may be filtered to a set of
// EventTypes via SubscribeTo so a consumer only pays channel traffic
// for the kinds it cares about.
package events
