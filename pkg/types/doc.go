// Package types defines the process descriptor and runtime state records
// shared by every core component. ProcessDescriptor is a supervised
// logical process's launch configuration (script, args, env, restart
// policy, health check, port request); RuntimeState is the mutable
// record of what that descriptor is actually doing right now (status,
// pid, restart counters, last-observed resource usage). The two are
// joined by a stable descriptor ID rather than embedded in one another,
// so the allocator, spawner, lifecycle engine, health prober, resource
// monitor, registry, and persistence layer can each hold just the half
// they need.
package types
