// Package worker provides the alternate-b engine: the application runs in a
// child process that serves a listener inherited from the supervisor.
//
// The supervisor binds the address once and keeps the socket open across
// restarts, so connections arriving while a worker is being replaced wait in
// the accept queue instead of being refused. The engine cannot swap code in
// place; every code change is a full restart. SIGHUP asks a worker to reload
// its schema; the worker answers on the status pipe it also uses to report
// readiness.
//
// The engine is only available on Unix-like systems.
package worker
