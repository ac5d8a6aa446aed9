// Package procstatus resolves process names from the /proc filesystem.
//
// Resolver answers the one question the event pipeline asks per exec event:
// what is this thread group called right now? The answer comes from the
// first line of /proc/<tgid>/status ("Name:\t<comm>").
//
// Processes routinely exit between the kernel notification and the lookup.
// That race is reported as ErrProcessGone so callers can drop the event
// without treating it as a failure.
//
// Scan lists processes that were already running before the connector
// subscription started, for the optional startup sweep.
package procstatus
