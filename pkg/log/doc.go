/*
Package log wraps zerolog with a package-level global logger configured
once at node startup via Init, plus component-scoped child loggers
(WithComponent, WithRepo, WithPeer, WithView, WithRun) used throughout
the node's subsystems.
*/
package log
