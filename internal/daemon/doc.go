// Package daemon hosts the long-running docpiped process: the workflow
// manager, the HTTP status API, and the lock file that keeps deployments
// to one instance per data directory.
package daemon
