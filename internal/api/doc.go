// Package api exposes read and control operations over the ledger as
// stable view types, shared by the CLI commands and the daemon's HTTP
// endpoints so both render the same picture of a run.
package api
