/*
Package indexmirrord is a daemon that mirrors a package-index git repository
and serves it over HTTP.

indexmirrord keeps a local clone of a sparse-index repository (such as the
crates.io index) up to date on a fixed interval and serves the per-package
metadata files to package-manager clients, so that they can resolve metadata
without reaching the upstream host. Every response is served from one
complete, consistent snapshot of the repository; an in-flight refresh is
never observable by clients.

The main packages are:

	github.com/indexmirror/indexmirrord/internal/git     - Narrow VCS capability (clone, fetch, export) backed by go-git
	github.com/indexmirror/indexmirrord/internal/mirror  - Mirror state, refresh scheduling, and the HTTP index server
	github.com/indexmirror/indexmirrord/cmd/indexmirrord - Command-line interface
*/
package indexmirrord
