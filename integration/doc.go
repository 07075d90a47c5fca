//go:build integration

// Package integration holds tests that load assets from a real OCI
// registry.
//
// These tests require Docker and spin up a registry using testcontainers.
// Run with: go test -tags=integration ./integration/...
package integration
