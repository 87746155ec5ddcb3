//go:build !synctest

// Package testutil provides sync points for deterministic concurrency tests.
//
// This file provides no-op stubs for builds without the synctest tag.
// To enable sync points, build with: go test -tags synctest
package testutil

// SP is a no-op without the synctest tag.
func SP(_ string) error { return nil }

// EnableSyncPoints is a no-op without the synctest tag.
func EnableSyncPoints() *SyncPointManager { return nil }

// DisableSyncPoints is a no-op without the synctest tag.
func DisableSyncPoints() {}

// SyncPointManager is a stub type; the real one needs -tags synctest.
type SyncPointManager struct{}
