package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/btrfsclone/internal/rootmount"
)

func newTestOrchestrator(t *testing.T, force bool) (*Orchestrator, *int) {
	t.Helper()
	sleepCalls := 0
	o := &Orchestrator{
		Opts:    Options{Force: force, ForceAbort: time.Millisecond},
		isatty:  func(uintptr) bool { return false },
		sleeper: func(time.Duration) { sleepCalls++ },
	}
	return o, &sleepCalls
}

func TestPreflight_SameUUIDFatalWithoutForce(t *testing.T) {
	tgt := t.TempDir()
	o, _ := newTestOrchestrator(t, false)
	src := &rootmount.Mounted{FSUUID: "same", Path: t.TempDir()}
	dst := &rootmount.Mounted{FSUUID: "same", Path: tgt}

	err := o.preflight(context.Background(), src, dst)
	require.Error(t, err)
	var conflict *PreflightConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestPreflight_NonEmptyTargetFatalWithoutForce(t *testing.T) {
	tgt := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tgt, "existing"), nil, 0o644))

	o, _ := newTestOrchestrator(t, false)
	src := &rootmount.Mounted{FSUUID: "a", Path: t.TempDir()}
	dst := &rootmount.Mounted{FSUUID: "b", Path: tgt}

	err := o.preflight(context.Background(), src, dst)
	require.Error(t, err)
	var conflict *PreflightConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestPreflight_ForceOverridesAfterAbortWindow(t *testing.T) {
	tgt := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tgt, "existing"), nil, 0o644))

	o, sleepCalls := newTestOrchestrator(t, true)
	src := &rootmount.Mounted{FSUUID: "a", Path: t.TempDir()}
	dst := &rootmount.Mounted{FSUUID: "b", Path: tgt}

	err := o.preflight(context.Background(), src, dst)
	require.NoError(t, err)
	assert.Greater(t, *sleepCalls, 0)
}

func TestPreflight_CleanTargetSucceedsWithoutSleeping(t *testing.T) {
	o, sleepCalls := newTestOrchestrator(t, false)
	src := &rootmount.Mounted{FSUUID: "a", Path: t.TempDir()}
	dst := &rootmount.Mounted{FSUUID: "b", Path: t.TempDir()}

	err := o.preflight(context.Background(), src, dst)
	require.NoError(t, err)
	assert.Equal(t, 0, *sleepCalls)
}
