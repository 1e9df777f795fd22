package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/btrfsclone/internal/transport"
)

type fakeSnapshotter struct {
	snapPath   string
	deleted    []string
	snapErr    error
	deleteErr  error
	deleteCall int
}

func (f *fakeSnapshotter) Snapshot(ctx context.Context, srcMount, name string) (string, error) {
	if f.snapErr != nil {
		return "", f.snapErr
	}
	return filepath.Join(srcMount, name), nil
}

func (f *fakeSnapshotter) Delete(ctx context.Context, path string) error {
	f.deleteCall++
	f.deleted = append(f.deleted, path)
	return f.deleteErr
}

type fakeTransport struct{ received string }

func (f *fakeTransport) SendRecv(ctx context.Context, req transport.Request) error {
	f.received = req.TargetDir
	return nil
}

type fakeProps struct{ roFlips []string }

func (f *fakeProps) SetReadOnly(ctx context.Context, path string, ro bool) error {
	f.roFlips = append(f.roFlips, path)
	return nil
}
func (f *fakeProps) Move(ctx context.Context, from, to string) error { return os.Rename(from, to) }

func TestRun_PromotesEntriesAndDeletesEmptySnapshot(t *testing.T) {
	srcMount := t.TempDir()
	tgtMount := t.TempDir()

	snap := &fakeSnapshotter{}
	tr := &fakeTransport{}
	props := &fakeProps{}

	// Wrap the fake transport to materialize the received snapshot dir
	// with two child entries, matching spec.md scenario 5.
	materializing := &materializingTransport{fakeTransport: tr}

	res, cleanup, err := Run(context.Background(), Options{
		SourceMount: srcMount,
		TargetMount: tgtMount,
		Promote:     true,
	}, snap, materializing, props)
	require.NoError(t, err)

	assert.True(t, res.Promoted)
	assert.Equal(t, tgtMount, res.BaseDir)
	assert.DirExists(t, filepath.Join(tgtMount, "X"))
	assert.DirExists(t, filepath.Join(tgtMount, "Y"))
	assert.NoDirExists(t, filepath.Join(tgtMount, materializing.snapshotName))

	cleanup()
	require.Len(t, snap.deleted, 1)
	assert.Equal(t, filepath.Join(srcMount, materializing.snapshotName), snap.deleted[0])
}

func TestRun_KeepsNamedSnapshotWhenPromoteDisabled(t *testing.T) {
	srcMount := t.TempDir()
	tgtMount := t.TempDir()

	snap := &fakeSnapshotter{}
	tr := &fakeTransport{}
	props := &fakeProps{}
	materializing := &materializingTransport{fakeTransport: tr}

	res, cleanup, err := Run(context.Background(), Options{
		SourceMount: srcMount,
		TargetMount: tgtMount,
		Promote:     false,
	}, snap, materializing, props)
	require.NoError(t, err)
	defer cleanup()

	assert.False(t, res.Promoted)
	assert.Equal(t, filepath.Join(tgtMount, res.SnapshotName), res.BaseDir)
	assert.DirExists(t, res.BaseDir)
}

// materializingTransport wraps fakeTransport and, on SendRecv, creates
// the received snapshot directory with two ordinary entries -- standing
// in for what the real "btrfs receive" side effect would leave on disk.
type materializingTransport struct {
	*fakeTransport
	snapshotName string
}

func (m *materializingTransport) SendRecv(ctx context.Context, req transport.Request) error {
	if err := m.fakeTransport.SendRecv(ctx, req); err != nil {
		return err
	}
	m.snapshotName = filepath.Base(req.SourcePath)
	dest := filepath.Join(req.TargetDir, m.snapshotName)
	if err := os.MkdirAll(filepath.Join(dest, "X"), 0o755); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(dest, "Y"), 0o755)
}
