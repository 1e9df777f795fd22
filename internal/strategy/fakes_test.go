package strategy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/btrfsclone/internal/graph"
	"github.com/deploymenttheory/btrfsclone/internal/staging"
	"github.com/deploymenttheory/btrfsclone/internal/subvolume"
	"github.com/deploymenttheory/btrfsclone/internal/transport"
)

// recordingTransport simulates btrfs receive (by materializing the
// destination directory, exactly like the real receiver would) and
// records every request in send order for assertions on parent/
// clone-source selection.
type recordingTransport struct {
	requests []transport.Request
}

func (r *recordingTransport) SendRecv(ctx context.Context, req transport.Request) error {
	r.requests = append(r.requests, req)
	dest := filepath.Join(req.TargetDir, filepath.Base(req.SourcePath))
	return os.MkdirAll(dest, 0o755)
}

// failingTransport materializes the destination like recordingTransport,
// except for source paths listed in fail, which return a genuine
// transport.TransportError instead -- for exercising --ignore-errors.
type failingTransport struct {
	recordingTransport
	fail map[string]bool
}

func (r *failingTransport) SendRecv(ctx context.Context, req transport.Request) error {
	r.requests = append(r.requests, req)
	if r.fail[req.SourcePath] {
		return &transport.TransportError{Subvolume: req.SourcePath, Err: os.ErrInvalid}
	}
	dest := filepath.Join(req.TargetDir, filepath.Base(req.SourcePath))
	return os.MkdirAll(dest, 0o755)
}

type noopProps struct{}

func (noopProps) SetReadOnly(ctx context.Context, path string, ro bool) error { return nil }
func (noopProps) Move(ctx context.Context, from, to string) error            { return nil }

// newTestEnv wires a real Graph and a real staging.Area (backed by a
// temp dir and the recordingTransport above) so strategies exercise
// their genuine send() -> staging.Send() -> transport.SendRecv() path.
func newTestEnv(t *testing.T, subvols []*subvolume.Subvolume) (*Env, *recordingTransport) {
	t.Helper()
	tr := &recordingTransport{}
	area, err := staging.NewArea(t.TempDir(), "sv_base", subvols, tr, noopProps{})
	require.NoError(t, err)
	return &Env{Graph: graph.New(subvols), SourceMount: "/src", Stage: area}, tr
}

// newIgnoreErrorsEnv is newTestEnv with a failingTransport and
// Env.IgnoreErrors set, for exercising the skip-without-recording path.
func newIgnoreErrorsEnv(t *testing.T, subvols []*subvolume.Subvolume, fail map[string]bool) (*Env, *failingTransport) {
	t.Helper()
	tr := &failingTransport{fail: fail}
	area, err := staging.NewArea(t.TempDir(), "sv_base", subvols, tr, noopProps{})
	require.NoError(t, err)
	return &Env{Graph: graph.New(subvols), SourceMount: "/src", Stage: area, IgnoreErrors: true}, tr
}

// sendOrder returns the Path suffix (relative to /src) of each subvolume
// in the order it was transferred.
func sendOrder(tr *recordingTransport) []string {
	out := make([]string, 0, len(tr.requests))
	for _, r := range tr.requests {
		rel, _ := filepath.Rel("/src", r.SourcePath)
		out = append(out, rel)
	}
	return out
}

// parentOf returns the Path suffix of the send-parent used for the nth
// request, or "" if none was passed.
func parentOf(tr *recordingTransport, area *staging.Area, subvolsByPath map[string]*subvolume.Subvolume, n int) string {
	p := tr.requests[n].Parent
	if p == "" {
		return ""
	}
	for path, sv := range subvolsByPath {
		if area.PathFor(sv) == p {
			return path
		}
	}
	return "?" + p
}

func indexByPath(subvols []*subvolume.Subvolume) map[string]*subvolume.Subvolume {
	m := make(map[string]*subvolume.Subvolume, len(subvols))
	for _, s := range subvols {
		m[s.Path] = s
	}
	return m
}
