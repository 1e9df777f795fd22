// Package transport executes a send of a subvolume with given
// parent/clone-source flags into a receive at a target directory. It is
// the external interface to the FS utility binary; the core's strategy
// and staging logic depend only on the Transport interface, never on
// exec.Command directly.
package transport

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/btrfsclone/internal/subvolume"
)

// TransportError reports that the sender or receiver child process
// exited non-zero.
type TransportError struct {
	Subvolume string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("send/receive failed for %s: %v", e.Subvolume, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Request describes one send/receive invocation.
type Request struct {
	// SourcePath is the absolute path of the subvolume to send.
	SourcePath string
	// TargetDir is the directory the receiver writes into; the
	// received subvolume appears at TargetDir/basename(SourcePath).
	TargetDir string
	// Parent is the absolute path of the send parent, if any.
	Parent string
	// CloneSources are absolute paths of additional clone-source
	// references, de-duplicated by the caller.
	CloneSources []string
	// LogName, when non-empty, is used to derive the gzip'd
	// send/receive log file names (see --log-compresslevel).
	LogName string
}

// Transport streams data from a sender process into a receiver process
// without buffering the entire stream, and reports success or a
// TransportError.
type Transport interface {
	SendRecv(ctx context.Context, req Request) error
}

// ExecTransport pipes a "<bin> send" child directly into a "<bin>
// receive" child, matching the source tool's Popen/stdout-to-stdin
// wiring.
type ExecTransport struct {
	Bin             string
	Verbose         int
	DryRun          bool
	LogCompressLvl  int
	WriteLogsToDisk bool
}

// NewExecTransport returns an ExecTransport for the given FS utility
// binary, defaulting to "btrfs".
func NewExecTransport(bin string) *ExecTransport {
	if bin == "" {
		bin = "btrfs"
	}
	return &ExecTransport{Bin: bin, LogCompressLvl: gzip.DefaultCompression}
}

func (t *ExecTransport) verboseFlags() []string {
	flags := make([]string, 0, t.Verbose)
	for i := 0; i < t.Verbose; i++ {
		flags = append(flags, "-v")
	}
	return flags
}

func (t *ExecTransport) SendRecv(ctx context.Context, req Request) error {
	sendArgs := append([]string{"send"}, t.verboseFlags()...)
	if req.Parent != "" {
		sendArgs = append(sendArgs, "-p", req.Parent)
	}
	for _, cs := range dedup(req.CloneSources) {
		sendArgs = append(sendArgs, "-c", cs)
	}
	sendArgs = append(sendArgs, req.SourcePath)

	recvArgs := append([]string{"receive"}, t.verboseFlags()...)
	recvArgs = append(recvArgs, req.TargetDir)

	logrus.Debugf("executing command: %s %s | %s %s",
		t.Bin, strings.Join(sendArgs, " "), t.Bin, strings.Join(recvArgs, " "))

	if t.DryRun {
		return nil
	}

	sendLog, sendLogClose, err := t.openLog(req.LogName, "send")
	if err != nil {
		return err
	}
	defer sendLogClose()
	recvLog, recvLogClose, err := t.openLog(req.LogName, "recv")
	if err != nil {
		return err
	}
	defer recvLogClose()

	sendCmd := exec.CommandContext(ctx, t.Bin, sendArgs...)
	recvCmd := exec.CommandContext(ctx, t.Bin, recvArgs...)
	sendCmd.Stderr = sendLog
	recvCmd.Stderr = recvLog

	pipe, err := sendCmd.StdoutPipe()
	if err != nil {
		return &TransportError{Subvolume: req.SourcePath, Err: fmt.Errorf("creating send pipe: %w", err)}
	}
	recvCmd.Stdin = pipe

	if err := sendCmd.Start(); err != nil {
		return &TransportError{Subvolume: req.SourcePath, Err: fmt.Errorf("starting send: %w", err)}
	}
	if err := recvCmd.Start(); err != nil {
		return &TransportError{Subvolume: req.SourcePath, Err: fmt.Errorf("starting receive: %w", err)}
	}

	recvErr := recvCmd.Wait()
	sendErr := sendCmd.Wait()
	if sendErr != nil || recvErr != nil {
		return &TransportError{
			Subvolume: req.SourcePath,
			Err:       fmt.Errorf("send error=%v receive error=%v", sendErr, recvErr),
		}
	}
	return nil
}

// openLog returns a writer for the given phase ("send" or "recv"). When
// the transport is not configured to persist logs, it returns io.Discard.
// Otherwise it mirrors the source tool's btrfs-<phase>-<name>.log.gz
// naming, gzipped at LogCompressLvl.
func (t *ExecTransport) openLog(name, phase string) (io.Writer, func(), error) {
	if !t.WriteLogsToDisk || name == "" {
		return io.Discard, func() {}, nil
	}
	safe := strings.ReplaceAll(name, "/", "-")
	path := filepath.Join(".", fmt.Sprintf("btrfs-%s-%s.log.gz", phase, safe))
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("creating log %s: %w", path, err)
	}
	gz, err := gzip.NewWriterLevel(f, t.LogCompressLvl)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("creating gzip writer for %s: %w", path, err)
	}
	return gz, func() { gz.Close(); f.Close() }, nil
}

func dedup(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// LogNameFor derives the send/receive log base name for a subvolume,
// matching the original tool's path.replace("/", "-") scheme.
func LogNameFor(s *subvolume.Subvolume) string {
	return strings.ReplaceAll(s.Path, "/", "-")
}
