package subvolume

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EnumerationError reports that a required field was missing from source
// metadata, or held an unparseable value, while building the subvolume set. It is fatal: enumeration
// aborts rather than returning a partial, unreliable graph.
type EnumerationError struct {
	Line string
	Attr string
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("subvolume enumeration: %q missing required field %q", e.Line, e.Attr)
}

// Runner executes the FS utility binary and captures its stdout. Real
// invocations use exec.Command; tests substitute a stub.
type Runner interface {
	Output(ctx context.Context, args ...string) ([]byte, error)
}

// ExecRunner shells out to the named FS utility binary (normally "btrfs",
// overridable the way the source respects $BTRFS).
type ExecRunner struct {
	Bin string
}

// NewExecRunner returns a Runner for the given binary name, defaulting to
// "btrfs" when empty.
func NewExecRunner(bin string) *ExecRunner {
	if bin == "" {
		bin = "btrfs"
	}
	return &ExecRunner{Bin: bin}
}

func (r *ExecRunner) Output(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.Bin, args...)
	logrus.Debugf("executing command: %v", cmd.Args)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", r.Bin, strings.Join(args, " "), err)
	}
	return out, nil
}

// Enumerate produces the full set of source subvolumes under mnt, ordered
// by OGen ascending (stable initial order), by running "subvolume list"
// followed by one "subvolume show" per surviving line.
func Enumerate(ctx context.Context, r Runner, mnt string) ([]*Subvolume, error) {
	listOut, err := r.Output(ctx, "subvolume", "list", "-t", "--sort=ogen", mnt)
	if err != nil {
		return nil, fmt.Errorf("listing subvolumes under %s: %w", mnt, err)
	}

	var subvols []*Subvolume
	sc := bufio.NewScanner(strings.NewReader(string(listOut)))
	for sc.Scan() {
		line := sc.Text()
		id, path, ok := parseListLine(line)
		if !ok {
			// Malformed or header line: skip, per spec's "parsing
			// failures on individual lines are skipped".
			continue
		}
		showOut, err := r.Output(ctx, "subvolume", "show", mnt+"/"+path)
		if err != nil {
			return nil, fmt.Errorf("showing subvolume %d (%s): %w", id, path, err)
		}
		sv, err := parseShow(id, path, showOut)
		if err != nil {
			return nil, err
		}
		subvols = append(subvols, sv)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading subvolume list output: %w", err)
	}

	sort.SliceStable(subvols, func(i, j int) bool { return subvols[i].OGen < subvols[j].OGen })
	return subvols, nil
}

// parseListLine extracts the id and path from one line of
// "btrfs subvolume list -t", whose columns are ID, gen, top level, path.
func parseListLine(line string) (id int, path string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return 0, "", false
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, "", false
	}
	return n, fields[3], true
}

// parseShow parses the colon-separated "btrfs subvolume show" output for
// one subvolume into a Subvolume record.
func parseShow(id int, path string, out []byte) (*Subvolume, error) {
	sv := &Subvolume{ID: id, Path: path}
	seen := map[string]bool{}

	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		k, v, ok := splitKV(sc.Text())
		if !ok {
			continue
		}
		switch k {
		case "UUID":
			u, err := uuid.Parse(v)
			if err != nil {
				return nil, &EnumerationError{Line: v, Attr: "UUID"}
			}
			sv.UUID = u
			seen["uuid"] = true
		case "Parent UUID":
			if v != "-" && v != "" {
				u, err := uuid.Parse(v)
				if err != nil {
					return nil, &EnumerationError{Line: v, Attr: "Parent UUID"}
				}
				sv.ParentUUID = u
			}
			seen["parent_uuid"] = true
		case "Parent ID":
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, &EnumerationError{Line: v, Attr: "Parent ID"}
			}
			sv.ParentID = n
			seen["parent_id"] = true
		case "Generation":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, &EnumerationError{Line: v, Attr: "Generation"}
			}
			sv.Gen = n
			seen["gen"] = true
		case "Gen at creation":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, &EnumerationError{Line: v, Attr: "Gen at creation"}
			}
			sv.OGen = n
			seen["ogen"] = true
		case "Flags":
			sv.RO = strings.Contains(v, "readonly")
			seen["ro"] = true
		}
	}

	for _, attr := range []string{"uuid", "parent_uuid", "parent_id", "gen", "ogen", "ro"} {
		if !seen[attr] {
			return nil, &EnumerationError{Line: path, Attr: attr}
		}
	}
	return sv, nil
}

func splitKV(line string) (key, val string, ok bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}
