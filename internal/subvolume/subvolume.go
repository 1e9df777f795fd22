// Package subvolume defines the value objects describing one source
// subvolume and its metadata, as reported by the FS utility's subvolume
// listing.
package subvolume

import (
	"fmt"

	"github.com/google/uuid"
)

// TopLevelID is the identifier of the unnameable top-of-filesystem
// pseudo-subvolume.
const TopLevelID = 5

// Subvolume is an immutable snapshot of FS metadata for one source
// subvolume. Instances are produced once by enumeration and never mutated
// afterward; the read-only guard toggles the on-disk property, not RO.
type Subvolume struct {
	// Path is the tree-position path relative to the source mount.
	Path string
	// ID is the integer identifier, unique within the source FS.
	ID int
	// ParentID is the identifier of the enclosing subvolume in the
	// directory tree (not the snapshot lineage).
	ParentID int
	// UUID is the stable identity of this subvolume.
	UUID uuid.UUID
	// ParentUUID is the origin subvolume of the snapshot lineage. The
	// zero UUID means absent: not a snapshot, or the origin was deleted.
	ParentUUID uuid.UUID
	// Gen is the current transaction generation.
	Gen int64
	// OGen is the generation at creation.
	OGen int64
	// RO reports whether the subvolume was read-only at enumeration
	// time. It keeps that value while the guard holds the source
	// read-only.
	RO bool
}

// HasParentUUID reports whether this subvolume records an origin UUID.
// It does not check that the origin still exists; graph queries treat an
// origin missing from the graph as absent.
func (s *Subvolume) HasParentUUID() bool {
	return s.ParentUUID != uuid.Nil
}

// Static reports whether the subvolume is effectively untouched since
// creation -- typically a read-only snapshot that nothing has written to.
func (s *Subvolume) Static() bool {
	return s.Gen-s.OGen <= 1
}

// String mirrors the source tool's terse one-line subvolume
// identification, e.g. for log lines and error messages.
func (s *Subvolume) String() string {
	return fmt.Sprintf("subvol %d at %q", s.ID, s.Path)
}

// DebugString is the verbose diagnostic dump used at high verbosity when
// a strategy selects this subvolume as a send parent.
func (s *Subvolume) DebugString() string {
	return fmt.Sprintf("subvol %d gen %d->%d %s UUID=%s ro=%v\n\tParent: %d %s",
		s.ID, s.OGen, s.Gen, s.Path, s.UUID, s.RO, s.ParentID, s.ParentUUID)
}
