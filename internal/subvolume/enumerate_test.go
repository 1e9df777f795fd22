package subvolume

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRunner answers fixed canned output per invocation for "subvolume
// list" and per-path for "subvolume show", mimicking the real btrfs
// binary without shelling out.
type stubRunner struct {
	list  string
	shows map[string]string // keyed by full path argument
	errOn map[string]error
}

func (s *stubRunner) Output(ctx context.Context, args ...string) ([]byte, error) {
	key := fmt.Sprint(args)
	if err, ok := s.errOn[key]; ok {
		return nil, err
	}
	if len(args) >= 2 && args[0] == "subvolume" && args[1] == "list" {
		return []byte(s.list), nil
	}
	if len(args) >= 3 && args[0] == "subvolume" && args[1] == "show" {
		out, ok := s.shows[args[2]]
		if !ok {
			return nil, fmt.Errorf("no fixture for show %s", args[2])
		}
		return []byte(out), nil
	}
	return nil, fmt.Errorf("unexpected args %v", args)
}

func showFixture(id int, uuidStr, parentUUIDStr, parentID string, gen, ogen int, ro bool) string {
	flags := "-"
	if ro {
		flags = "readonly"
	}
	return fmt.Sprintf(
		"Subvolume ID:\t%d\nParent ID:\t%s\nUUID:\t\t%s\nParent UUID:\t%s\nGeneration:\t%d\nGen at creation:\t%d\nFlags:\t\t%s\n",
		id, parentID, uuidStr, parentUUIDStr, gen, ogen, flags)
}

func TestEnumerate_HappyPath(t *testing.T) {
	aUUID := uuid.New()
	bUUID := uuid.New()

	r := &stubRunner{
		list: "257 10 5 a\n259 12 5 a/b\n",
		shows: map[string]string{
			"/mnt/a":   showFixture(257, aUUID.String(), "-", "5", 10, 10, false),
			"/mnt/a/b": showFixture(259, bUUID.String(), aUUID.String(), "257", 12, 11, true),
		},
	}

	subvols, err := Enumerate(context.Background(), r, "/mnt")
	require.NoError(t, err)
	require.Len(t, subvols, 2)

	assert.Equal(t, 257, subvols[0].ID)
	assert.Equal(t, aUUID, subvols[0].UUID)
	assert.False(t, subvols[0].HasParentUUID())
	assert.False(t, subvols[0].RO)

	assert.Equal(t, 259, subvols[1].ID)
	assert.Equal(t, bUUID, subvols[1].UUID)
	assert.Equal(t, aUUID, subvols[1].ParentUUID)
	assert.True(t, subvols[1].RO)
	assert.True(t, subvols[1].Static())
}

func TestEnumerate_SkipsMalformedLines(t *testing.T) {
	r := &stubRunner{
		list: "ID gen top_level path\n257 10 5 a\n",
		shows: map[string]string{
			"/mnt/a": showFixture(257, uuid.New().String(), "-", "5", 10, 10, false),
		},
	}
	subvols, err := Enumerate(context.Background(), r, "/mnt")
	require.NoError(t, err)
	assert.Len(t, subvols, 1)
}

func TestEnumerate_OrderedByOGenAscending(t *testing.T) {
	u1, u2 := uuid.New(), uuid.New()
	r := &stubRunner{
		list: "300 50 5 newer\n200 10 5 older\n",
		shows: map[string]string{
			"/mnt/newer": showFixture(300, u1.String(), "-", "5", 50, 50, false),
			"/mnt/older": showFixture(200, u2.String(), "-", "5", 10, 10, false),
		},
	}
	subvols, err := Enumerate(context.Background(), r, "/mnt")
	require.NoError(t, err)
	require.Len(t, subvols, 2)
	assert.Equal(t, "older", subvols[0].Path)
	assert.Equal(t, "newer", subvols[1].Path)
}

func TestEnumerate_MissingFieldFailsFatally(t *testing.T) {
	r := &stubRunner{
		list: "257 10 5 a\n",
		shows: map[string]string{
			"/mnt/a": "Subvolume ID:\t257\nUUID:\t\tsomething-not-parseable\n",
		},
	}
	_, err := Enumerate(context.Background(), r, "/mnt")
	require.Error(t, err)
	var enumErr *EnumerationError
	assert.ErrorAs(t, err, &enumErr)
}
