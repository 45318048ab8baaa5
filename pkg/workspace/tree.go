// Package workspace implements the internal workspace effects from spec
// §4.9: a content-addressed, versioned directory tree mutated through
// synchronous effects (resolve, empty_root, list, read_ref, read_bytes,
// write_bytes, remove, annotations_get/set, diff), plus the
// sys/WorkspaceCommit@1 optimistic-concurrency event.
//
// Grounded on the teacher's content-addressed blob store
// (pkg/kernel/blob_store.go) for the "content address is the identity, Store
// is idempotent" shape, generalized from a flat blob map into a Merkle tree
// of directory nodes addressed the way pkg/store addresses any canonical-CBOR
// node, following pkg/kernel/merkle.go's recompute-parent-hashes-on-mutation
// pattern for the write path.
package workspace

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
	"github.com/mindburn-labs/agentkernel/pkg/kernelerrors"
)

// EntryKind is the closed set of workspace entry kinds.
type EntryKind string

const (
	KindFile EntryKind = "file"
	KindDir  EntryKind = "dir"
)

const (
	ModeFile    uint32 = 0644
	ModeExec    uint32 = 0755
	ModeDir     uint32 = 0755
	defaultList int    = 1000
)

// nameRE is the URL-safe alphabet a workspace name or path segment must be
// drawn from.
var nameRE = regexp.MustCompile(`^[A-Za-z0-9._~-]+$`)

// ErrInvalidName rejects a path segment outside the URL-safe alphabet or
// equal to "." or "..".
var ErrInvalidName = kernelerrors.New(kernelerrors.CodeWorkspace, "invalid_name", "workspace name must match [A-Za-z0-9._~-]+ and not be . or ..")

// ErrNotFound is returned when a path does not resolve to any entry.
var ErrNotFound = kernelerrors.New(kernelerrors.CodeWorkspace, "not_found", "workspace path not found")

// ErrNotDir is returned when a path component expected to be a directory is
// a file. ReadBytes also returns it when the path names a directory.
var ErrNotDir = kernelerrors.New(kernelerrors.CodeWorkspace, "not_dir", "workspace path component is not a directory")

// ErrNotEmpty is returned when removing a non-empty directory.
var ErrNotEmpty = kernelerrors.New(kernelerrors.CodeWorkspace, "not_empty", "directory is not empty")

// ErrCorruptTree is returned when a loaded tree node fails the
// sorted-and-deduplicated invariant.
var ErrCorruptTree = kernelerrors.New(kernelerrors.CodeWorkspace, "corrupt_tree", "tree node entries are not sorted and deduplicated by name")

// ValidateName checks a single path segment against the URL-safe alphabet
// and rejects "." and "..".
func ValidateName(name string) error {
	if name == "." || name == ".." {
		return ErrInvalidName.WithPath(name)
	}
	if !nameRE.MatchString(name) {
		return ErrInvalidName.WithPath(name)
	}
	return nil
}

// splitPath splits and validates a "/"-joined path into its segments. An
// empty path yields zero segments (the tree root itself).
func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if err := ValidateName(s); err != nil {
			return nil, err
		}
	}
	return segs, nil
}

// Entry is one child of a directory node.
type Entry struct {
	Name            string         `cbor:"name"`
	Kind            EntryKind      `cbor:"kind"`
	TargetHash      canonical.Hash `cbor:"target_hash"`
	Size            uint64         `cbor:"size"`
	Mode            uint32         `cbor:"mode"`
	AnnotationsHash *canonical.Hash `cbor:"annotations_hash,omitempty"`
}

// Tree is a directory node: its entries, sorted by name ascending, plus an
// optional hash of the directory's own annotation map.
type Tree struct {
	Entries         []Entry        `cbor:"entries"`
	AnnotationsHash *canonical.Hash `cbor:"annotations_hash,omitempty"`
}

// validate checks the sorted-and-deduplicated invariant the spec requires on
// every load, so a hostile or corrupted node fails closed instead of being
// silently reordered.
func (t Tree) validate() error {
	for i := 1; i < len(t.Entries); i++ {
		if t.Entries[i-1].Name >= t.Entries[i].Name {
			return ErrCorruptTree.WithPath(t.Entries[i].Name)
		}
	}
	for _, e := range t.Entries {
		if err := ValidateName(e.Name); err != nil {
			return err
		}
		if e.Kind != KindFile && e.Kind != KindDir {
			return ErrCorruptTree.WithPath(e.Name)
		}
	}
	return nil
}

// withEntry returns a copy of t with e inserted (or replacing an existing
// entry of the same name) in sorted order.
func (t Tree) withEntry(e Entry) Tree {
	out := make([]Entry, 0, len(t.Entries)+1)
	inserted := false
	for _, existing := range t.Entries {
		if !inserted && existing.Name == e.Name {
			out = append(out, e)
			inserted = true
			continue
		}
		if !inserted && existing.Name > e.Name {
			out = append(out, e, existing)
			inserted = true
			continue
		}
		out = append(out, existing)
	}
	if !inserted {
		out = append(out, e)
	}
	return Tree{Entries: out, AnnotationsHash: t.AnnotationsHash}
}

// withoutEntry returns a copy of t with the entry named name removed.
func (t Tree) withoutEntry(name string) Tree {
	out := make([]Entry, 0, len(t.Entries))
	for _, existing := range t.Entries {
		if existing.Name != name {
			out = append(out, existing)
		}
	}
	return Tree{Entries: out, AnnotationsHash: t.AnnotationsHash}
}

func (t Tree) get(name string) (Entry, bool) {
	for _, e := range t.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// ByteRange is a half-open [Start, End) byte range into a blob. A zero value
// (End == 0) means "to the end".
type ByteRange struct {
	Start uint64
	End   uint64
}

func (r ByteRange) apply(b []byte) ([]byte, error) {
	if r.Start == 0 && r.End == 0 {
		return b, nil
	}
	end := r.End
	if end == 0 || end > uint64(len(b)) {
		end = uint64(len(b))
	}
	if r.Start > end {
		return nil, fmt.Errorf("workspace: invalid byte range [%d,%d) over %d bytes", r.Start, r.End, len(b))
	}
	return b[r.Start:end], nil
}

// Diff is one change between two trees.
type Diff struct {
	Path    string
	Kind    string // "added", "removed", "modified"
	OldHash *canonical.Hash
	NewHash *canonical.Hash
}

// ListScope selects whether List walks only the immediate directory or
// recurses into the whole subtree.
type ListScope string

const (
	ScopeDir     ListScope = "dir"
	ScopeSubtree ListScope = "subtree"
)

// ListEntry is one row of a List result, carrying the full path from the
// list root.
type ListEntry struct {
	Path string
	Entry
}
