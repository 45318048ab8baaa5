package workspace

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
	"github.com/mindburn-labs/agentkernel/pkg/kernelerrors"
	"github.com/mindburn-labs/agentkernel/pkg/store"
)

// ErrHeadMismatch is returned by Commit when expected_head is set and
// disagrees with the workspace's current head (optimistic concurrency).
var ErrHeadMismatch = kernelerrors.New(kernelerrors.CodeWorkspace, "head_mismatch", "workspace commit expected_head does not match current head")

// ErrUnknownWorkspace is returned by Resolve for a name with no commits.
var ErrUnknownWorkspace = kernelerrors.New(kernelerrors.CodeWorkspace, "unknown_workspace", "workspace has no committed root")

// CommitMeta is the per-commit metadata carried by sys/WorkspaceCommit@1.
type CommitMeta struct {
	RootHash  canonical.Hash
	Owner     string
	CreatedAt int64
}

// commitRecord is one entry in a workspace's version history.
type commitRecord struct {
	version uint64
	root    canonical.Hash
	meta    CommitMeta
}

// Manager tracks the named, versioned heads over a shared content-addressed
// store and implements the workspace.* effect operations from spec §4.9.
// All mutating operations are pure functions from (root hash) to (new root
// hash); Manager only owns the name -> head mapping that Commit advances.
type Manager struct {
	Store store.Store

	mu      sync.Mutex
	history map[string][]commitRecord
}

// NewManager creates an empty workspace manager over st.
func NewManager(st store.Store) *Manager {
	return &Manager{Store: st, history: make(map[string][]commitRecord)}
}

// ResolveResult is the outcome of Resolve.
type ResolveResult struct {
	Exists   bool
	Version  uint64
	RootHash canonical.Hash
}

// Resolve looks up a workspace by name. If version is nil, the current head
// is returned; otherwise the specific historical version is returned if it
// was ever committed.
func (m *Manager) Resolve(name string, version *uint64) ResolveResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.history[name]
	if len(recs) == 0 {
		return ResolveResult{}
	}
	if version == nil {
		last := recs[len(recs)-1]
		return ResolveResult{Exists: true, Version: last.version, RootHash: last.root}
	}
	for _, r := range recs {
		if r.version == *version {
			return ResolveResult{Exists: true, Version: r.version, RootHash: r.root}
		}
	}
	return ResolveResult{}
}

// EmptyRoot stores (idempotently) and returns the hash of an empty directory
// node, the seed root for a fresh workspace.
func (m *Manager) EmptyRoot(ctx context.Context) (canonical.Hash, error) {
	return m.Store.PutNode(ctx, Tree{})
}

// loadTree fetches and validates the tree node at h.
func (m *Manager) loadTree(ctx context.Context, h canonical.Hash) (Tree, error) {
	var t Tree
	if err := m.Store.GetNode(ctx, h, &t); err != nil {
		return Tree{}, err
	}
	if err := t.validate(); err != nil {
		return Tree{}, err
	}
	return t, nil
}

// walk resolves path under root, returning the sequence of (tree, entry)
// pairs from the root down to the final component. The last entry's Kind
// tells the caller whether the path names a file or a directory.
type walkStep struct {
	treeHash canonical.Hash
	tree     Tree
	entry    Entry // the entry within tree that the next step descends through
}

func (m *Manager) walk(ctx context.Context, root canonical.Hash, segs []string) ([]walkStep, error) {
	steps := make([]walkStep, 0, len(segs))
	cur := root
	for _, name := range segs {
		t, err := m.loadTree(ctx, cur)
		if err != nil {
			return nil, err
		}
		e, ok := t.get(name)
		if !ok {
			return nil, ErrNotFound.WithPath(name)
		}
		steps = append(steps, walkStep{treeHash: cur, tree: t, entry: e})
		cur = e.TargetHash
	}
	return steps, nil
}

// RefResult is what ReadRef resolves a path to, without reading blob bytes.
type RefResult struct {
	Kind       EntryKind
	TargetHash canonical.Hash
	Size       uint64
	Mode       uint32
}

// ReadRef resolves path under root to its entry, without reading bytes.
func (m *Manager) ReadRef(ctx context.Context, root canonical.Hash, path string) (RefResult, error) {
	segs, err := splitPath(path)
	if err != nil {
		return RefResult{}, err
	}
	if len(segs) == 0 {
		return RefResult{Kind: KindDir, TargetHash: root}, nil
	}
	steps, err := m.walk(ctx, root, segs)
	if err != nil {
		return RefResult{}, err
	}
	last := steps[len(steps)-1].entry
	return RefResult{Kind: last.Kind, TargetHash: last.TargetHash, Size: last.Size, Mode: last.Mode}, nil
}

// ReadBytes reads a file's content, optionally restricted to rng.
func (m *Manager) ReadBytes(ctx context.Context, root canonical.Hash, path string, rng ByteRange) ([]byte, error) {
	ref, err := m.ReadRef(ctx, root, path)
	if err != nil {
		return nil, err
	}
	if ref.Kind != KindFile {
		return nil, ErrNotDir.WithPath(path)
	}
	b, err := m.Store.GetBlob(ctx, ref.TargetHash)
	if err != nil {
		return nil, err
	}
	return rng.apply(b)
}

// ListResult is a page of List's output.
type ListResult struct {
	Entries []ListEntry
	Cursor  string // empty when exhausted
}

// List returns entries under path (or the root if path is empty), sorted by
// full path. scope == ScopeSubtree recurses; cursor/limit paginate.
func (m *Manager) List(ctx context.Context, root canonical.Hash, path string, scope ListScope, cursor string, limit int) (ListResult, error) {
	if limit <= 0 {
		limit = defaultList
	}
	ref, err := m.ReadRef(ctx, root, path)
	if err != nil {
		return ListResult{}, err
	}
	if ref.Kind != KindDir {
		return ListResult{}, ErrNotDir.WithPath(path)
	}

	all, err := m.collect(ctx, ref.TargetHash, path, scope)
	if err != nil {
		return ListResult{}, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Path < all[j].Path })

	start := 0
	if cursor != "" {
		start = sort.Search(len(all), func(i int) bool { return all[i].Path > cursor })
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	page := all[start:end]
	next := ""
	if end < len(all) {
		next = page[len(page)-1].Path
	}
	return ListResult{Entries: page, Cursor: next}, nil
}

func (m *Manager) collect(ctx context.Context, dirHash canonical.Hash, prefix string, scope ListScope) ([]ListEntry, error) {
	t, err := m.loadTree(ctx, dirHash)
	if err != nil {
		return nil, err
	}
	out := make([]ListEntry, 0, len(t.Entries))
	for _, e := range t.Entries {
		p := joinPath(prefix, e.Name)
		out = append(out, ListEntry{Path: p, Entry: e})
		if scope == ScopeSubtree && e.Kind == KindDir {
			children, err := m.collect(ctx, e.TargetHash, p, scope)
			if err != nil {
				return nil, err
			}
			out = append(out, children...)
		}
	}
	return out, nil
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// WriteResult is the outcome of WriteBytes.
type WriteResult struct {
	NewRoot  canonical.Hash
	BlobHash canonical.Hash
}

// WriteBytes stores content as a blob and rewrites every directory from path's
// parent up to the root with the new entry inserted in sorted order.
func (m *Manager) WriteBytes(ctx context.Context, root canonical.Hash, path string, content []byte, mode uint32) (WriteResult, error) {
	segs, err := splitPath(path)
	if err != nil {
		return WriteResult{}, err
	}
	if len(segs) == 0 {
		return WriteResult{}, fmt.Errorf("workspace: write_bytes path must name a file, got empty path")
	}
	if mode == 0 {
		mode = ModeFile
	}

	blobHash, err := m.Store.PutBlob(ctx, content)
	if err != nil {
		return WriteResult{}, err
	}
	leaf := Entry{Name: segs[len(segs)-1], Kind: KindFile, TargetHash: blobHash, Size: uint64(len(content)), Mode: mode}

	newRoot, err := m.rewritePath(ctx, root, segs, leaf)
	if err != nil {
		return WriteResult{}, err
	}
	return WriteResult{NewRoot: newRoot, BlobHash: blobHash}, nil
}

// rewritePath replaces the entry at segs (relative to root) with leaf,
// creating any missing intermediate directories, and returns the new root
// hash after rehashing every ancestor directory node.
func (m *Manager) rewritePath(ctx context.Context, root canonical.Hash, segs []string, leaf Entry) (canonical.Hash, error) {
	if len(segs) == 1 {
		t, err := m.loadTree(ctx, root)
		if err != nil {
			return canonical.Hash{}, err
		}
		return m.Store.PutNode(ctx, t.withEntry(leaf))
	}

	t, err := m.loadTree(ctx, root)
	if err != nil {
		return canonical.Hash{}, err
	}
	name := segs[0]
	childRoot := canonical.Hash{}
	if e, ok := t.get(name); ok {
		if e.Kind != KindDir {
			return canonical.Hash{}, ErrNotDir.WithPath(name)
		}
		childRoot = e.TargetHash
	} else {
		childRoot, err = m.EmptyRoot(ctx)
		if err != nil {
			return canonical.Hash{}, err
		}
	}

	newChildRoot, err := m.rewritePath(ctx, childRoot, segs[1:], leaf)
	if err != nil {
		return canonical.Hash{}, err
	}
	return m.Store.PutNode(ctx, t.withEntry(Entry{Name: name, Kind: KindDir, TargetHash: newChildRoot, Mode: ModeDir}))
}

// Remove deletes a file or empty directory at path, returning the new root.
func (m *Manager) Remove(ctx context.Context, root canonical.Hash, path string) (canonical.Hash, error) {
	segs, err := splitPath(path)
	if err != nil {
		return canonical.Hash{}, err
	}
	if len(segs) == 0 {
		return canonical.Hash{}, fmt.Errorf("workspace: remove path must be non-empty")
	}
	ref, err := m.ReadRef(ctx, root, path)
	if err != nil {
		return canonical.Hash{}, err
	}
	if ref.Kind == KindDir {
		children, err := m.loadTree(ctx, ref.TargetHash)
		if err != nil {
			return canonical.Hash{}, err
		}
		if len(children.Entries) > 0 {
			return canonical.Hash{}, ErrNotEmpty.WithPath(path)
		}
	}
	return m.removePath(ctx, root, segs)
}

func (m *Manager) removePath(ctx context.Context, root canonical.Hash, segs []string) (canonical.Hash, error) {
	t, err := m.loadTree(ctx, root)
	if err != nil {
		return canonical.Hash{}, err
	}
	if len(segs) == 1 {
		return m.Store.PutNode(ctx, t.withoutEntry(segs[0]))
	}
	name := segs[0]
	e, ok := t.get(name)
	if !ok {
		return canonical.Hash{}, ErrNotFound.WithPath(name)
	}
	newChildRoot, err := m.removePath(ctx, e.TargetHash, segs[1:])
	if err != nil {
		return canonical.Hash{}, err
	}
	return m.Store.PutNode(ctx, t.withEntry(Entry{Name: name, Kind: KindDir, TargetHash: newChildRoot, Mode: ModeDir}))
}

// AnnotationPatch maps an annotation key to a new hash, or to nil to remove it.
type AnnotationPatch map[string]*canonical.Hash

// AnnotationsGet returns the annotation map stored at path's (or the root's,
// if path is empty) annotations node.
func (m *Manager) AnnotationsGet(ctx context.Context, root canonical.Hash, path string) (map[string]canonical.Hash, error) {
	return m.annotationsForEntry(ctx, root, path)
}

func (m *Manager) annotationsForEntry(ctx context.Context, root canonical.Hash, path string) (map[string]canonical.Hash, error) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		t, err := m.loadTree(ctx, root)
		if err != nil {
			return nil, err
		}
		return m.loadAnnotations(ctx, t.AnnotationsHash)
	}
	steps, err := m.walk(ctx, root, segs)
	if err != nil {
		return nil, err
	}
	return m.loadAnnotations(ctx, steps[len(steps)-1].entry.AnnotationsHash)
}

func (m *Manager) loadAnnotations(ctx context.Context, h *canonical.Hash) (map[string]canonical.Hash, error) {
	if h == nil {
		return map[string]canonical.Hash{}, nil
	}
	var out map[string]canonical.Hash
	if err := m.Store.GetNode(ctx, *h, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AnnotationsSet applies patch to path's annotation map (nil value removes
// the key) and returns the new workspace root.
func (m *Manager) AnnotationsSet(ctx context.Context, root canonical.Hash, path string, patch AnnotationPatch) (canonical.Hash, error) {
	current, err := m.annotationsForEntry(ctx, root, path)
	if err != nil {
		return canonical.Hash{}, err
	}
	next := make(map[string]canonical.Hash, len(current))
	for k, v := range current {
		next[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(next, k)
			continue
		}
		next[k] = *v
	}

	var newHash *canonical.Hash
	if len(next) > 0 {
		h, err := m.Store.PutNode(ctx, next)
		if err != nil {
			return canonical.Hash{}, err
		}
		newHash = &h
	}

	segs, err := splitPath(path)
	if err != nil {
		return canonical.Hash{}, err
	}
	if len(segs) == 0 {
		t, err := m.loadTree(ctx, root)
		if err != nil {
			return canonical.Hash{}, err
		}
		t.AnnotationsHash = newHash
		return m.Store.PutNode(ctx, t)
	}
	return m.rewriteAnnotations(ctx, root, segs, newHash)
}

func (m *Manager) rewriteAnnotations(ctx context.Context, root canonical.Hash, segs []string, newHash *canonical.Hash) (canonical.Hash, error) {
	t, err := m.loadTree(ctx, root)
	if err != nil {
		return canonical.Hash{}, err
	}
	name := segs[0]
	e, ok := t.get(name)
	if !ok {
		return canonical.Hash{}, ErrNotFound.WithPath(name)
	}
	if len(segs) == 1 {
		e.AnnotationsHash = newHash
		return m.Store.PutNode(ctx, t.withEntry(e))
	}
	if e.Kind != KindDir {
		return canonical.Hash{}, ErrNotDir.WithPath(name)
	}
	newChildRoot, err := m.rewriteAnnotations(ctx, e.TargetHash, segs[1:], newHash)
	if err != nil {
		return canonical.Hash{}, err
	}
	e.TargetHash = newChildRoot
	return m.Store.PutNode(ctx, t.withEntry(e))
}

// Diff compares two roots (optionally restricted to entries under prefix)
// and reports added/removed/modified file paths; directory entries are not
// reported themselves.
func (m *Manager) Diff(ctx context.Context, rootA, rootB canonical.Hash, prefix string) ([]Diff, error) {
	aEntries, err := m.collectAt(ctx, rootA, prefix)
	if err != nil {
		return nil, err
	}
	bEntries, err := m.collectAt(ctx, rootB, prefix)
	if err != nil {
		return nil, err
	}

	aByPath := make(map[string]Entry, len(aEntries))
	for _, e := range aEntries {
		if e.Kind == KindDir {
			continue
		}
		aByPath[e.Path] = e.Entry
	}
	bByPath := make(map[string]Entry, len(bEntries))
	for _, e := range bEntries {
		if e.Kind == KindDir {
			continue
		}
		bByPath[e.Path] = e.Entry
	}

	paths := make(map[string]struct{}, len(aByPath)+len(bByPath))
	for p := range aByPath {
		paths[p] = struct{}{}
	}
	for p := range bByPath {
		paths[p] = struct{}{}
	}

	out := make([]Diff, 0, len(paths))
	for p := range paths {
		a, inA := aByPath[p]
		b, inB := bByPath[p]
		switch {
		case inA && !inB:
			h := a.TargetHash
			out = append(out, Diff{Path: p, Kind: "removed", OldHash: &h})
		case !inA && inB:
			h := b.TargetHash
			out = append(out, Diff{Path: p, Kind: "added", NewHash: &h})
		case inA && inB && a.TargetHash != b.TargetHash:
			oh, nh := a.TargetHash, b.TargetHash
			out = append(out, Diff{Path: p, Kind: "modified", OldHash: &oh, NewHash: &nh})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *Manager) collectAt(ctx context.Context, root canonical.Hash, prefix string) ([]ListEntry, error) {
	ref, err := m.ReadRef(ctx, root, prefix)
	if err != nil {
		return nil, err
	}
	if ref.Kind == KindFile {
		return []ListEntry{{Path: prefix, Entry: Entry{Name: prefix, Kind: KindFile, TargetHash: ref.TargetHash, Size: ref.Size, Mode: ref.Mode}}}, nil
	}
	return m.collect(ctx, ref.TargetHash, prefix, ScopeSubtree)
}

// Commit advances name's head to meta.RootHash, incrementing its version.
// If expectedHead is non-nil, it must equal the current head version or the
// commit is rejected (optimistic concurrency). Returns the new version.
func (m *Manager) Commit(name string, expectedHead *uint64, meta CommitMeta) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.history[name]
	var currentVersion uint64
	if len(recs) > 0 {
		currentVersion = recs[len(recs)-1].version
	}
	if expectedHead != nil && *expectedHead != currentVersion {
		return 0, ErrHeadMismatch
	}

	next := currentVersion + 1
	m.history[name] = append(recs, commitRecord{version: next, root: meta.RootHash, meta: meta})
	return next, nil
}
