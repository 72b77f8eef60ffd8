package mount

import (
	"context"
	"errors"
	"fmt"
	"io"
	gopath "path"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jax-protocol/jax/pkg/blobstore"
	"github.com/jax-protocol/jax/pkg/crypto"
	"github.com/jax-protocol/jax/pkg/manifest"
	"github.com/jax-protocol/jax/pkg/oplog"
	"github.com/jax-protocol/jax/pkg/types"
)

var (
	// ErrPathNotFound is returned when a path is absent from the tree.
	ErrPathNotFound = errors.New("path not found in bucket")
	// ErrPathExists is returned when a mutation would clobber an
	// existing entry.
	ErrPathExists = errors.New("path already exists in bucket")
	// ErrNotOwner is returned when a non-Owner attempts an owner-only
	// mutation.
	ErrNotOwner = errors.New("operation requires the owner role")
	// ErrShareNotFound mirrors the manifest error for callers importing
	// only this package.
	ErrShareNotFound = manifest.ErrShareNotFound
)

// NodeLink describes one entry of the materialised tree.
type NodeLink struct {
	Link  types.Link
	IsDir bool
}

// Mount is a transient, mutable projection of one bucket version: the
// manifest, its operation log, and the bucket secret needed to read and
// write content. Mounts are constructed per use from a (link, secret key)
// pair and released after Save.
type Mount struct {
	mu sync.Mutex

	blobs  *blobstore.Store
	key    *crypto.SecretKey
	secret crypto.SecretShare

	man   *manifest.Manifest
	link  types.Link
	log   *oplog.PathOpLog
	clock uint64
}

// Init creates a new bucket owned by key. Nothing is persisted until the
// first Save, which produces the genesis manifest.
func Init(ctx context.Context, id uuid.UUID, name string, key *crypto.SecretKey, blobs *blobstore.Store) (*Mount, error) {
	secret, err := crypto.GenerateShare()
	if err != nil {
		return nil, err
	}

	man := manifest.New(id, name, key.Public(), types.Link{}, types.Link{})
	ownerShare, err := manifest.NewOwnerShare(secret, key.Public())
	if err != nil {
		return nil, err
	}
	man.AddShare(ownerShare)

	return &Mount{
		blobs:  blobs,
		key:    key,
		secret: secret,
		man:    man,
		log:    oplog.New(),
	}, nil
}

// Load opens the bucket version at link for the holder of key. Fails with
// ErrShareNotFound when key holds no share and the bucket is not
// published.
func Load(ctx context.Context, link types.Link, key *crypto.SecretKey, blobs *blobstore.Store) (*Mount, error) {
	var man manifest.Manifest
	if err := blobs.GetCBOR(ctx, link.Hash, &man); err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", link, err)
	}

	ok, err := man.VerifySignature()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, manifest.ErrInvalidSignature
	}

	secret, err := man.DecryptShareFor(key)
	if err != nil {
		return nil, err
	}

	entryData, err := blobs.Get(ctx, man.Entry.Hash)
	if err != nil {
		return nil, fmt.Errorf("failed to read op log %s: %w", man.Entry, err)
	}
	log, err := oplog.Decode(entryData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode op log %s: %w", man.Entry, err)
	}

	return &Mount{
		blobs:  blobs,
		key:    key,
		secret: secret,
		man:    &man,
		link:   link,
		log:    log,
		clock:  log.MaxTimestamp(),
	}, nil
}

func normalize(p string) string {
	p = strings.Trim(p, "/")
	return gopath.Clean("/" + p)[1:]
}

func (m *Mount) nextOpID() oplog.OpId {
	m.clock++
	return oplog.OpId{Timestamp: m.clock, Peer: m.key.Public()}
}

// BucketID returns the bucket's UUID.
func (m *Mount) BucketID() uuid.UUID {
	return m.man.ID
}

// Manifest returns the current manifest.
func (m *Mount) Manifest() *manifest.Manifest {
	return m.man
}

// CurrentLink returns the link of the manifest this mount was loaded from
// or last saved to. Zero for an unsaved new bucket.
func (m *Mount) CurrentLink() types.Link {
	return m.link
}

// Height returns the current manifest height.
func (m *Mount) Height() uint64 {
	return m.man.Height
}

// Log returns the mount's operation log.
func (m *Mount) Log() *oplog.PathOpLog {
	return m.log
}

// IsPublished reports whether the current manifest embeds a plaintext
// secret.
func (m *Mount) IsPublished() bool {
	return m.man.IsPublished()
}

// Add stages file content at path: the bytes are encrypted under the
// bucket secret, stored, and recorded as an Add operation.
func (m *Mount) Add(ctx context.Context, p string, r io.Reader) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}

	ciphertext, err := m.secret.EncryptContent(data)
	if err != nil {
		return err
	}

	hash, err := m.blobs.Put(ctx, ciphertext)
	if err != nil {
		return err
	}
	link := types.RawLink(hash)

	m.log.Append(oplog.PathOperation{
		ID:          m.nextOpID(),
		Type:        oplog.OpAdd,
		Path:        normalize(p),
		ContentLink: &link,
	})
	return nil
}

// Mkdir records a directory at path. Idempotent.
func (m *Mount) Mkdir(ctx context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.log.Append(oplog.PathOperation{
		ID:    m.nextOpID(),
		Type:  oplog.OpMkdir,
		Path:  normalize(p),
		IsDir: true,
	})
	return nil
}

// Remove records the removal of path. Removing a directory removes its
// subtree.
func (m *Mount) Remove(ctx context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = normalize(p)
	tree := m.log.Materialize()
	_, isFile := tree.Files[p]
	isDir := tree.Dirs[p]
	if !isFile && !isDir {
		return fmt.Errorf("%w: %s", ErrPathNotFound, p)
	}

	m.log.Append(oplog.PathOperation{
		ID:    m.nextOpID(),
		Type:  oplog.OpRemove,
		Path:  p,
		IsDir: isDir,
	})
	return nil
}

// Mv records a move of from to to.
func (m *Mount) Mv(ctx context.Context, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, to = normalize(from), normalize(to)
	tree := m.log.Materialize()
	_, isFile := tree.Files[from]
	isDir := tree.Dirs[from]
	if !isFile && !isDir {
		return fmt.Errorf("%w: %s", ErrPathNotFound, from)
	}
	if _, exists := tree.Files[to]; exists {
		return fmt.Errorf("%w: %s", ErrPathExists, to)
	}

	m.log.Append(oplog.PathOperation{
		ID:    m.nextOpID(),
		Type:  oplog.OpMv,
		Path:  to,
		From:  from,
		IsDir: isDir,
	})
	return nil
}

// Cat returns the decrypted content of the file at path.
func (m *Mount) Cat(ctx context.Context, p string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = normalize(p)
	tree := m.log.Materialize()
	link, ok := tree.Files[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, p)
	}

	ciphertext, err := m.blobs.Get(ctx, link.Hash)
	if err != nil {
		return nil, err
	}
	return m.secret.DecryptContent(ciphertext)
}

// Get returns the node at path.
func (m *Mount) Get(ctx context.Context, p string) (NodeLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = normalize(p)
	tree := m.log.Materialize()
	if link, ok := tree.Files[p]; ok {
		return NodeLink{Link: link}, nil
	}
	if tree.Dirs[p] {
		return NodeLink{IsDir: true}, nil
	}
	return NodeLink{}, fmt.Errorf("%w: %s", ErrPathNotFound, p)
}

// Ls lists the direct children of a directory ("" or "/" for the root).
func (m *Mount) Ls(ctx context.Context, p string) (map[string]NodeLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(normalize(p), false)
}

// LsDeep lists every descendant of a directory.
func (m *Mount) LsDeep(ctx context.Context, p string) (map[string]NodeLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(normalize(p), true)
}

func (m *Mount) list(dir string, deep bool) (map[string]NodeLink, error) {
	tree := m.log.Materialize()
	if dir != "" && !tree.Dirs[dir] {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, dir)
	}

	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}

	out := make(map[string]NodeLink)
	include := func(p string) bool {
		if !strings.HasPrefix(p, prefix) || p == dir {
			return false
		}
		if deep {
			return true
		}
		return !strings.Contains(p[len(prefix):], "/")
	}

	for p, link := range tree.Files {
		if include(p) {
			out[p] = NodeLink{Link: link}
		}
	}
	for p := range tree.Dirs {
		if include(p) {
			out[p] = NodeLink{IsDir: true}
		}
	}
	return out, nil
}

// MergeRemote merges another bucket's operation log into this mount under
// the given resolver, advancing the local clock past everything seen.
func (m *Mount) MergeRemote(other *oplog.PathOpLog, resolver oplog.ConflictResolver) oplog.MergeResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := m.log.Merge(other, resolver, m.key.Public())
	if ts := m.log.MaxTimestamp(); ts > m.clock {
		m.clock = ts
	}
	return result
}

// AddOwner shares the bucket with a new owner. Owner-only.
func (m *Mount) AddOwner(ctx context.Context, identity crypto.PublicKey) error {
	return m.addShare(identity, manifest.RoleOwner)
}

// AddMirror shares the bucket with a read-only mirror. Owner-only.
func (m *Mount) AddMirror(ctx context.Context, identity crypto.PublicKey) error {
	return m.addShare(identity, manifest.RoleMirror)
}

func (m *Mount) addShare(identity crypto.PublicKey, role manifest.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireOwner(); err != nil {
		return err
	}

	var (
		share manifest.Share
		err   error
	)
	if role == manifest.RoleOwner {
		share, err = manifest.NewOwnerShare(m.secret, identity)
	} else {
		share, err = manifest.NewMirrorShare(m.secret, identity)
	}
	if err != nil {
		return err
	}
	m.man.AddShare(share)
	return nil
}

// RemoveShare revokes a principal's share. Owner-only.
func (m *Mount) RemoveShare(ctx context.Context, identity crypto.PublicKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireOwner(); err != nil {
		return err
	}
	return m.man.RemoveShare(identity)
}

func (m *Mount) requireOwner() error {
	share, ok := m.man.ShareFor(m.key.Public())
	if !ok || !share.IsOwner() {
		return ErrNotOwner
	}
	return nil
}

// Save produces and stores the next manifest: the op log and pins list
// become blobs, the manifest chains onto the current link at height plus
// one (or genesis for a new bucket), and is signed by the caller's key.
// With publish set the manifest embeds the plaintext bucket secret;
// otherwise the per-share wraps are preserved, re-wrapping after a
// previous publish.
func (m *Mount) Save(ctx context.Context, publish bool) (types.Link, uint64, *manifest.Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireOwner(); err != nil {
		return types.Link{}, 0, nil, err
	}

	// The whole next state is computed in memory, then blobs are written
	// (content-addressed, safely retried), and only then does the caller
	// touch log/database state.
	entryData, err := m.log.Encode()
	if err != nil {
		return types.Link{}, 0, nil, err
	}
	entryHash, err := m.blobs.Put(ctx, entryData)
	if err != nil {
		return types.Link{}, 0, nil, err
	}
	entry := types.CborLink(entryHash)

	pinsLink, err := m.blobs.PutCBOR(ctx, m.pins(entryHash))
	if err != nil {
		return types.Link{}, 0, nil, err
	}

	var next *manifest.Manifest
	if m.link.IsZero() {
		next = m.man
		next.Entry = entry
		next.Pins = pinsLink
	} else {
		next = m.man.Next(m.link, entry, pinsLink)
	}

	if publish {
		next.Publish(m.secret)
	} else {
		// Saving without the publish flag keeps the bucket private:
		// drop any plaintext secret and restore the per-share wraps a
		// previous publish stripped.
		if err := m.unpublish(next); err != nil {
			return types.Link{}, 0, nil, err
		}
	}

	if err := next.Sign(m.key); err != nil {
		return types.Link{}, 0, nil, err
	}

	link, err := m.blobs.PutCBOR(ctx, next)
	if err != nil {
		return types.Link{}, 0, nil, err
	}

	m.man = next
	m.link = link
	return link, next.Height, next, nil
}

// pins collects the blob hashes this bucket version promises to keep
// replicated: every content blob referenced by the log, plus the log
// payload itself.
func (m *Mount) pins(entryHash types.Hash) []types.Hash {
	seen := map[types.Hash]bool{entryHash: true}
	for _, op := range m.log.Ops() {
		if op.ContentLink != nil {
			seen[op.ContentLink.Hash] = true
		}
	}
	pins := make([]types.Hash, 0, len(seen))
	for h := range seen {
		pins = append(pins, h)
	}
	sort.Slice(pins, func(i, j int) bool {
		return pins[i].String() < pins[j].String()
	})
	return pins
}

// unpublish strips any plaintext secret and restores wraps for shares
// that lost theirs to a publish. Existing wraps are preserved.
func (m *Mount) unpublish(man *manifest.Manifest) error {
	man.PublishedSecret = nil
	for key, share := range man.Shares {
		if len(share.WrappedSecret) > 0 {
			continue
		}
		wrapped, err := crypto.WrapShare(m.secret, share.Principal.Identity)
		if err != nil {
			return err
		}
		share.WrappedSecret = wrapped
		man.Shares[key] = share
	}
	return nil
}
