package fileserve

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/landrop/landrop/internal/logging"
)

// ErrNotFound is returned when a requested file does not exist under the root.
var ErrNotFound = errors.New("file not found")

// ErrExists is returned by Finalize under CollisionReject when the target
// name is already taken.
var ErrExists = errors.New("file already exists")

// ErrTooLarge is returned by CopyLimit once an upload crosses the
// configured byte limit. The handle stops accepting bytes at that point.
var ErrTooLarge = errors.New("upload too large")

// tempPattern names in-flight upload temp files. The janitor and the
// directory listing both rely on this prefix/suffix pair.
const (
	tempPrefix = ".landrop-"
	tempSuffix = ".part"
)

// CollisionPolicy decides what happens when a finalized upload targets a
// name that already exists.
type CollisionPolicy int

const (
	// CollisionRename appends a numeric suffix until a free name is found.
	CollisionRename CollisionPolicy = iota
	// CollisionOverwrite atomically replaces the existing file.
	CollisionOverwrite
	// CollisionReject fails the finalize and keeps the existing file.
	CollisionReject
)

// String implements fmt.Stringer for logs and config parsing errors.
func (p CollisionPolicy) String() string {
	switch p {
	case CollisionRename:
		return "rename"
	case CollisionOverwrite:
		return "overwrite"
	case CollisionReject:
		return "reject"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseCollisionPolicy maps a config string onto a policy.
func ParseCollisionPolicy(s string) (CollisionPolicy, error) {
	switch s {
	case "", "rename":
		return CollisionRename, nil
	case "overwrite":
		return CollisionOverwrite, nil
	case "reject":
		return CollisionReject, nil
	default:
		return CollisionRename, fmt.Errorf("unknown collision policy %q", s)
	}
}

// FileEntry describes one stored file. Derived on demand from filesystem
// metadata, never persisted.
type FileEntry struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	SizeHuman string    `json:"sizeHuman"`
	Modified  time.Time `json:"modifiedAt"`
	Mime      string    `json:"mime"`
}

// Store lists, reads, and writes files under a guarded root. Every
// operation resolves its path through the Guard first.
type Store struct {
	guard    *Guard
	sessions *SessionRegistry
}

// NewStore creates a store rooted at the guard's directory.
func NewStore(guard *Guard, sessions *SessionRegistry) *Store {
	return &Store{guard: guard, sessions: sessions}
}

// Root returns the canonical root directory.
func (s *Store) Root() string {
	return s.guard.Root()
}

// List returns the files directly under subdir, sorted by name. Entries
// that cannot be stat'ed are logged and skipped; in-flight temp files are
// never listed. An empty or missing directory yields an empty slice.
func (s *Store) List(subdir string) ([]FileEntry, error) {
	dir := s.guard.Root()
	if subdir != "" {
		resolved, err := s.guard.Resolve(subdir)
		if err != nil {
			return nil, err
		}
		dir = resolved
	}

	dirents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []FileEntry{}, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", subdir, err)
	}

	entries := make([]FileEntry, 0, len(dirents))
	for _, de := range dirents {
		if de.IsDir() || IsTempName(de.Name()) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			logging.Warn("skipping unreadable entry",
				zap.String("name", de.Name()), zap.Error(err))
			continue
		}
		entries = append(entries, entryFromInfo(de.Name(), info))
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// OpenForRead opens a stored file for streaming. The caller closes the
// returned file.
func (s *Store) OpenForRead(relPath string) (*os.File, FileEntry, error) {
	target, err := s.guard.Resolve(relPath)
	if err != nil {
		return nil, FileEntry{}, err
	}

	f, err := os.Open(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, FileEntry{}, fmt.Errorf("%w: %s", ErrNotFound, relPath)
		}
		return nil, FileEntry{}, fmt.Errorf("open %s: %w", relPath, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, FileEntry{}, fmt.Errorf("stat %s: %w", relPath, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, FileEntry{}, fmt.Errorf("%w: %s", ErrNotFound, relPath)
	}

	return f, entryFromInfo(filepath.Base(target), info), nil
}

// WriteHandle is an in-flight upload: bytes land in a temp file in the
// target's directory so the final rename stays on one filesystem. Exactly
// one of Finalize or Abort must be called.
type WriteHandle struct {
	session   *UploadSession
	store     *Store
	targetAbs string
	policy    CollisionPolicy
	tmp       *os.File
	done      bool
}

// Write appends to the temp file.
func (h *WriteHandle) Write(p []byte) (int, error) {
	n, err := h.tmp.Write(p)
	h.session.addBytes(int64(n))
	return n, err
}

// BytesWritten returns the byte count received so far.
func (h *WriteHandle) BytesWritten() int64 {
	return h.session.BytesWritten()
}

// TargetName returns the requested file name relative to the root.
func (h *WriteHandle) TargetName() string {
	return h.session.TargetRel
}

// CreateForWrite opens a temp write handle for relPath. The collision
// policy is applied at Finalize time, not here, so two concurrent uploads
// of the same name never write into each other's bytes.
func (s *Store) CreateForWrite(relPath string, policy CollisionPolicy) (*WriteHandle, error) {
	target, err := s.guard.Resolve(relPath)
	if err != nil {
		return nil, err
	}
	if filepath.Clean(target) == s.guard.Root() {
		return nil, fmt.Errorf("%w: empty file name", ErrTraversal)
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dirs for %s: %w", relPath, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*"+tempSuffix)
	if err != nil {
		return nil, fmt.Errorf("create temp for %s: %w", relPath, err)
	}

	session := s.sessions.begin(relPath, tmp.Name())
	return &WriteHandle{
		session:   session,
		store:     s,
		targetAbs: target,
		policy:    policy,
		tmp:       tmp,
	}, nil
}

// Finalize closes the temp file and publishes it under the target name.
// Same-name races are settled by the filesystem: the first handle to link
// its temp file to a given name wins it, later ones fall through to the
// policy (suffix, replace, or reject). On any failure the temp file is
// removed.
func (s *Store) Finalize(h *WriteHandle) (FileEntry, error) {
	if h.done {
		return FileEntry{}, fmt.Errorf("handle for %s already closed", h.session.TargetRel)
	}
	h.done = true

	tmpPath := h.tmp.Name()
	if err := h.tmp.Close(); err != nil {
		os.Remove(tmpPath)
		s.sessions.end(h.session, SessionAborted)
		return FileEntry{}, fmt.Errorf("close temp for %s: %w", h.session.TargetRel, err)
	}

	finalPath, err := publish(tmpPath, h.targetAbs, h.policy)
	if err != nil {
		os.Remove(tmpPath)
		s.sessions.end(h.session, SessionAborted)
		return FileEntry{}, err
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		s.sessions.end(h.session, SessionAborted)
		return FileEntry{}, fmt.Errorf("stat %s: %w", finalPath, err)
	}

	s.sessions.end(h.session, SessionFinalized)
	return entryFromInfo(filepath.Base(finalPath), info), nil
}

// Abort discards the temp file. Safe to call after Finalize; the write is
// released exactly once whichever exit path runs first.
func (s *Store) Abort(h *WriteHandle) {
	if h.done {
		return
	}
	h.done = true

	tmpPath := h.tmp.Name()
	h.tmp.Close()
	if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
		logging.Warn("failed to remove temp file",
			zap.String("path", tmpPath), zap.Error(err))
	}
	s.sessions.end(h.session, SessionAborted)
}

// publish moves tmpPath to target according to the collision policy and
// returns the path the file ended up at.
func publish(tmpPath, target string, policy CollisionPolicy) (string, error) {
	switch policy {
	case CollisionOverwrite:
		if err := os.Rename(tmpPath, target); err != nil {
			return "", fmt.Errorf("rename to %s: %w", target, err)
		}
		return target, nil

	case CollisionReject:
		// Link is atomic and fails on an existing target, unlike Rename
		// which silently replaces it.
		if err := os.Link(tmpPath, target); err != nil {
			if os.IsExist(err) {
				return "", fmt.Errorf("%w: %s", ErrExists, filepath.Base(target))
			}
			return "", fmt.Errorf("link to %s: %w", target, err)
		}
		os.Remove(tmpPath)
		return target, nil

	default: // CollisionRename
		candidate := target
		for i := 1; ; i++ {
			err := os.Link(tmpPath, candidate)
			if err == nil {
				os.Remove(tmpPath)
				return candidate, nil
			}
			if !os.IsExist(err) {
				return "", fmt.Errorf("link to %s: %w", candidate, err)
			}
			candidate = suffixed(target, i)
		}
	}
}

// suffixed builds "name (n).ext" from "name.ext".
func suffixed(target string, n int) string {
	ext := filepath.Ext(target)
	base := strings.TrimSuffix(target, ext)
	return fmt.Sprintf("%s (%d)%s", base, n, ext)
}

// IsTempName reports whether name is an in-flight upload spool file.
func IsTempName(name string) bool {
	return strings.HasPrefix(name, tempPrefix) && strings.HasSuffix(name, tempSuffix)
}

func entryFromInfo(name string, info os.FileInfo) FileEntry {
	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return FileEntry{
		Name:      name,
		Size:      info.Size(),
		SizeHuman: humanize.IBytes(uint64(info.Size())),
		Modified:  info.ModTime().UTC(),
		Mime:      mimeType,
	}
}

// CopyLimit streams from r into the handle, failing with ErrTooLarge once
// more than limit bytes arrive. The extra byte distinguishes "exactly
// limit" from "over" without buffering the body.
func CopyLimit(h *WriteHandle, r io.Reader, limit int64) (int64, error) {
	n, err := io.Copy(h, io.LimitReader(r, limit+1))
	if err != nil {
		return n, err
	}
	if n > limit {
		return n, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, limit)
	}
	return n, nil
}
