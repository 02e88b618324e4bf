package fileserve

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/landrop/landrop/internal/logging"
	"github.com/landrop/landrop/internal/metrics"
)

// SessionState tags the lifecycle of an upload session.
type SessionState int

const (
	SessionActive SessionState = iota
	SessionFinalized
	SessionAborted
)

func (s SessionState) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionFinalized:
		return "finalized"
	case SessionAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// UploadSession is the bookkeeping for one in-progress upload. It is owned
// exclusively by the request that created it; the registry only keeps it
// visible for observability until the request ends.
type UploadSession struct {
	ID        string
	TargetRel string
	TempPath  string
	StartedAt time.Time

	bytesWritten atomic.Int64
	state        SessionState
}

func (s *UploadSession) addBytes(n int64) {
	s.bytesWritten.Add(n)
}

// BytesWritten returns the bytes received so far.
func (s *UploadSession) BytesWritten() int64 {
	return s.bytesWritten.Load()
}

// SessionRegistry tracks in-flight upload sessions. State inside a session
// is owned by its request; the registry lock only guards the table itself.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*UploadSession
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*UploadSession)}
}

func (r *SessionRegistry) begin(targetRel, tempPath string) *UploadSession {
	s := &UploadSession{
		ID:        uuid.NewString(),
		TargetRel: targetRel,
		TempPath:  tempPath,
		StartedAt: time.Now(),
		state:     SessionActive,
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	count := len(r.sessions)
	r.mu.Unlock()
	metrics.SetUploadSessionsActive(int64(count))
	return s
}

func (r *SessionRegistry) end(s *UploadSession, state SessionState) {
	r.mu.Lock()
	if _, ok := r.sessions[s.ID]; !ok {
		r.mu.Unlock()
		return
	}
	s.state = state
	delete(r.sessions, s.ID)
	count := len(r.sessions)
	r.mu.Unlock()
	metrics.SetUploadSessionsActive(int64(count))

	logging.Debug("upload session closed",
		zap.String("session_id", s.ID),
		zap.String("target", s.TargetRel),
		zap.String("state", state.String()),
		zap.Int64("bytes", s.BytesWritten()))
}

// Active returns the number of in-flight sessions.
func (r *SessionRegistry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CleanupOrphans removes leftover temp files under root. Sessions never
// survive a restart, so anything matching the temp pattern at startup is
// garbage from a previous run.
func CleanupOrphans(root string) int {
	removed := 0
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if IsTempName(d.Name()) {
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
		}
		return nil
	})
	if removed > 0 {
		logging.Info("removed orphaned temp files", zap.Int("count", removed))
	}
	return removed
}
