package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Well-known sidecar metadata keys. The sidecar file is the contract with
// operators and external scripts, so these names are stable.
const (
	MetaStatus         = "status"
	MetaPR             = "pr"
	MetaBranch         = "branch"
	MetaIssueID        = "issue_id"
	MetaAdopted        = "adopted"
	MetaSummary        = "summary"
	MetaRuntime        = "runtime"
	MetaRuntimeHandle  = "runtime_handle"
	MetaWorkspacePath  = "workspace_path"
	MetaAgent          = "agent"
	MetaLastActivityAt = "last_activity_at"

	MetaVerifyStatus        = "verify_status"
	MetaVerifyBrowserStatus = "verify_browser_status"
	VerifyPassFull          = "work_verify_pass_full"
	VerifyBrowserPass       = "work_verify_browser_pass"

	MetaAcceptanceTotal     = "acceptance_total"
	MetaAcceptanceChecked   = "acceptance_checked"
	MetaAcceptanceUnchecked = "acceptance_unchecked"
	MetaAcceptanceStatus    = "acceptance_status"
	MetaAcceptanceCheckedAt = "acceptance_checked_at"

	MetaProgressStage       = "progress_stage"
	MetaProgressUpdatedAt   = "progress_updated_at"
	MetaProgressTargetState = "progress_target_state"

	MetaStuckDetectedAt      = "stuck_detected_at"
	MetaStuckRecoverySentAt  = "stuck_recovery_sent_at"
	MetaCodexAutoDismiss     = "codex_rate_limit_prompt_autodismiss_choice"
	MetaCodexAutoDismissedAt = "codex_rate_limit_prompt_autodismissed_at"
)

// Store reads and writes the per-session sidecar metadata file
// (<sessionsDir>/<sessionID>/metadata.yaml). Writes are serialized per
// session id so concurrent reactions never interleave a read-modify-write.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a metadata store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *Store) lock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID, "metadata.yaml")
}

// Load returns the full metadata map for a session. A missing file is an
// empty map, not an error.
func (s *Store) Load(sessionID string) (map[string]string, error) {
	l := s.lock(sessionID)
	l.Lock()
	defer l.Unlock()
	return s.loadLocked(sessionID)
}

func (s *Store) loadLocked(sessionID string) (map[string]string, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata for %s: %w", sessionID, err)
	}
	meta := map[string]string{}
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata for %s: %w", sessionID, err)
	}
	return meta, nil
}

// Get returns a single metadata value, "" when absent.
func (s *Store) Get(sessionID, key string) (string, error) {
	meta, err := s.Load(sessionID)
	if err != nil {
		return "", err
	}
	return meta[key], nil
}

// Set writes one key. Shorthand for SetAll with a single entry.
func (s *Store) Set(sessionID, key, value string) error {
	return s.SetAll(sessionID, map[string]string{key: value})
}

// SetAll merges the given entries into the sidecar file atomically. An empty
// value deletes the key.
func (s *Store) SetAll(sessionID string, entries map[string]string) error {
	l := s.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	meta, err := s.loadLocked(sessionID)
	if err != nil {
		return err
	}
	for k, v := range entries {
		if v == "" {
			delete(meta, k)
		} else {
			meta[k] = v
		}
	}
	return s.writeLocked(sessionID, meta)
}

// Delete removes a key from the sidecar file.
func (s *Store) Delete(sessionID, key string) error {
	return s.SetAll(sessionID, map[string]string{key: ""})
}

func (s *Store) writeLocked(sessionID string, meta map[string]string) error {
	path := s.path(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir for %s: %w", sessionID, err)
	}
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata for %s: %w", sessionID, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write metadata for %s: %w", sessionID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace metadata for %s: %w", sessionID, err)
	}
	return nil
}
