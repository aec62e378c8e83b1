// Package state persists the shell identity (tdconfig.json) and the
// deployment bookkeeping (tdstate.json) in the data directory.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirosfoundation/go-appshell/pkg/middleware"
)

// ShellVersion is reported by stats and logs and checked against minVersion
const ShellVersion = 108

const (
	configFile = "tdconfig.json"
	stateFile  = "tdstate.json"
)

// ShellConfig is the identity generated on first start
type ShellConfig struct {
	DeploymentKey string `json:"deploymentKey"`
	Timestamp     int64  `json:"timestamp"`
	TimestampText string `json:"timestampText,omitempty"`
	ShellVersion  int    `json:"shellVersion"`
}

// State is the deployment bookkeeping kept across restarts
type State struct {
	// DownloadedFiles maps a deployed path to the source it was written from
	DownloadedFiles map[string]string `json:"downloadedFiles"`
	NumDeploys      int               `json:"numDeploys"`
	DeployedID      string            `json:"deployedId"`
	DMeta           map[string]any    `json:"dmeta"`
}

// Store guards the persisted files
type Store struct {
	dir string

	mu     sync.Mutex
	config ShellConfig
	state  State
}

// Open loads both files from dir. A missing tdconfig.json is generated
// with a fresh deployment key; regenerate forces that. A non-empty
// keyOverride replaces the stored key without being written back.
func Open(dir string, keyOverride string, regenerate bool) (*Store, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	s := &Store{dir: dir}

	cfgPath := filepath.Join(dir, configFile)
	if _, err := os.Stat(cfgPath); regenerate || os.IsNotExist(err) {
		if err := s.generateConfig(cfgPath); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", configFile, err)
	}
	if err := json.Unmarshal(data, &s.config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", configFile, err)
	}
	s.config.ShellVersion = ShellVersion
	if keyOverride != "" {
		s.config.DeploymentKey = keyOverride
	}

	data, err = os.ReadFile(filepath.Join(dir, stateFile))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", stateFile, err)
	default:
		if err := json.Unmarshal(data, &s.state); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", stateFile, err)
		}
	}
	s.state.normalize()

	return s, nil
}

func (s *Store) generateConfig(path string) error {
	key, err := middleware.GenerateDeploymentKey()
	if err != nil {
		return err
	}
	now := time.Now()
	cfg := ShellConfig{
		DeploymentKey: key,
		Timestamp:     now.UnixMilli(),
		TimestampText: now.Format(time.RFC1123),
		ShellVersion:  ShellVersion,
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

func (st *State) normalize() {
	if st.DownloadedFiles == nil {
		st.DownloadedFiles = make(map[string]string)
	}
	if st.DMeta == nil {
		st.DMeta = make(map[string]any)
	}
}

// Config returns the shell identity
func (s *Store) Config() ShellConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// State returns a copy of the deployment state
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Update applies fn to the state and saves it
func (s *Store) Update(fn func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	s.state.normalize()
	return s.saveLocked()
}

// Save writes the current state
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	return writeAtomic(filepath.Join(s.dir, stateFile), data)
}

// DeploymentMeta returns the deployment metadata as JSON for TD_DEPLOYMENT_META
func (s *Store) DeploymentMeta() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(s.state.DMeta)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func (st State) clone() State {
	out := st
	out.DownloadedFiles = make(map[string]string, len(st.DownloadedFiles))
	for k, v := range st.DownloadedFiles {
		out.DownloadedFiles[k] = v
	}
	out.DMeta = make(map[string]any, len(st.DMeta))
	for k, v := range st.DMeta {
		out.DMeta[k] = v
	}
	return out
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
