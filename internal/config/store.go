package config

import (
	"fmt"
	"strings"
	"sync"
)

// Store publishes configuration snapshots. Readers take the current
// snapshot and keep using it; Reload parses the folder from scratch and
// swaps the pointer, so a half-read folder never becomes visible.
type Store struct {
	folder string

	mu       sync.RWMutex
	snapshot *Snapshot
}

// NewStore loads the folder once and fails on any validation error.
func NewStore(folder string) (*Store, error) {
	snapshot, err := Load(folder)
	if err != nil {
		return nil, err
	}
	return &Store{folder: folder, snapshot: snapshot}, nil
}

// Folder returns the config folder path, used to resolve template files.
func (s *Store) Folder() string {
	return s.folder
}

// Snapshot returns the currently published configuration.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Base returns the base config of the current snapshot.
func (s *Store) Base() *BaseConfig {
	return s.Snapshot().Base
}

// NodeConfig returns the task class config for one node tag.
func (s *Store) NodeConfig(nodeTag string) (*TaskConfig, bool) {
	task, ok := s.Snapshot().Nodes[nodeTag]
	return task, ok
}

// Reload re-reads the whole folder and publishes the result. The old
// snapshot stays published when the new one fails validation.
func (s *Store) Reload() (*Snapshot, error) {
	snapshot, err := Load(s.folder)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.snapshot = snapshot
	s.mu.Unlock()
	return snapshot, nil
}

// ReloadNode re-reads only the task file behind one node tag, publishing a
// copied snapshot with that entry replaced. Nodes call this before every
// order so an operator's price edit lands without waiting for the periodic
// reload. Errors leave the published snapshot untouched.
func (s *Store) ReloadNode(nodeTag string) (*TaskConfig, error) {
	taskTag, _, found := strings.Cut(nodeTag, "_")
	if !found {
		return nil, fmt.Errorf("node tag %q has no task prefix", nodeTag)
	}

	base, err := loadBase(s.folder)
	if err != nil {
		return nil, err
	}
	for _, file := range base.Tasks {
		task, err := loadTask(s.folder, file)
		if err != nil {
			return nil, err
		}
		if task.Tag != taskTag {
			continue
		}

		s.mu.Lock()
		old := s.snapshot
		next := &Snapshot{
			Base:  old.Base,
			Tasks: make(map[string]*TaskConfig, len(old.Tasks)),
			Nodes: make(map[string]*TaskConfig, len(old.Nodes)),
		}
		for k, v := range old.Tasks {
			next.Tasks[k] = v
		}
		for k, v := range old.Nodes {
			next.Nodes[k] = v
		}
		next.Tasks[task.Tag] = task
		next.Nodes[nodeTag] = task
		s.snapshot = next
		s.mu.Unlock()
		return task, nil
	}
	return nil, fmt.Errorf("no task config with tag %q for node %q", taskTag, nodeTag)
}
