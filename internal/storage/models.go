package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

var (
	ErrVersionNotFound = errors.New("model version not found")
	ErrVersionExists   = errors.New("model version already registered")
	ErrNoActiveVersion = errors.New("no active model version")
	ErrNoRollback      = errors.New("no previous version available for rollback")
)

// ModelVersion is a registered model artifact and its descriptor.
type ModelVersion struct {
	Version        string    `json:"version"`
	ModelPath      string    `json:"model_path"`
	DescriptorPath string    `json:"descriptor_path"`
	CreatedAt      time.Time `json:"created_at"`
	IsActive       bool      `json:"is_active"`
}

// AddVersion registers a model artifact. An empty version is generated from
// the current time. New versions are inactive.
func (s *Store) AddVersion(version, modelPath, descriptorPath string) (ModelVersion, error) {
	now := time.Now().UTC()
	if version == "" {
		version = now.Format("20060102-150405.000")
	}
	mv := ModelVersion{
		Version:        version,
		ModelPath:      modelPath,
		DescriptorPath: descriptorPath,
		CreatedAt:      now,
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(modelsBucket))
		if b.Get([]byte(version)) != nil {
			return fmt.Errorf("%w: %s", ErrVersionExists, version)
		}
		return putVersion(b, mv)
	})
	if err != nil {
		return ModelVersion{}, err
	}
	return mv, nil
}

// ActivateVersion marks version active and every other version inactive.
func (s *Store) ActivateVersion(version string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return activate(tx.Bucket([]byte(modelsBucket)), version)
	})
}

// Rollback activates the version registered just before the active one and
// returns it.
func (s *Store) Rollback() (ModelVersion, error) {
	var prev ModelVersion
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(modelsBucket))
		versions, err := readVersions(b)
		if err != nil {
			return err
		}
		if len(versions) < 2 {
			return ErrNoRollback
		}

		currentIdx := -1
		for i, v := range versions {
			if v.IsActive {
				currentIdx = i
				break
			}
		}
		if currentIdx == -1 {
			return ErrNoActiveVersion
		}
		if currentIdx+1 >= len(versions) {
			return ErrNoRollback
		}

		prev = versions[currentIdx+1]
		prev.IsActive = true
		return activate(b, prev.Version)
	})
	if err != nil {
		return ModelVersion{}, err
	}
	return prev, nil
}

// ActiveVersion returns the active version or ErrNoActiveVersion.
func (s *Store) ActiveVersion() (ModelVersion, error) {
	versions, err := s.ListVersions()
	if err != nil {
		return ModelVersion{}, err
	}
	for _, v := range versions {
		if v.IsActive {
			return v, nil
		}
	}
	return ModelVersion{}, ErrNoActiveVersion
}

// ListVersions returns all registered versions, newest first.
func (s *Store) ListVersions() ([]ModelVersion, error) {
	var versions []ModelVersion
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		versions, err = readVersions(tx.Bucket([]byte(modelsBucket)))
		return err
	})
	return versions, err
}

func activate(b *bbolt.Bucket, version string) error {
	versions, err := readVersions(b)
	if err != nil {
		return err
	}

	found := false
	for i := range versions {
		versions[i].IsActive = versions[i].Version == version
		found = found || versions[i].IsActive
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, version)
	}

	for _, v := range versions {
		if err := putVersion(b, v); err != nil {
			return err
		}
	}
	return nil
}

func readVersions(b *bbolt.Bucket) ([]ModelVersion, error) {
	var versions []ModelVersion
	err := b.ForEach(func(k, v []byte) error {
		var mv ModelVersion
		if err := json.Unmarshal(v, &mv); err != nil {
			return fmt.Errorf("decode model version %s: %w", k, err)
		}
		versions = append(versions, mv)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(versions, func(i, j int) bool {
		if !versions[i].CreatedAt.Equal(versions[j].CreatedAt) {
			return versions[i].CreatedAt.After(versions[j].CreatedAt)
		}
		return versions[i].Version > versions[j].Version
	})
	return versions, nil
}

func putVersion(b *bbolt.Bucket, mv ModelVersion) error {
	data, err := json.Marshal(mv)
	if err != nil {
		return fmt.Errorf("marshal model version: %w", err)
	}
	return b.Put([]byte(mv.Version), data)
}
