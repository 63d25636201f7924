// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/pharosfund/pharos/project"
)

const (
	// ProjectFileExt is the extension of on-disk project files.
	ProjectFileExt = ".pharos-project"

	// PledgeFileExt is the extension of on-disk pledge files.
	PledgeFileExt = ".pharos-pledge"
)

// DirStore is a ProjectStore reading project and pledge files from a flat
// directory. It rescans on demand rather than watching the directory; live
// watching is the host application's concern.
type DirStore struct {
	dir string
}

// A compile-time check to ensure that DirStore satisfies ProjectStore.
var _ ProjectStore = (*DirStore)(nil)

// NewDirStore returns a store rooted at dir, creating it when missing.
func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("unable to create project dir: %w", err)
	}

	return &DirStore{dir: dir}, nil
}

// Projects scans the directory for project files. Unreadable files are
// skipped; a broken file must not hide the rest of the directory.
func (d *DirStore) Projects() []*project.Project {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil
	}

	var projects []*project.Project
	for _, entry := range entries {
		if entry.IsDir() ||
			!strings.HasSuffix(entry.Name(), ProjectFileExt) {

			continue
		}

		proj, err := d.readProject(filepath.Join(d.dir, entry.Name()))
		if err != nil {
			continue
		}
		projects = append(projects, proj)
	}

	return projects
}

// PledgesFor scans the directory for pledge files belonging to the given
// project. Pledge files are named <project-hash>-<pledge-hash>.pharos-pledge.
func (d *DirStore) PledgesFor(projectID chainhash.Hash) []*project.Pledge {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil
	}

	prefix := projectID.String() + "-"

	var pledges []*project.Pledge
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, PledgeFileExt) ||
			!strings.HasPrefix(name, prefix) {

			continue
		}

		pledge, err := d.readPledge(filepath.Join(d.dir, name))
		if err != nil {
			continue
		}
		pledges = append(pledges, pledge)
	}

	return pledges
}

// SavePledge persists an accepted pledge to its canonical location. The
// write goes through a temp file and rename so partially written pledges
// are never picked up by a scan.
func (d *DirStore) SavePledge(projectID chainhash.Hash,
	p *project.Pledge) error {

	doc, err := EncodePledge(p)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	pledgeHash := p.Hash()
	name := fmt.Sprintf(
		"%s-%s%s", projectID, pledgeHash.String(), PledgeFileExt,
	)

	return atomicWrite(filepath.Join(d.dir, name), raw)
}

// SaveProject persists a project file named by its identity hash.
func (d *DirStore) SaveProject(p *project.Project) error {
	raw, err := json.MarshalIndent(EncodeProject(p), "", "  ")
	if err != nil {
		return err
	}

	id := p.ID()
	name := id.String() + ProjectFileExt

	return atomicWrite(filepath.Join(d.dir, name), raw)
}

func (d *DirStore) readProject(path string) (*project.Project, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc ProjectDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	return DecodeProject(&doc)
}

func (d *DirStore) readPledge(path string) (*project.Pledge, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc PledgeDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	return DecodePledge(&doc)
}

func atomicWrite(path string, raw []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}
