package scripts

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
)

// Info describes one discovered script
type Info struct {
	Name     string `json:"name"`
	Path     string `json:"path"` // relative to the scanner root, slash-separated
	Category string `json:"category"`
	Size     int64  `json:"size"`
	Modified int64  `json:"modified"` // unix seconds
	Synopsis string `json:"synopsis,omitempty"`
}

// Scanner walks the trusted root for scripts
type Scanner struct {
	root     string
	parallel int
}

// NewScanner creates a scanner for the given root. parallel bounds concurrent
// metadata reads during enrichment, values below 1 mean 4.
func NewScanner(root string, parallel int) *Scanner {
	if parallel < 1 {
		parallel = 4
	}
	return &Scanner{root: root, parallel: parallel}
}

// Root returns the trusted scripts root
func (s *Scanner) Root() string { return s.root }

// List walks the root and returns all scripts sorted by path. Category is the
// top-level directory name, "general" for scripts at the root itself.
func (s *Scanner) List() ([]Info, error) {
	var res []Info
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != s.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), ".ps1") {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		fi, err := d.Info()
		if err != nil {
			return err
		}

		res = append(res, Info{
			Name:     strings.TrimSuffix(d.Name(), filepath.Ext(d.Name())),
			Path:     rel,
			Category: category(rel),
			Size:     fi.Size(),
			Modified: fi.ModTime().Unix(),
		})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return []Info{}, nil
		}
		return nil, fmt.Errorf("failed to scan scripts root %s: %w", s.root, err)
	}

	sort.Slice(res, func(i, j int) bool { return res[i].Path < res[j].Path })
	if res == nil {
		res = []Info{}
	}
	return res, nil
}

// ListWithSynopsis lists scripts and enriches each with the synopsis from its
// help block, reading file headers in parallel
func (s *Scanner) ListWithSynopsis(ctx context.Context) ([]Info, error) {
	res, err := s.List()
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	swg := syncs.NewSizedGroup(s.parallel, syncs.Context(ctx), syncs.Preemptive)
	for i := range res {
		i := i
		swg.Go(func(context.Context) {
			help, err := ParseFile(filepath.Join(s.root, filepath.FromSlash(res[i].Path)))
			if err != nil {
				log.Printf("[WARN] can't parse script %s: %v", res[i].Path, err)
				return
			}
			mu.Lock()
			res[i].Synopsis = help.Synopsis
			mu.Unlock()
		})
	}
	swg.Wait()
	return res, nil
}

// Categories returns the distinct categories present, sorted
func (s *Scanner) Categories() ([]string, error) {
	list, err := s.List()
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var res []string
	for _, info := range list {
		if !seen[info.Category] {
			seen[info.Category] = true
			res = append(res, info.Category)
		}
	}
	sort.Strings(res)
	return res, nil
}

func category(relPath string) string {
	if i := strings.Index(relPath, "/"); i > 0 {
		return relPath[:i]
	}
	return "general"
}
