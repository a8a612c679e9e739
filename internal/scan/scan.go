// Package scan runs every registered emulator plugin against the local
// machine and merges the results into one view of the discoverable saves.
package scan

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"savesync/internal/plugin"
	"savesync/internal/save"
)

// Result is the outcome of a full scan. Warnings carry the per-path
// problems that did not stop the scan.
type Result struct {
	Installations []save.EmulatorInfo
	Saves         map[save.Key]save.GameSave
	Warnings      []*plugin.ScanError
}

// Keys returns the save keys sorted for stable output.
func (r *Result) Keys() []save.Key {
	keys := make([]save.Key, 0, len(r.Saves))
	for k := range r.Saves {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Scanner fans installation scans out over a bounded worker pool. A plugin
// that fails only produces warnings; the saves from the other plugins are
// still returned.
type Scanner struct {
	registry *plugin.Registry
	logger   save.Logger
	workers  int
}

// New creates a Scanner running at most workers concurrent installation
// scans. workers < 1 is treated as 1.
func New(registry *plugin.Registry, logger save.Logger, workers int) *Scanner {
	if workers < 1 {
		workers = 1
	}
	return &Scanner{registry: registry, logger: logger, workers: workers}
}

type task struct {
	plugin plugin.Plugin
	info   save.EmulatorInfo
}

// Scan detects installations for every registered plugin and scans each one.
// Detection is sequential (it is cheap stat calls); save scanning, which
// parses card images, runs on the worker pool.
func (s *Scanner) Scan(ctx context.Context) (*Result, error) {
	result := &Result{Saves: make(map[save.Key]save.GameSave)}

	var pending []task
	for _, p := range s.registry.All() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		infos, err := p.DetectInstallations()
		if err != nil {
			s.logger.Warn("detection failed", "plugin", p.Name(), "error", err)
			result.Warnings = append(result.Warnings, &plugin.ScanError{
				Plugin: p.Name(),
				Err:    fmt.Errorf("detect installations: %w", err),
			})
			continue
		}
		for _, info := range infos {
			result.Installations = append(result.Installations, info)
			pending = append(pending, task{plugin: p, info: info})
		}
	}
	s.logger.Info("scan started", "installations", len(pending), "workers", s.workers)

	tasks := make(chan task)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				select {
				case <-ctx.Done():
					return
				default:
				}
				saves, warns := t.plugin.ScanSaves(ctx, t.info)
				mu.Lock()
				result.Warnings = append(result.Warnings, warns...)
				for _, gs := range saves {
					merge(result.Saves, gs)
				}
				mu.Unlock()
			}
		}()
	}

	for _, t := range pending {
		select {
		case tasks <- t:
		case <-ctx.Done():
			close(tasks)
			wg.Wait()
			return nil, ctx.Err()
		}
	}
	close(tasks)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.logger.Info("scan finished", "games", len(result.Saves), "warnings", len(result.Warnings))
	return result, nil
}

// merge folds a game save into the map. Two installations of the same
// emulator can surface the same game (for example a memory card image plus
// save states); their file lists are combined, keyed by portable path.
func merge(saves map[save.Key]save.GameSave, gs save.GameSave) {
	key := gs.Key()
	existing, ok := saves[key]
	if !ok {
		saves[key] = gs
		return
	}

	seen := make(map[string]bool, len(existing.Files))
	for _, f := range existing.Files {
		seen[f.PortablePath] = true
	}
	for _, f := range gs.Files {
		if !seen[f.PortablePath] {
			existing.Files = append(existing.Files, f)
		}
	}
	if existing.Title == existing.GameID && gs.Title != gs.GameID {
		existing.Title = gs.Title
	}
	if existing.DiscCRC32 == "" {
		existing.DiscCRC32 = gs.DiscCRC32
	}
	saves[key] = existing
}
