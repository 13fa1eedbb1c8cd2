// Package workspace owns the per-job scratch directories under a single root.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"renderexport/apperr"
	"renderexport/logger"
)

// Thresholds below which new workspaces are refused. Zero disables a check.
type Thresholds struct {
	// MinIdleCPU is the idle CPU percentage required.
	MinIdleCPU  float64
	MinFreeMem  int64
	MinFreeDisk int64
}

type Manager struct {
	root       string
	thresholds Thresholds
	log        *logger.Logger
}

func NewManager(root string, thresholds Thresholds, log *logger.Logger) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("could not create workspace root: %w", err)
	}
	return &Manager{
		root:       abs,
		thresholds: thresholds,
		log:        log.WithComponent("workspace"),
	}, nil
}

func (m *Manager) Root() string {
	return m.root
}

// Allocate creates a fresh directory for jobID. It fails if the directory
// already exists, so a repeated id can never share a workspace.
func (m *Manager) Allocate(jobID string) (string, error) {
	if jobID == "" || jobID != filepath.Base(jobID) || jobID == "." || jobID == ".." {
		return "", apperr.Newf(apperr.CodeAllocation, "invalid job id %q", jobID)
	}
	if err := m.checkResources(); err != nil {
		return "", apperr.Wrap(err, apperr.CodeAllocation, "workspace.allocate", "insufficient system resources")
	}

	path := filepath.Join(m.root, jobID)
	if err := os.Mkdir(path, 0o700); err != nil {
		return "", apperr.Wrap(err, apperr.CodeAllocation, "workspace.allocate", "could not create workspace")
	}
	m.log.Debug("workspace allocated", "path", path)
	return path, nil
}

// Reclaim removes path and everything under it. A missing directory is not
// an error. Failures are logged, never returned: reclamation runs after the
// triggering request has finished.
func (m *Manager) Reclaim(path string) {
	if !m.contains(path) {
		m.log.Error("refusing to reclaim path outside workspace root", "path", path, "code", apperr.CodeReclaim)
		return
	}
	if err := os.RemoveAll(path); err != nil {
		m.log.Error("workspace reclaim failed", "path", path, "error", err.Error(), "code", apperr.CodeReclaim)
		return
	}
	m.log.Debug("workspace reclaimed", "path", path)
}

// Purge removes every entry under the root. Called once at startup: nothing
// survives a restart, so anything found there is an orphan.
func (m *Manager) Purge() error {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return fmt.Errorf("read workspace root: %w", err)
	}
	var errs []error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(m.root, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if len(entries) > 0 {
		m.log.Info("purged stale workspaces", "count", len(entries))
	}
	return errors.Join(errs...)
}

func (m *Manager) contains(path string) bool {
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." {
		return false
	}
	return filepath.IsLocal(rel) && !strings.ContainsRune(rel, filepath.Separator)
}

// checkResources verifies the host can take another capture.
func (m *Manager) checkResources() error {
	if m.thresholds.MinIdleCPU > 0 {
		p, err := cpu.Percent(0, false)
		if err != nil {
			m.log.Warn("could not get CPU usage", "error", err.Error())
		} else if len(p) > 0 && p[0] > (100.0-m.thresholds.MinIdleCPU) {
			return fmt.Errorf("not enough idle CPU: usage %.2f%%, idle threshold %.2f%%", p[0], m.thresholds.MinIdleCPU)
		}
	}

	if m.thresholds.MinFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			m.log.Warn("could not get memory usage", "error", err.Error())
		} else if vm.Available < uint64(m.thresholds.MinFreeMem) {
			return fmt.Errorf("not enough free memory: available %d, required %d", vm.Available, m.thresholds.MinFreeMem)
		}
	}

	if m.thresholds.MinFreeDisk > 0 {
		d, err := disk.Usage(m.root)
		if err != nil {
			m.log.Warn("could not get disk usage", "path", m.root, "error", err.Error())
		} else if d.Free < uint64(m.thresholds.MinFreeDisk) {
			return fmt.Errorf("not enough free disk space: available %d, required %d", d.Free, m.thresholds.MinFreeDisk)
		}
	}
	return nil
}
