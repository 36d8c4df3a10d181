// Package image manages qcow2 disk images: copy-on-write overlays
// backed by a shared read-only base image, standalone disks for
// workspaces, and guarded deletion. All creation goes through qemu-img.
package image

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Error is a disk creation/deletion failure.
type Error struct {
	Op   string // "create", "delete"
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("image %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// SecurityError is returned when a delete targets a path outside its
// allowed root directory.
type SecurityError struct {
	Path string
	Root string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("refusing to delete %s: outside allowed root %s", e.Path, e.Root)
}

// execCommand is swapped out in tests to avoid requiring qemu-img.
var execCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// CreateOpts selects how a new image is backed. Exactly one of
// BaseImage and Size must be set: an overlay inherits its virtual size
// from the base, a standalone disk needs an explicit size.
type CreateOpts struct {
	BaseImage string // path to the read-only backing image
	Size      string // qemu-img size spec, e.g. "10G"
}

// Manager creates and deletes qcow2 images.
type Manager struct {
	QemuImg string // qemu-img binary, default "qemu-img"
}

// NewManager returns a Manager using the default qemu-img binary.
func NewManager() *Manager {
	return &Manager{QemuImg: "qemu-img"}
}

// CreateOverlay creates a copy-on-write qcow2 overlay at
// targetDir/name.qcow2 backed by baseImage. The overlay's virtual size
// equals the base image's.
func (m *Manager) CreateOverlay(ctx context.Context, name, baseImage, targetDir string) (string, error) {
	return m.Create(ctx, name, CreateOpts{BaseImage: baseImage}, targetDir)
}

// CreateStandalone creates a standalone qcow2 image of the given size
// at targetDir/name.qcow2.
func (m *Manager) CreateStandalone(ctx context.Context, name, size, targetDir string) (string, error) {
	return m.Create(ctx, name, CreateOpts{Size: size}, targetDir)
}

// Create builds a qcow2 image per opts. Exactly one of the backing
// image and the explicit size must be supplied.
func (m *Manager) Create(ctx context.Context, name string, opts CreateOpts, targetDir string) (string, error) {
	diskPath := filepath.Join(targetDir, name+".qcow2")

	if opts.BaseImage == "" && opts.Size == "" {
		return "", &Error{Op: "create", Path: diskPath,
			Err: fmt.Errorf("neither a backing image nor a size was supplied")}
	}
	if opts.BaseImage != "" && opts.Size != "" {
		return "", &Error{Op: "create", Path: diskPath,
			Err: fmt.Errorf("both a backing image and a size were supplied; want exactly one")}
	}

	if opts.BaseImage != "" {
		if _, err := os.Stat(opts.BaseImage); err != nil {
			return "", &Error{Op: "create", Path: diskPath,
				Err: fmt.Errorf("base image %s: %w", opts.BaseImage, err)}
		}
	}

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", &Error{Op: "create", Path: diskPath, Err: err}
	}

	bin := m.QemuImg
	if bin == "" {
		bin = "qemu-img"
	}

	args := []string{"create", "-f", "qcow2"}
	if opts.BaseImage != "" {
		args = append(args, "-b", opts.BaseImage, "-F", "qcow2", diskPath)
	} else {
		args = append(args, diskPath, opts.Size)
	}

	if out, err := execCommand(ctx, bin, args...); err != nil {
		return "", &Error{Op: "create", Path: diskPath,
			Err: fmt.Errorf("qemu-img create: %w: %s", err, strings.TrimSpace(string(out)))}
	}
	return diskPath, nil
}

// Delete unlinks a disk image after verifying it resolves under
// allowedRoot. The containment check runs immediately before the
// unlink every time, even if a caller already validated the path:
// this is the one destructive, irreversible operation on the host
// filesystem.
func (m *Manager) Delete(diskPath, allowedRoot string) error {
	if err := ensureInside(diskPath, allowedRoot); err != nil {
		return err
	}
	if err := os.Remove(diskPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &Error{Op: "delete", Path: diskPath, Err: err}
	}
	return nil
}

// ensureInside verifies that path resolves to a location under root,
// following symlinks where they exist so a link inside the root cannot
// point the delete elsewhere.
func ensureInside(path, root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return &SecurityError{Path: path, Root: root}
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return &SecurityError{Path: path, Root: root}
	}
	if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolved
	}
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		absPath = resolved
	}

	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return &SecurityError{Path: path, Root: root}
	}
	if rel == "." {
		// The root itself is not a deletable image.
		return &SecurityError{Path: path, Root: root}
	}
	return nil
}
