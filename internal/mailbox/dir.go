package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Dir reads report mails from files in a directory. Files are processed in
// name order, so names should sort by arrival (maildir names do). Moved
// items end up in a sub directory, which is never listed.
type Dir struct {
	name   string
	path   string
	logger *slog.Logger
}

func NewDir(name, path string, logger *slog.Logger) (*Dir, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("could not open mail directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", path)
	}
	return &Dir{
		name:   name,
		path:   path,
		logger: logger,
	}, nil
}

func (d *Dir) Name() string {
	return d.name
}

func (d *Dir) ListSince(ctx context.Context, cursor string, limit int) ([]ItemRef, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("could not list %s: %w", d.path, err)
	}

	var refs []ItemRef
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if e.Name() <= cursor {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed while listing
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		refs = append(refs, ItemRef{
			ID:       e.Name(),
			Position: e.Name(),
			Subject:  e.Name(),
			Received: info.ModTime(),
		})
	}
	// ReadDir already sorts by name, keep it explicit
	slices.SortFunc(refs, func(a, b ItemRef) int {
		return strings.Compare(a.Position, b.Position)
	})
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

func (d *Dir) Fetch(_ context.Context, ref ItemRef) (RawMessage, error) {
	p, err := d.itemPath(ref)
	if err != nil {
		return RawMessage{}, err
	}
	data, err := os.ReadFile(p) // nolint: gosec
	if err != nil {
		return RawMessage{}, fmt.Errorf("could not read %s: %w", ref.ID, err)
	}
	return RawMessage{Ref: ref, Data: data}, nil
}

func (d *Dir) ApplyDisposition(_ context.Context, ref ItemRef, disp Disposition) error {
	p, err := d.itemPath(ref)
	if err != nil {
		return err
	}
	switch disp.Action {
	case ActionNone, "":
		return nil
	case ActionMarkRead:
		d.logger.Debug("mark read is not supported for directories, ignoring", slog.String("item", ref.ID))
		return nil
	case ActionMove:
		folder := filepath.Join(d.path, filepath.Clean(string(filepath.Separator)+disp.Folder))
		if err := os.MkdirAll(folder, 0o750); err != nil {
			return fmt.Errorf("could not create folder %s: %w", disp.Folder, err)
		}
		if err := os.Rename(p, filepath.Join(folder, ref.ID)); err != nil {
			return fmt.Errorf("could not move %s: %w", ref.ID, err)
		}
		return nil
	case ActionDelete:
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("could not delete %s: %w", ref.ID, err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported disposition %q", disp.Action)
	}
}

func (d *Dir) Close() error {
	return nil
}

func (d *Dir) itemPath(ref ItemRef) (string, error) {
	if ref.ID == "" || ref.ID != filepath.Base(ref.ID) {
		return "", fmt.Errorf("invalid item id %q", ref.ID)
	}
	return filepath.Join(d.path, ref.ID), nil
}
