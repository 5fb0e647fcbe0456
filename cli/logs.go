package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/yllada/ocvpn/common"
)

// Logs prints the last n lines of the log file and, with follow, keeps
// printing new lines until ctx is done.
func (c *CLI) Logs(ctx context.Context, n int, follow bool) error {
	return c.logsAt(ctx, common.LogFilePath(), n, follow)
}

func (c *CLI) logsAt(ctx context.Context, path string, n int, follow bool) error {
	lines, err := common.TailLog(path, n)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if errors.Is(err, fs.ErrNotExist) && !follow {
		fmt.Fprintf(c.out, "No log file at %s yet.\n", path)
		return nil
	}
	for _, line := range lines {
		fmt.Fprintln(c.out, line)
	}
	if !follow {
		return nil
	}
	return c.follow(ctx, path)
}

// follow copies what is appended to path. The directory is watched so a
// rotation, which renames the file and creates a new one, is picked up.
func (c *CLI) follow(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watching %s: %w", path, err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	var file *os.File
	defer func() {
		if file != nil {
			file.Close()
		}
	}()
	open := func(atEnd bool) {
		if file != nil {
			file.Close()
			file = nil
		}
		f, err := os.Open(path)
		if err != nil {
			return
		}
		if atEnd {
			if _, err := f.Seek(0, io.SeekEnd); err != nil {
				f.Close()
				return
			}
		}
		file = f
	}
	open(true)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			switch {
			case event.Has(fsnotify.Create):
				open(false)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				if file != nil {
					file.Close()
					file = nil
				}
				continue
			}
			if file == nil {
				open(false)
			}
			if file != nil {
				if _, err := io.Copy(c.out, file); err != nil {
					return err
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			common.LogWarn("log watcher: %v", err)
		}
	}
}
