package canvas

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/pixelping/internal/logging"
)

// PersistError reports a failed persist. The canvas itself is unaffected.
type PersistError struct {
	Path string
	Op   string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Persist snapshots the canvas and atomically replaces the canvas file.
// Encoding and I/O happen off the owner goroutine; concurrent calls are
// serialised.
func (e *Engine) Persist(ctx context.Context) error {
	if e.path == "" {
		return nil
	}

	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	snap, err := e.Snapshot(ctx)
	if err != nil {
		e.metrics.RecordPersist(0, 0, err)
		return &PersistError{Path: e.path, Op: "snapshot", Err: err}
	}
	return e.write(snap)
}

// write encodes snap and renames it over the canvas file so readers never
// see a partial image.
func (e *Engine) write(snap *Snapshot) (err error) {
	start := time.Now()
	var size int
	defer func() {
		e.metrics.RecordPersist(time.Since(start).Seconds(), size, err)
		if err != nil {
			e.logger.Error("persist failed", logging.KeyPath, e.path, logging.KeyError, err)
			return
		}
		e.logger.Debug("canvas persisted",
			logging.KeyPath, e.path,
			logging.KeySize, humanize.Bytes(uint64(size)),
			logging.KeyDuration, time.Since(start))
	}()

	data, err := e.encoder(snap)
	if err != nil {
		return &PersistError{Path: e.path, Op: "encode", Err: err}
	}
	size = len(data)

	dir := filepath.Dir(e.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(e.path)+".*.tmp")
	if err != nil {
		return &PersistError{Path: e.path, Op: "create", Err: err}
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return &PersistError{Path: e.path, Op: "write", Err: err}
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return &PersistError{Path: e.path, Op: "sync", Err: err}
	}
	if err = tmp.Close(); err != nil {
		return &PersistError{Path: e.path, Op: "close", Err: err}
	}
	if err = os.Chmod(tmpName, 0644); err != nil {
		return &PersistError{Path: e.path, Op: "chmod", Err: err}
	}
	if err = os.Rename(tmpName, e.path); err != nil {
		return &PersistError{Path: e.path, Op: "rename", Err: err}
	}
	return nil
}
