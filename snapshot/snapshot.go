// Package snapshot copies folder summaries between stores through an
// object store.
//
// Export writes each folder as one gzip-compressed JSON-lines object (an
// optional header line followed by one line per row) and a JSON manifest
// naming them. Import reads a manifest back into any store.Store, so a
// snapshot doubles as a backup and as a migration path between backends.
//
//	m, err := snapshot.Export(ctx, pg, blob)
//	...
//	err = snapshot.Import(ctx, boltStore, blob, m.ID, snapshot.WithReplace(true))
package snapshot

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/summary/retry"
	"github.com/rbaliyan/summary/store"
	"golang.org/x/sync/errgroup"
)

// Manifest describes one snapshot.
type Manifest struct {
	ID      string        `json:"id"`
	Created time.Time     `json:"created"`
	Folders []FolderEntry `json:"folders"`
}

// FolderEntry locates one folder inside a snapshot.
type FolderEntry struct {
	Folder    string `json:"folder"`
	Key       string `json:"key"`
	Rows      int    `json:"rows"`
	HasHeader bool   `json:"has_header"`
}

// line is one JSON line of a folder object. Exactly one field is set.
type line struct {
	Header *store.HeaderRow `json:"header,omitempty"`
	Row    *store.Row       `json:"row,omitempty"`
}

func manifestKey(prefix, id string) string {
	return path.Join(prefix, id, "manifest.json")
}

// Export snapshots folders of src into blob and returns the manifest.
// Folders come from WithFolders, or from src when it implements
// store.FolderLister.
func Export(ctx context.Context, src store.Store, blob Blob, opts ...Option) (*Manifest, error) {
	o := newOptions(opts...)

	folders := o.folders
	if len(folders) == 0 {
		fl, ok := src.(store.FolderLister)
		if !ok {
			return nil, fmt.Errorf("snapshot: store cannot list folders, use WithFolders")
		}
		var err error
		if folders, err = fl.Folders(ctx); err != nil {
			return nil, fmt.Errorf("snapshot: list folders: %w", err)
		}
	}

	m := &Manifest{
		ID:      uuid.NewString(),
		Created: time.Now().UTC(),
		Folders: make([]FolderEntry, len(folders)),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i, folder := range folders {
		entry := &m.Folders[i]
		entry.Folder = folder
		entry.Key = path.Join(o.prefix, m.ID, fmt.Sprintf("%06d.jsonl.gz", i))
		g.Go(func() error {
			return exportFolder(gctx, src, blob, entry, o)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("snapshot: encode manifest: %w", err)
	}
	if err := put(ctx, blob, manifestKey(o.prefix, m.ID), data, o); err != nil {
		return nil, fmt.Errorf("snapshot: write manifest: %w", err)
	}
	o.logger.Info("snapshot exported", "id", m.ID, "folders", len(m.Folders))
	return m, nil
}

func exportFolder(ctx context.Context, src store.Store, blob Blob, entry *FolderEntry, o *options) error {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)

	header, err := src.ReadHeader(ctx, entry.Folder)
	switch {
	case err == nil:
		if err := enc.Encode(line{Header: header}); err != nil {
			return fmt.Errorf("snapshot: encode header of %s: %w", entry.Folder, err)
		}
		entry.HasHeader = true
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("snapshot: read header of %s: %w", entry.Folder, err)
	}

	var encErr error
	err = src.BulkRead(ctx, entry.Folder, func(row *store.Row) bool {
		if encErr = enc.Encode(line{Row: row}); encErr != nil {
			return false
		}
		entry.Rows++
		return true
	})
	if err == nil {
		err = encErr
	}
	if err != nil {
		return fmt.Errorf("snapshot: read rows of %s: %w", entry.Folder, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("snapshot: compress %s: %w", entry.Folder, err)
	}

	if err := put(ctx, blob, entry.Key, buf.Bytes(), o); err != nil {
		return fmt.Errorf("snapshot: upload %s: %w", entry.Folder, err)
	}
	o.logger.Debug("folder exported", "folder", entry.Folder, "rows", entry.Rows, "bytes", buf.Len())
	return nil
}

func put(ctx context.Context, blob Blob, key string, data []byte, o *options) error {
	return retry.Do(ctx, o.retry, func(ctx context.Context) error {
		return blob.Put(ctx, key, bytes.NewReader(data))
	})
}

// ReadManifest loads the manifest of snapshot id.
func ReadManifest(ctx context.Context, blob Blob, id string, opts ...Option) (*Manifest, error) {
	o := newOptions(opts...)
	rc, err := retry.DoWithResult(ctx, o.retry, func(ctx context.Context) (io.ReadCloser, error) {
		return blob.Get(ctx, manifestKey(o.prefix, id))
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: read manifest %s: %w", id, err)
	}
	defer rc.Close()

	var m Manifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return nil, fmt.Errorf("snapshot: decode manifest %s: %w", id, err)
	}
	return &m, nil
}

// Import restores snapshot id into dst. With WithFolders only the named
// folders are restored. Headers are written after the rows so a partially
// imported folder never carries a header claiming rows it lacks.
func Import(ctx context.Context, dst store.Store, blob Blob, id string, opts ...Option) error {
	o := newOptions(opts...)
	m, err := ReadManifest(ctx, blob, id, opts...)
	if err != nil {
		return err
	}

	wanted := make(map[string]bool, len(o.folders))
	for _, f := range o.folders {
		wanted[f] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for _, entry := range m.Folders {
		if len(wanted) > 0 && !wanted[entry.Folder] {
			continue
		}
		g.Go(func() error {
			return importFolder(gctx, dst, blob, entry, o)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	o.logger.Info("snapshot imported", "id", id)
	return nil
}

func importFolder(ctx context.Context, dst store.Store, blob Blob, entry FolderEntry, o *options) error {
	if o.replace {
		if err := dst.ClearFolder(ctx, entry.Folder); err != nil {
			return fmt.Errorf("snapshot: clear %s: %w", entry.Folder, err)
		}
	}

	rc, err := retry.DoWithResult(ctx, o.retry, func(ctx context.Context) (io.ReadCloser, error) {
		return blob.Get(ctx, entry.Key)
	})
	if err != nil {
		return fmt.Errorf("snapshot: open %s: %w", entry.Folder, err)
	}
	defer rc.Close()

	zr, err := gzip.NewReader(rc)
	if err != nil {
		return fmt.Errorf("snapshot: decompress %s: %w", entry.Folder, err)
	}
	defer zr.Close()

	var header *store.HeaderRow
	batch := make([]*store.Row, 0, o.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := writeRows(ctx, dst, entry.Folder, batch)
		batch = batch[:0]
		return err
	}

	dec := json.NewDecoder(bufio.NewReader(zr))
	for {
		var l line
		if err := dec.Decode(&l); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("snapshot: decode %s: %w", entry.Folder, err)
		}
		switch {
		case l.Header != nil:
			header = l.Header
		case l.Row != nil:
			batch = append(batch, l.Row)
			if len(batch) >= o.batchSize {
				if err := flush(); err != nil {
					return fmt.Errorf("snapshot: write rows of %s: %w", entry.Folder, err)
				}
			}
		}
	}
	if err := flush(); err != nil {
		return fmt.Errorf("snapshot: write rows of %s: %w", entry.Folder, err)
	}

	if header != nil {
		if err := dst.WriteHeader(ctx, entry.Folder, header); err != nil {
			return fmt.Errorf("snapshot: write header of %s: %w", entry.Folder, err)
		}
	}
	o.logger.Debug("folder imported", "folder", entry.Folder, "rows", entry.Rows)
	return nil
}

func writeRows(ctx context.Context, dst store.Store, folderID string, rows []*store.Row) error {
	if bw, ok := dst.(store.BatchWriter); ok {
		return bw.WriteRecords(ctx, folderID, rows)
	}
	for _, row := range rows {
		if err := dst.WriteRecord(ctx, folderID, row); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes every object of snapshot id, manifest last.
func Remove(ctx context.Context, blob Blob, id string, opts ...Option) error {
	o := newOptions(opts...)
	m, err := ReadManifest(ctx, blob, id, opts...)
	if err != nil {
		return err
	}
	var errs []error
	for _, entry := range m.Folders {
		if err := blob.Delete(ctx, entry.Key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", entry.Key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("snapshot: remove %s: %w", id, errors.Join(errs...))
	}
	if err := blob.Delete(ctx, manifestKey(o.prefix, id)); err != nil {
		return fmt.Errorf("snapshot: remove manifest %s: %w", id, err)
	}
	return nil
}
