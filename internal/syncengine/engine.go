// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/flowbridge/bridge/internal/atomicfile"
	"github.com/flowbridge/bridge/internal/objectstore"
)

// Stats reports one Run's outcome.
type Stats struct {
	ScannedRemote int `json:"scannedRemote"`
	Downloaded    int `json:"downloaded"`
	Uploaded      int `json:"uploaded"`
	Conflicts     int `json:"conflicts"`
}

// Engine mirrors WorkRoot against Bucket+Prefix.
type Engine struct {
	Store    objectstore.Store
	Bucket   string
	Prefix   string
	WorkRoot string

	DownloadConcurrency int
	UploadConcurrency   int
	EnableUpload        bool

	Logger *slog.Logger

	// runMu serializes Run calls for this work root: "sync runs for
	// the same workRoot are serialized; runs for different work roots
	// are independent" (§5). A caller that triggers Run while one is
	// already in flight simply waits for its turn rather than running
	// concurrently against the same manifest file.
	runMu sync.Mutex
}

// Run executes one full sync pass: download, then upload (if
// enabled), then persists the updated manifest.
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	origManifest := loadManifest(e.WorkRoot)
	manifest := origManifest.Clone()

	remoteAttrs, err := e.listRemote(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("listing remote objects: %w", err)
	}

	localStats, err := e.snapshotLocal()
	if err != nil {
		return Stats{}, fmt.Errorf("scanning local tree: %w", err)
	}

	stats := Stats{ScannedRemote: len(remoteAttrs)}

	e.downloadPass(ctx, remoteAttrs, manifest, &stats, logger)

	if e.EnableUpload {
		e.uploadPass(ctx, origManifest, remoteAttrs, localStats, manifest, &stats, logger)
	}

	if err := saveManifest(e.WorkRoot, manifest); err != nil {
		return stats, fmt.Errorf("saving manifest: %w", err)
	}
	return stats, nil
}

// objectPrefix returns Prefix normalized to end in exactly one "/" (or
// "" if Prefix itself is empty), so object name construction never
// depends on callers remembering the trailing separator.
func (e *Engine) objectPrefix() string {
	if e.Prefix == "" {
		return ""
	}
	return strings.TrimSuffix(e.Prefix, "/") + "/"
}

// objectName builds the full remote object name for a work-root-relative path.
func (e *Engine) objectName(rel string) string {
	return e.objectPrefix() + rel
}

func (e *Engine) relName(objectName string) (string, bool) {
	rel := strings.TrimPrefix(objectName, e.objectPrefix())
	if rel == "" || strings.HasSuffix(objectName, "/") {
		return "", false
	}
	return rel, true
}

func (e *Engine) listRemote(ctx context.Context) (map[string]objectstore.Attrs, error) {
	attrs, err := e.Store.List(ctx, e.Bucket, e.objectPrefix())
	if err != nil {
		return nil, err
	}
	out := make(map[string]objectstore.Attrs, len(attrs))
	for _, a := range attrs {
		rel, ok := e.relName(a.Name)
		if !ok {
			continue
		}
		out[rel] = a
	}
	return out, nil
}

type localFile struct {
	mtimeMs int64
	size    int64
}

func (e *Engine) snapshotLocal() (map[string]localFile, error) {
	out := make(map[string]localFile)
	err := filepath.WalkDir(e.WorkRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(e.WorkRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == ManifestName {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out[rel] = localFile{mtimeMs: info.ModTime().UnixMilli(), size: info.Size()}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return out, nil
}

func (e *Engine) downloadPass(ctx context.Context, remoteAttrs map[string]objectstore.Attrs, manifest Manifest, stats *Stats, logger *slog.Logger) {
	concurrency := e.DownloadConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	type job struct {
		rel   string
		attrs objectstore.Attrs
	}
	jobs := make(chan job)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				data, gen, err := e.Store.Download(ctx, e.Bucket, j.attrs.Name)
				if err != nil {
					logger.Warn("sync download failed", "object", j.attrs.Name, "error", err)
					continue
				}
				abs := filepath.Join(e.WorkRoot, filepath.FromSlash(j.rel))
				if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
					logger.Warn("sync download mkdir failed", "object", j.attrs.Name, "error", err)
					continue
				}
				if err := atomicfile.Write(abs, data, 0644); err != nil {
					logger.Warn("sync download write failed", "object", j.attrs.Name, "error", err)
					continue
				}
				info, err := os.Stat(abs)
				if err != nil {
					logger.Warn("sync download stat failed", "object", j.attrs.Name, "error", err)
					continue
				}
				mu.Lock()
				manifest[j.rel] = Entry{RemoteGen: gen, LocalMtime: info.ModTime().UnixMilli(), LocalSize: info.Size()}
				stats.Downloaded++
				mu.Unlock()
			}
		}()
	}

	for rel, attrs := range remoteAttrs {
		if manifest[rel].RemoteGen != attrs.Generation {
			jobs <- job{rel: rel, attrs: attrs}
		}
	}
	close(jobs)
	wg.Wait()
}

func (e *Engine) uploadPass(ctx context.Context, origManifest Manifest, remoteAttrs map[string]objectstore.Attrs, localStats map[string]localFile, manifest Manifest, stats *Stats, logger *slog.Logger) {
	concurrency := e.UploadConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	type job struct {
		rel   string
		stat  localFile
		entry Entry
		found bool
	}
	jobs := make(chan job)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				remote, remoteExists := remoteAttrs[j.rel]

				if remoteExists && remote.Generation != j.entry.RemoteGen {
					mu.Lock()
					stats.Conflicts++
					mu.Unlock()
					continue
				}
				if !j.found && remoteExists {
					mu.Lock()
					stats.Conflicts++
					mu.Unlock()
					continue
				}

				ifMatch := j.entry.RemoteGen
				data, err := os.ReadFile(filepath.Join(e.WorkRoot, filepath.FromSlash(j.rel)))
				if err != nil {
					logger.Warn("sync upload read failed", "file", j.rel, "error", err)
					continue
				}
				logger.Debug("sync upload checksum", "file", j.rel, "blake3", checksumHex(data))
				gen, err := e.Store.Upload(ctx, e.Bucket, e.objectName(j.rel), data, ifMatch)
				if err != nil {
					mu.Lock()
					stats.Conflicts++
					mu.Unlock()
					logger.Warn("sync upload failed", "file", j.rel, "error", err)
					continue
				}
				mu.Lock()
				manifest[j.rel] = Entry{RemoteGen: gen, LocalMtime: j.stat.mtimeMs, LocalSize: j.stat.size}
				stats.Uploaded++
				mu.Unlock()
			}
		}()
	}

	for rel, stat := range localStats {
		entry, found := origManifest[rel]
		if found && entry.LocalMtime == stat.mtimeMs && entry.LocalSize == stat.size {
			continue // unchanged since last sync
		}
		jobs <- job{rel: rel, stat: stat, entry: entry, found: found}
	}
	close(jobs)
	wg.Wait()
}

// checksumHex returns the hex-encoded blake3 digest of data, logged
// alongside each upload so a later discrepancy against the object
// store's own content can be traced to a specific sync run.
func checksumHex(data []byte) string {
	h := blake3.New()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
