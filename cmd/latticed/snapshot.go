// snapshot.go exposes a manual "snapshot now" subcommand on top of
// internal/snapshot: it builds the same dump-shaped tar stream
// internal/dump's Writer produces and ships it straight to the
// configured S3-compatible bucket, the CLI-triggered equivalent of the
// SnapshotCreation task spec.md §4.1/§6 enqueue on the configured
// interval.
package main

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/latticedb/lattice/internal/dump"
	"github.com/latticedb/lattice/internal/index"
	"github.com/latticedb/lattice/internal/indexmapper"
	"github.com/latticedb/lattice/internal/kvstore"
	"github.com/latticedb/lattice/internal/snapshot"
	"github.com/latticedb/lattice/internal/task"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "build and upload a snapshot of the current instance",
	RunE:  runSnapshot,
}

func init() {
	snapshotCmd.Flags().String("bucket", "", "destination S3 bucket")
	snapshotCmd.Flags().String("region", "us-east-1", "S3 region")
	snapshotCmd.Flags().String("endpoint", "", "S3-compatible endpoint override (MinIO, etc)")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	bucket, _ := cmd.Flags().GetString("bucket")
	region, _ := cmd.Flags().GetString("region")
	endpoint, _ := cmd.Flags().GetString("endpoint")
	if bucket == "" {
		return fmt.Errorf("--bucket is required")
	}

	q, err := task.Open(filepath.Join(cfg.DataDir, "tasks.db"))
	if err != nil {
		return fmt.Errorf("open task queue: %w", err)
	}
	defer q.Close()

	mapper, err := indexmapper.New(indexmapper.Options{
		BaseDir: cfg.DataDir,
		Open: func(id uuid.UUID, mapSize int64, create bool) (*kvstore.Store, error) {
			return kvstore.Open(filepath.Join(cfg.DataDir, "indexes", id.String(), "data.db"), kvstore.Options{})
		},
	})
	if err != nil {
		return fmt.Errorf("open index mapper: %w", err)
	}
	defer mapper.Close()

	var buf bytes.Buffer
	w := dump.NewWriter(&buf)
	if err := w.WriteMetadata(uuid.New().String()); err != nil {
		return err
	}
	tasks, err := q.List(task.Filter{Limit: 1_000_000})
	if err != nil {
		return err
	}
	flat := make([]task.Task, 0, len(tasks))
	for _, t := range tasks {
		flat = append(flat, *t)
	}
	if err := w.WriteTasks(flat); err != nil {
		return err
	}
	names, err := mapper.Names()
	if err != nil {
		return err
	}
	var records []dump.IndexRecord
	for _, name := range names {
		h, err := mapper.Get(name)
		if err != nil {
			return err
		}
		idx, err := index.Open(h.Store)
		if err != nil {
			h.Release()
			return err
		}
		settings, err := idx.Settings()
		if err != nil {
			h.Release()
			return err
		}
		var pk *string
		if settings.PrimaryKey != "" {
			pk = &settings.PrimaryKey
		}
		records = append(records, dump.IndexRecord{UID: name, PrimaryKey: pk})

		ids, err := idx.AllDocIDs()
		if err != nil {
			h.Release()
			return err
		}
		var docs []map[string]interface{}
		it := ids.Iterator()
		for it.HasNext() {
			fields, _, err := idx.Document(it.Next())
			if err != nil {
				h.Release()
				return err
			}
			docs = append(docs, fields)
		}
		h.Release()
		if err := w.WriteDocuments(name, docs); err != nil {
			return err
		}
	}
	if err := w.WriteIndexes(records); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	ctx := context.Background()
	uploader, err := snapshot.New(ctx, snapshot.Options{Bucket: bucket, Region: region, Endpoint: endpoint})
	if err != nil {
		return fmt.Errorf("build uploader: %w", err)
	}
	key := fmt.Sprintf("snapshots/%s.snapshot", time.Now().UTC().Format("20060102T150405Z"))
	etag, err := uploader.Upload(ctx, key, &buf)
	if err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s (etag %s), %d indexes, %d tasks\n", key, etag, len(records), len(flat))
	return nil
}
