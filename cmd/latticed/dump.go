// dump.go exposes spec.md §6's dump export/import as standalone
// subcommands rather than only reachable through the task queue (an
// operator recovering a dead instance has no running scheduler to enqueue
// against) — the same "CLI subcommand wraps a package that the running
// server also drives internally" split the teacher's cbindexperf/indexer
// binaries give their own one-shot maintenance operations.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/latticedb/lattice/internal/dump"
	"github.com/latticedb/lattice/internal/index"
	"github.com/latticedb/lattice/internal/indexmapper"
	"github.com/latticedb/lattice/internal/kvstore"
	"github.com/latticedb/lattice/internal/task"
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "export and import full-instance dumps",
}

var dumpExportCmd = &cobra.Command{
	Use:   "export <output.dump>",
	Short: "write every index, document and task to a dump file",
	Args:  cobra.ExactArgs(1),
	RunE:  runDumpExport,
}

var dumpImportCmd = &cobra.Command{
	Use:   "import <input.dump>",
	Short: "recreate indexes, documents and task history from a dump file",
	Args:  cobra.ExactArgs(1),
	RunE:  runDumpImport,
}

func init() {
	dumpCmd.AddCommand(dumpExportCmd)
	dumpCmd.AddCommand(dumpImportCmd)
}

func runDumpExport(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

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

	out, err := os.Create(args[0])
	if err != nil {
		return err
	}
	defer out.Close()

	w := dump.NewWriter(out)
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
		var settingsMap map[string]interface{}
		blob, _ := json.Marshal(settings)
		_ = json.Unmarshal(blob, &settingsMap)
		records = append(records, dump.IndexRecord{UID: name, PrimaryKey: nilIfEmpty(settings.PrimaryKey), Settings: settingsMap})

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
	fmt.Fprintf(cmd.OutOrStdout(), "dumped %d indexes, %d tasks to %s\n", len(records), len(flat), args[0])
	return w.Close()
}

func runDumpImport(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	in, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer in.Close()

	rd, err := dump.Open(in)
	if err != nil {
		return fmt.Errorf("read dump: %w", err)
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

	for _, rec := range rd.Indexes() {
		h, err := mapper.Create(rec.UID, cfg.IndexBaseMapSize)
		if err != nil {
			return fmt.Errorf("recreate index %q: %w", rec.UID, err)
		}
		idx, err := index.Open(h.Store)
		if err != nil {
			h.Release()
			return err
		}
		settings, err := idx.Settings()
		if err == nil && rec.PrimaryKey != nil {
			settings.PrimaryKey = *rec.PrimaryKey
			_ = idx.UpdateSettings(settings)
		}
		primaryKey := ""
		if rec.PrimaryKey != nil {
			primaryKey = *rec.PrimaryKey
		}
		docs := rd.Documents(rec.UID)
		if len(docs) > 0 && primaryKey != "" {
			if _, err := idx.AddDocuments(docs, string(task.MethodReplace), primaryKey); err != nil {
				h.Release()
				return fmt.Errorf("import documents for %q: %w", rec.UID, err)
			}
		}
		h.Release()
	}

	tasks, malformed, err := rd.Tasks()
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if _, err := q.Enqueue(t.Kind, t.IndexUID, t.Content, t.CustomMetadata); err != nil {
			return fmt.Errorf("replay task history: %w", err)
		}
	}
	for _, m := range malformed {
		ft := m.ToFailedTask()
		if _, err := q.Enqueue(ft.Kind, ft.IndexUID, ft.Content, ft.CustomMetadata); err != nil {
			return fmt.Errorf("replay malformed task placeholder: %w", err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "imported %d indexes, %d tasks (%d malformed) from %s\n",
		len(rd.Indexes()), len(tasks), len(malformed), args[0])
	return nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
