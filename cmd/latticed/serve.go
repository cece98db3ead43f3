// serve.go wires the task queue, index mapper, scheduler and HTTP surface
// together into one running process — spec.md §6's API bound to spec.md
// §4/§5's write path and §4.4's search path.
//
// The HTTP layer itself follows the teacher's admin_httpd.go
// (secondary/adminport/admin_httpd.go): a bare net/http.ServeMux and
// *http.Server with explicit read/write timeouts, no router framework —
// the only HTTP framework anywhere in the retrieval pack (gorilla/mux) is
// an indirect, never-imported dependency even in the teacher itself, so
// this keeps the teacher's actual stdlib-mux practice rather than
// "wiring" a library nothing in the pack really uses.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/latticedb/lattice/internal/config"
	"github.com/latticedb/lattice/internal/errors"
	"github.com/latticedb/lattice/internal/index"
	"github.com/latticedb/lattice/internal/indexmapper"
	"github.com/latticedb/lattice/internal/kvstore"
	"github.com/latticedb/lattice/internal/logging"
	"github.com/latticedb/lattice/internal/scheduler"
	"github.com/latticedb/lattice/internal/search"
	"github.com/latticedb/lattice/internal/task"
	"github.com/latticedb/lattice/internal/tenant"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the write scheduler and the search/document HTTP API",
	RunE:  runServe,
}

// server bundles the running process's long-lived collaborators, the
// receiver for every HTTP handler below.
type server struct {
	cfg   *config.Config
	queue *task.Queue
	mapper *indexmapper.Mapper
	sched *scheduler.Scheduler
	eng   *engine
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	queuePath := filepath.Join(cfg.DataDir, "tasks.db")
	q, err := task.Open(queuePath)
	if err != nil {
		return fmt.Errorf("open task queue: %w", err)
	}
	defer q.Close()

	indexesDir := filepath.Join(cfg.DataDir, "indexes")
	openFn := func(id uuid.UUID, mapSize int64, create bool) (*kvstore.Store, error) {
		path := filepath.Join(indexesDir, id.String(), "data.db")
		opts := kvstore.Options{}
		if mapSize > 0 {
			opts.InitialMmapSize = int(mapSize)
		}
		return kvstore.Open(path, opts)
	}
	mapper, err := indexmapper.New(indexmapper.Options{
		BaseDir:          cfg.DataDir,
		Capacity:         cfg.IndexMapperCapacity,
		AcquireRetries:   cfg.HandleAcquireRetries,
		AcquireRetryWait: cfg.HandleAcquireRetryWait,
		Open:             openFn,
	})
	if err != nil {
		return fmt.Errorf("open index mapper: %w", err)
	}
	defer mapper.Close()

	eng := newEngine(mapper, cfg.IndexBaseMapSize)
	sched := scheduler.New(q, eng, eng, scheduler.Options{})
	sched.Start()
	defer sched.Stop()

	srv := &server{cfg: cfg, queue: q, mapper: mapper, sched: sched, eng: eng}

	mux := http.NewServeMux()
	mux.HandleFunc("/indexes/", srv.handleIndexes)
	mux.HandleFunc("/tasks/", srv.handleTaskGet)
	mux.HandleFunc("/tasks", srv.handleTaskList)

	httpSrv := &http.Server{
		Addr:         cfg.BindAddr,
		Handler:      srv.withAuth(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Infof("latticed: listening on %s", cfg.BindAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-sigCh:
		logging.Infof("latticed: shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(ctx)
	}
	return nil
}

// withAuth enforces spec.md §6's bearer-credential contract: the
// configured master key always passes, otherwise the bearer must be a
// valid tenant token (internal/tenant) signed with it.
func (s *server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.MasterKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		authz := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(authz) <= len(prefix) || authz[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, errors.New(errors.CodeMissingAuthorizationHeader, "missing bearer token"))
			return
		}
		bearer := authz[len(prefix):]
		if bearer == s.cfg.MasterKey {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := tenant.Verify(bearer, []byte(s.cfg.MasterKey))
		if err != nil {
			writeError(w, http.StatusForbidden, err)
			return
		}
		ctx := context.WithValue(r.Context(), tenantClaimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type tenantClaimsKey struct{}

func claimsFrom(r *http.Request) *tenant.Claims {
	c, _ := r.Context().Value(tenantClaimsKey{}).(*tenant.Claims)
	return c
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleIndexes dispatches every /indexes/{uid}[/...] route: bare index
// create/delete, /documents add, /settings update, /search.
func (s *server) handleIndexes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path[len("/indexes/"):]
	indexUID, rest := splitFirstSegment(path)
	if indexUID == "" {
		writeError(w, http.StatusBadRequest, errors.New(errors.CodeInvalidIndexUID, "index uid required"))
		return
	}

	switch {
	case rest == "" && r.Method == http.MethodPost:
		s.createIndex(w, r, indexUID)
	case rest == "" && r.Method == http.MethodDelete:
		s.deleteIndex(w, r, indexUID)
	case rest == "documents" && r.Method == http.MethodPost:
		s.addDocuments(w, r, indexUID)
	case rest == "settings" && (r.Method == http.MethodPatch || r.Method == http.MethodPut):
		s.updateSettings(w, r, indexUID, r.Method == http.MethodPut)
	case rest == "search" && r.Method == http.MethodPost:
		s.search(w, r, indexUID)
	default:
		http.NotFound(w, r)
	}
}

func splitFirstSegment(path string) (first, rest string) {
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}

func (s *server) createIndex(w http.ResponseWriter, r *http.Request, indexUID string) {
	var body struct {
		PrimaryKey *string `json:"primaryKey"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	t, err := s.queue.Enqueue(task.KindIndexCreation, &indexUID, task.KindContent{PrimaryKey: body.PrimaryKey}, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.sched.Wake()
	writeJSON(w, http.StatusAccepted, t)
}

func (s *server) deleteIndex(w http.ResponseWriter, r *http.Request, indexUID string) {
	t, err := s.queue.Enqueue(task.KindIndexDeletion, &indexUID, task.KindContent{}, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.sched.Wake()
	writeJSON(w, http.StatusAccepted, t)
}

func (s *server) addDocuments(w http.ResponseWriter, r *http.Request, indexUID string) {
	var docs []map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&docs); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(errors.CodeMalformedPayload, err, "decode document payload"))
		return
	}
	method := task.MethodReplace
	if r.URL.Query().Get("method") == "update" {
		method = task.MethodUpdate
	}
	contentUUID := uuid.New().String()
	s.eng.content.put(contentUUID, docs)

	var pk *string
	if v := r.URL.Query().Get("primaryKey"); v != "" {
		pk = &v
	}
	t, err := s.queue.Enqueue(task.KindDocumentAdditionOrUpdate, &indexUID, task.KindContent{
		Method:             method,
		PrimaryKey:         pk,
		AllowIndexCreation: true,
		ContentUUID:        contentUUID,
	}, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.sched.Wake()
	writeJSON(w, http.StatusAccepted, t)
}

func (s *server) updateSettings(w http.ResponseWriter, r *http.Request, indexUID string, isDeletion bool) {
	var patch map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(errors.CodeMalformedPayload, err, "decode settings payload"))
		return
	}
	t, err := s.queue.Enqueue(task.KindSettingsUpdate, &indexUID, task.KindContent{Settings: patch, IsDeletion: isDeletion}, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.sched.Wake()
	writeJSON(w, http.StatusAccepted, t)
}

// search runs synchronously against the index's current state — spec.md
// §6's search endpoint is a read, not a task, consistent with the
// teacher's own read path bypassing the write queue entirely.
func (s *server) search(w http.ResponseWriter, r *http.Request, indexUID string) {
	var body struct {
		Query                string   `json:"q"`
		Offset               int      `json:"offset"`
		Limit                int      `json:"limit"`
		AttributesToRetrieve []string `json:"attributesToRetrieve"`
		RetrieveVectors      bool     `json:"retrieveVectors"`
		ShowRankingScore     bool     `json:"showRankingScore"`
		Filter               string   `json:"filter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(errors.CodeMalformedPayload, err, "decode search request"))
		return
	}
	if body.Limit <= 0 {
		body.Limit = 20
	}

	h, err := s.mapper.Get(indexUID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	defer h.Release()
	idx, err := index.Open(h.Store)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	settings, err := idx.Settings()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	var filter *string
	if claims := claimsFrom(r); claims != nil {
		parentIndexes := []string{"*"}
		resolved, err := tenant.Resolve(claims, parentIndexes, indexUID)
		if err != nil {
			writeError(w, http.StatusForbidden, err)
			return
		}
		filter = resolved
	}
	if body.Filter != "" {
		filter = &body.Filter
	}

	page, err := search.Execute(idx, settings, search.Request{
		Query:                body.Query,
		Offset:               body.Offset,
		Limit:                body.Limit,
		AttributesToRetrieve: body.AttributesToRetrieve,
		RetrieveVectors:      body.RetrieveVectors,
		ShowRankingScore:     body.ShowRankingScore,
		Filter:               filter,
		TimeBudget:           s.cfg.SearchTimeBudget,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	idStr := r.URL.Path[len("/tasks/"):]
	uid, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New(errors.CodeInvalidTaskUIDs, "invalid task uid %q", idStr))
		return
	}
	t, err := s.queue.Get(uid)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.queue.List(task.Filter{Limit: 1000})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": tasks})
}
