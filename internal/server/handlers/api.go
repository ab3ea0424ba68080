package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/gofleet/internal/errors"
	"github.com/3leaps/gofleet/pkg/cleanup"
	"github.com/3leaps/gofleet/pkg/deployment"
	"github.com/3leaps/gofleet/pkg/errand"
	"github.com/3leaps/gofleet/pkg/fleeterr"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/lock"
	"github.com/3leaps/gofleet/pkg/manifest"
	"github.com/3leaps/gofleet/pkg/store"
)

// UserHeader names the user recorded on tasks and events.
const UserHeader = "X-Gofleet-User"

// ContextHeader carries a caller-chosen id grouping related tasks.
const ContextHeader = "X-Gofleet-Context-Id"

const (
	defaultUser      = "director"
	maxManifestBytes = 8 << 20
)

// API serves task, event and lock queries and enqueues deployment work.
type API struct {
	DB     *store.DB
	Client *jobrunner.Client
	Locks  lock.Backend
}

// Routes mounts the API on r.
func (a *API) Routes(r chi.Router) {
	r.Get("/tasks", a.ListTasks)
	r.Get("/tasks/{id}", a.GetTask)
	r.Get("/tasks/{id}/output", a.TaskOutput)
	r.Delete("/tasks/{id}", a.CancelTask)

	r.Get("/events", a.ListEvents)
	r.Get("/locks", a.ListLocks)

	r.Get("/deployments", a.ListDeployments)
	r.Post("/deployments", a.Deploy)
	r.Delete("/deployments/{name}", a.DeleteDeployment)
	r.Post("/deployments/{name}/errands/{errand}/runs", a.RunErrand)

	r.Get("/deployments/{name}/instances", a.ListInstances)
	r.Post("/deployments/{name}/instances/{group}/{id}/{action}", a.InstanceAction)

	r.Get("/configs", a.LatestConfig)
	r.Post("/configs", a.CreateConfig)

	r.Get("/releases", a.ListReleases)
	r.Post("/releases", a.UploadRelease)
	r.Delete("/releases/{name}", a.DeleteRelease)
	r.Get("/stemcells", a.ListStemcells)
	r.Post("/stemcells", a.UploadStemcell)
	r.Delete("/stemcells/{name}/{version}", a.DeleteStemcell)

	r.Get("/disks", a.ListOrphanDisks)
	r.Delete("/disks/{cid}", a.DeleteOrphanDisk)
	r.Post("/cleanup", a.Cleanup)
}

func user(r *http.Request) string {
	if u := strings.TrimSpace(r.Header.Get(UserHeader)); u != "" {
		return u
	}
	return defaultUser
}

func taskID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fleeterr.Validation(fleeterr.CodeTaskNotFound, "invalid task id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fleeterr.Validation(0, "invalid %s %q", name, v)
	}
	return n, nil
}

func queryBool(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}

// queryTime accepts RFC 3339 or unix seconds.
func queryTime(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fleeterr.Validation(0, "invalid %s %q", name, v)
	}
	return t, nil
}

// ListTasks handles GET /tasks?state=a,b&deployment=&type=&limit=.
func (a *API) ListTasks(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	f := store.TaskFilter{
		Deployment: r.URL.Query().Get("deployment"),
		Type:       r.URL.Query().Get("type"),
		Limit:      limit,
	}
	if states := r.URL.Query().Get("state"); states != "" {
		for _, s := range strings.Split(states, ",") {
			f.States = append(f.States, store.TaskState(strings.TrimSpace(s)))
		}
	}
	tasks, err := store.ListTasks(r.Context(), a.DB, f)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	apperrors.WriteJSON(w, http.StatusOK, tasks)
}

// GetTask handles GET /tasks/{id}.
func (a *API) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	task, err := a.Client.Status(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, task)
}

// TaskOutput handles GET /tasks/{id}/output?type=event|result|debug.
func (a *API) TaskOutput(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	stream := r.URL.Query().Get("type")
	switch stream {
	case "":
		stream = jobrunner.StreamResult
	case jobrunner.StreamEvent, jobrunner.StreamResult, jobrunner.StreamDebug:
	default:
		respondWithError(w, r, fleeterr.Validation(0, "unknown output type %q", stream))
		return
	}
	task, err := a.Client.Status(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	var b []byte
	if task.OutputLocation != "" {
		if b, err = jobrunner.ReadStream(task.OutputLocation, stream); err != nil {
			respondWithError(w, r, err)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

// CancelTask handles DELETE /tasks/{id}.
func (a *API) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	task, err := a.Client.Cancel(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusAccepted, task)
}

// ListEvents handles GET /events with the audit filters.
func (a *API) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	beforeID, err := queryInt(r, "before_id")
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	after, err := queryTime(r, "after_time")
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	before, err := queryTime(r, "before_time")
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	events, err := store.ListEvents(r.Context(), a.DB, store.EventFilter{
		BeforeID:   int64(beforeID),
		Deployment: q.Get("deployment"),
		Task:       q.Get("task"),
		Instance:   q.Get("instance"),
		User:       q.Get("user"),
		Action:     q.Get("action"),
		ObjectType: q.Get("object_type"),
		ObjectName: q.Get("object_name"),
		After:      after,
		Before:     before,
		Limit:      limit,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	apperrors.WriteJSON(w, http.StatusOK, events)
}

// ListLocks handles GET /locks.
func (a *API) ListLocks(w http.ResponseWriter, r *http.Request) {
	held, err := a.Locks.List(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if held == nil {
		held = []lock.Held{}
	}
	apperrors.WriteJSON(w, http.StatusOK, held)
}

// ListDeployments handles GET /deployments.
func (a *API) ListDeployments(w http.ResponseWriter, r *http.Request) {
	deps, err := store.ListDeployments(r.Context(), a.DB)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if deps == nil {
		deps = []store.Deployment{}
	}
	apperrors.WriteJSON(w, http.StatusOK, deps)
}

func (a *API) accepted(w http.ResponseWriter, task *store.Task) {
	w.Header().Set("Location", fmt.Sprintf("/tasks/%d", task.ID))
	apperrors.WriteJSON(w, http.StatusAccepted, task)
}

// Deploy handles POST /deployments with a YAML or JSON manifest body and
// the dry_run, recreate, skip_drain and force_latest_variables flags.
func (a *API) Deploy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxManifestBytes))
	if err != nil {
		respondWithError(w, r, fleeterr.Validation(fleeterr.CodeBadManifest, "read manifest: %v", err))
		return
	}
	m, err := manifest.LoadDeployment(body)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	cloudID, runtimeID, err := deployment.LatestConfigIDs(r.Context(), a.DB)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	args := deployment.UpdateArgs{
		Manifest:             string(body),
		CloudConfigID:        cloudID,
		RuntimeConfigID:      runtimeID,
		DryRun:               queryBool(r, "dry_run"),
		Deploy:               true,
		Recreate:             queryBool(r, "recreate"),
		SkipDrain:            queryBool(r, "skip_drain"),
		ForceLatestVariables: queryBool(r, "force_latest_variables"),
	}
	task, err := a.Client.Enqueue(r.Context(), deployment.TypeUpdate, args, jobrunner.EnqueueOptions{
		User:        user(r),
		Deployment:  m.Name,
		Description: "create deployment",
		ContextID:   r.Header.Get(ContextHeader),
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	a.accepted(w, task)
}

// DeleteDeployment handles DELETE /deployments/{name}?force=.
func (a *API) DeleteDeployment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := store.GetDeployment(r.Context(), a.DB, name); err != nil {
		respondWithError(w, r, err)
		return
	}
	task, err := a.Client.Enqueue(r.Context(), deployment.TypeDelete,
		deployment.DeleteArgs{Name: name, Force: queryBool(r, "force")},
		jobrunner.EnqueueOptions{User: user(r), Deployment: name, Description: "delete deployment " + name})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	a.accepted(w, task)
}

// decodeBody decodes an optional JSON body into v.
func decodeBody(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil && err != io.EOF {
		return fleeterr.Validation(0, "invalid request body: %v", err)
	}
	return nil
}

// errandRequest is the body of an errand run.
type errandRequest struct {
	KeepAlive   bool     `json:"keep_alive"`
	WhenChanged bool     `json:"when_changed"`
	Instances   []string `json:"instances"`
}

// RunErrand handles POST /deployments/{name}/errands/{errand}/runs.
func (a *API) RunErrand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req errandRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	args := errand.RunArgs{
		Deployment:  name,
		Name:        chi.URLParam(r, "errand"),
		KeepAlive:   req.KeepAlive,
		WhenChanged: req.WhenChanged,
		Instances:   req.Instances,
	}
	task, err := a.Client.Enqueue(r.Context(), errand.TypeRun, args, jobrunner.EnqueueOptions{
		User:        user(r),
		Deployment:  name,
		Description: "run errand " + args.Name,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	a.accepted(w, task)
}

// DeleteOrphanDisk handles DELETE /disks/{cid}.
func (a *API) DeleteOrphanDisk(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "cid")
	task, err := a.Client.Enqueue(r.Context(), cleanup.TypeDeleteOrphanDisks,
		cleanup.DeleteOrphanDisksArgs{DiskCIDs: []string{cid}},
		jobrunner.EnqueueOptions{User: user(r), Description: "delete orphan disk " + cid})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	a.accepted(w, task)
}

// Cleanup handles POST /cleanup with {"remove_all": bool}.
func (a *API) Cleanup(w http.ResponseWriter, r *http.Request) {
	var args cleanup.ArtifactsArgs
	if err := decodeBody(r, &args); err != nil {
		respondWithError(w, r, err)
		return
	}
	description := "clean up"
	if args.RemoveAll {
		description = "clean up all"
	}
	task, err := a.Client.Enqueue(r.Context(), cleanup.TypeCleanupArtifacts, args,
		jobrunner.EnqueueOptions{User: user(r), Description: description})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	a.accepted(w, task)
}
