package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/gofleet/internal/errors"
	"github.com/3leaps/gofleet/pkg/fleeterr"
	"github.com/3leaps/gofleet/pkg/instance"
	"github.com/3leaps/gofleet/pkg/jobrunner"
	"github.com/3leaps/gofleet/pkg/manifest"
	"github.com/3leaps/gofleet/pkg/release"
	"github.com/3leaps/gofleet/pkg/store"
)

// ListInstances handles GET /deployments/{name}/instances.
func (a *API) ListInstances(w http.ResponseWriter, r *http.Request) {
	d, err := store.GetDeployment(r.Context(), a.DB, chi.URLParam(r, "name"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	instances, err := store.ListInstances(r.Context(), a.DB, d.ID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if instances == nil {
		instances = []store.Instance{}
	}
	apperrors.WriteJSON(w, http.StatusOK, instances)
}

// InstanceAction handles POST /deployments/{name}/instances/{group}/{id}/{action}
// for start, stop and restart. stop takes hard and skip_drain, restart
// takes skip_drain.
func (a *API) InstanceAction(w http.ResponseWriter, r *http.Request) {
	target := instance.InstanceArgs{
		Deployment:    chi.URLParam(r, "name"),
		InstanceGroup: chi.URLParam(r, "group"),
		ID:            chi.URLParam(r, "id"),
	}
	var (
		jobType string
		args    any
	)
	action := chi.URLParam(r, "action")
	switch action {
	case "start":
		jobType, args = instance.TypeStart, instance.StartArgs{InstanceArgs: target}
	case "stop":
		jobType, args = instance.TypeStop, instance.StopArgs{
			InstanceArgs: target,
			Hard:         queryBool(r, "hard"),
			SkipDrain:    queryBool(r, "skip_drain"),
		}
	case "restart":
		jobType, args = instance.TypeRestart, instance.RestartArgs{
			InstanceArgs: target,
			SkipDrain:    queryBool(r, "skip_drain"),
		}
	default:
		respondWithError(w, r, fleeterr.Validation(0, "unknown instance action %q", action))
		return
	}
	task, err := a.Client.Enqueue(r.Context(), jobType, args, jobrunner.EnqueueOptions{
		User:        user(r),
		Deployment:  target.Deployment,
		Description: action + " instance " + target.InstanceGroup + "/" + target.ID,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	a.accepted(w, task)
}

type configRequest struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// CreateConfig handles POST /configs. The content must parse as the
// named config type.
func (a *API) CreateConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	var err error
	switch req.Type {
	case store.ConfigTypeCloud:
		_, err = manifest.LoadCloudConfig([]byte(req.Content))
	case store.ConfigTypeRuntime:
		_, err = manifest.LoadRuntimeConfig([]byte(req.Content))
	default:
		err = fleeterr.Validation(0, "unknown config type %q", req.Type)
	}
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	rec, err := store.CreateConfig(r.Context(), a.DB, req.Type, req.Name, req.Content)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusCreated, rec)
}

// LatestConfig handles GET /configs?type=&name=.
func (a *API) LatestConfig(w http.ResponseWriter, r *http.Request) {
	typ := r.URL.Query().Get("type")
	if typ == "" {
		typ = store.ConfigTypeCloud
	}
	rec, err := store.LatestConfig(r.Context(), a.DB, typ, r.URL.Query().Get("name"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if rec == nil {
		respondWithError(w, r, fleeterr.NotFound(fleeterr.CodeResourceNotFound, "No %s config found", typ))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, rec)
}

// ListReleases handles GET /releases.
func (a *API) ListReleases(w http.ResponseWriter, r *http.Request) {
	rels, err := store.ListReleases(r.Context(), a.DB)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if rels == nil {
		rels = []store.Release{}
	}
	apperrors.WriteJSON(w, http.StatusOK, rels)
}

// UploadRelease handles POST /releases with a release descriptor body.
func (a *API) UploadRelease(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxManifestBytes))
	if err != nil {
		respondWithError(w, r, fleeterr.Validation(fleeterr.CodeBadManifest, "read release: %v", err))
		return
	}
	rel, err := manifest.LoadRelease(body)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	task, err := a.Client.Enqueue(r.Context(), release.TypeUploadRelease, release.UploadReleaseArgs{Manifest: string(body)},
		jobrunner.EnqueueOptions{User: user(r), Description: "create release " + rel.Name})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	a.accepted(w, task)
}

// DeleteRelease handles DELETE /releases/{name}?version=&force=.
func (a *API) DeleteRelease(w http.ResponseWriter, r *http.Request) {
	args := release.DeleteReleaseArgs{
		Name:    chi.URLParam(r, "name"),
		Version: r.URL.Query().Get("version"),
		Force:   queryBool(r, "force"),
	}
	task, err := a.Client.Enqueue(r.Context(), release.TypeDeleteRelease, args,
		jobrunner.EnqueueOptions{User: user(r), Description: "delete release " + args.Name})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	a.accepted(w, task)
}

// ListStemcells handles GET /stemcells.
func (a *API) ListStemcells(w http.ResponseWriter, r *http.Request) {
	stemcells, err := store.ListStemcells(r.Context(), a.DB)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if stemcells == nil {
		stemcells = []store.Stemcell{}
	}
	apperrors.WriteJSON(w, http.StatusOK, stemcells)
}

// UploadStemcell handles POST /stemcells with the stemcell description.
func (a *API) UploadStemcell(w http.ResponseWriter, r *http.Request) {
	var args release.UploadStemcellArgs
	if err := decodeBody(r, &args); err != nil {
		respondWithError(w, r, err)
		return
	}
	task, err := a.Client.Enqueue(r.Context(), release.TypeUploadStemcell, args,
		jobrunner.EnqueueOptions{User: user(r), Description: "create stemcell " + args.Name})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	a.accepted(w, task)
}

// DeleteStemcell handles DELETE /stemcells/{name}/{version}?force=.
func (a *API) DeleteStemcell(w http.ResponseWriter, r *http.Request) {
	args := release.DeleteStemcellArgs{
		Name:    chi.URLParam(r, "name"),
		Version: chi.URLParam(r, "version"),
		Force:   queryBool(r, "force"),
	}
	task, err := a.Client.Enqueue(r.Context(), release.TypeDeleteStemcell, args,
		jobrunner.EnqueueOptions{User: user(r), Description: "delete stemcell " + args.Name + "/" + args.Version})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	a.accepted(w, task)
}

// ListOrphanDisks handles GET /disks?orphaned_before=.
func (a *API) ListOrphanDisks(w http.ResponseWriter, r *http.Request) {
	before, err := queryTime(r, "orphaned_before")
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	disks, err := store.ListOrphanDisks(r.Context(), a.DB, before)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if disks == nil {
		disks = []store.OrphanDisk{}
	}
	apperrors.WriteJSON(w, http.StatusOK, disks)
}
