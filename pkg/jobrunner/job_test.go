package jobrunner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofleet/pkg/fleeterr"
)

type deleteArgs struct {
	Deployment string `json:"deployment" validate:"required"`
	Force      bool   `json:"force"`
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	var got deleteArgs
	require.NoError(t, Register(r, "delete_deployment", "", func(a deleteArgs) (Job, error) {
		got = a
		return JobFunc(func(context.Context, *Task) (string, error) { return "/deployments/" + a.Deployment, nil }), nil
	}))

	t.Run("duplicate type", func(t *testing.T) {
		err := r.Add(Definition{Type: "delete_deployment", Factory: func(json.RawMessage) (Job, error) { return nil, nil }})
		assert.ErrorContains(t, err, "already registered")
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := r.Build("explode", nil)
		assert.ErrorIs(t, err, fleeterr.ErrValidation)
		assert.EqualError(t, err, "Unknown job type 'explode'")
	})

	t.Run("queue defaults to normal", func(t *testing.T) {
		def, err := r.Lookup("delete_deployment")
		require.NoError(t, err)
		assert.Equal(t, QueueNormal, def.Queue)
	})

	t.Run("arguments are validated", func(t *testing.T) {
		_, err := r.Build("delete_deployment", json.RawMessage(`{"force":true}`))
		assert.ErrorIs(t, err, fleeterr.ErrValidation)

		_, err = r.Build("delete_deployment", json.RawMessage(`{"deployment":`))
		assert.ErrorIs(t, err, fleeterr.ErrValidation)
	})

	t.Run("build decodes arguments", func(t *testing.T) {
		job, err := r.Build("delete_deployment", json.RawMessage(`{"deployment":"web","force":true}`))
		require.NoError(t, err)
		assert.Equal(t, deleteArgs{Deployment: "web", Force: true}, got)
		out, err := job.Perform(context.Background(), &Task{})
		require.NoError(t, err)
		assert.Equal(t, "/deployments/web", out)
	})

	assert.Equal(t, []string{"delete_deployment"}, r.Types())
}
