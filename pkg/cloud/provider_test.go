package cloud_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofleet/pkg/cloud"
	"github.com/3leaps/gofleet/pkg/cloud/dummy"
)

func TestOpenDummyProvider(t *testing.T) {
	assert.Contains(t, cloud.Providers(), dummy.ProviderName)

	cpi, agents, err := cloud.Open(context.Background(), dummy.ProviderName, cloud.Options{})
	require.NoError(t, err)

	cid, err := cpi.CreateStemcell(context.Background(), "/tmp/image", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, cid)
	assert.NotNil(t, agents.ForAgent("agent-1"))
}

func TestOpenUnknownProvider(t *testing.T) {
	_, _, err := cloud.Open(context.Background(), "vsphere-nope", cloud.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown cloud provider "vsphere-nope"`)
}

func TestOpenProviderFactoryError(t *testing.T) {
	cloud.RegisterProvider("broken-for-test", func(context.Context) (cloud.CPI, cloud.Agents, error) {
		return nil, nil, errors.New("no credentials")
	})
	_, _, err := cloud.Open(context.Background(), "broken-for-test", cloud.Options{})
	require.ErrorContains(t, err, "no credentials")

	assert.Panics(t, func() {
		cloud.RegisterProvider("broken-for-test", func(context.Context) (cloud.CPI, cloud.Agents, error) { return nil, nil, nil })
	})
}
