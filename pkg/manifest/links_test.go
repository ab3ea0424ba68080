package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofleet/pkg/fleeterr"
)

func testCatalog() JobCatalog {
	c := JobCatalog{}
	c.Add("postgres", []ReleaseJob{{
		Name:       "pg",
		Templates:  map[string]string{"config/pg.conf": "port={{ p \"port\" }}"},
		Properties: map[string]PropertyDef{"port": {Default: 5432}, "user": {Default: "admin"}},
		Provides:   []LinkDef{{Name: "conn", Type: "database", Properties: []string{"port", "user"}}},
	}})
	c.Add("nginx", []ReleaseJob{
		{
			Name: "nginx",
			Templates: map[string]string{
				"config/nginx.conf": "{{ .Name }}/{{ .Index }} db={{ (index (link \"conn\").Instances 0).Address }}:{{ (link \"conn\").Properties.port }} pw={{ p \"password\" }}",
			},
			Consumes: []LinkDef{{Name: "conn", Type: "database"}, {Name: "cache", Type: "redis", Optional: true}},
		},
		{Name: "smoke-tests", Templates: map[string]string{"bin/run": "echo {{ p \"greeting\" \"hi\" }}"}},
	})
	return c
}

func TestResolveLinksByType(t *testing.T) {
	p := loadPlan(t, nil)

	links, err := ResolveLinks(p, testCatalog())
	require.NoError(t, err)
	require.Len(t, links, 1)

	l := links[0]
	assert.Equal(t, "conn", l.Name)
	assert.Equal(t, "db", l.ProviderInstanceGroup)
	assert.Equal(t, "pg", l.ProviderJob)
	assert.Equal(t, "web", l.ConsumerInstanceGroup)
	assert.Equal(t, "nginx", l.ConsumerJob)
	assert.EqualValues(t, 5432, l.Properties["port"], "job property wins over default")
	assert.Equal(t, "admin", l.Properties["user"])
}

func TestResolveLinksUnknownAlias(t *testing.T) {
	p := loadPlan(t, nil)
	web := p.InstanceGroup("web")
	web.Jobs[0].Consumes = map[string]*LinkConsume{"conn": {From: "missing-db"}}

	_, err := ResolveLinks(p, testCatalog())
	require.Error(t, err)
	assert.Equal(t, fleeterr.CodeLinkLookupError, fleeterr.CodeOf(err))
	assert.Contains(t, err.Error(), "Failed to resolve links from deployment 'web'. See errors below:")
	assert.Contains(t, err.Error(), "no provider found for 'missing-db'")
}

func TestResolveLinksAlias(t *testing.T) {
	p := loadPlan(t, nil)
	p.InstanceGroup("db").Jobs[0].Provides = map[string]*LinkProvide{"conn": {As: "primary"}}
	p.InstanceGroup("web").Jobs[0].Consumes = map[string]*LinkConsume{"conn": {From: "primary"}}

	links, err := ResolveLinks(p, testCatalog())
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "primary", links[0].ProviderAlias)
}

func TestResolveLinksBlockedConsumer(t *testing.T) {
	p := loadPlan(t, nil)
	p.InstanceGroup("web").Jobs[0].Consumes = map[string]*LinkConsume{"conn": nil}

	links, err := ResolveLinks(p, testCatalog())
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestResolveLinksAmbiguous(t *testing.T) {
	p := loadPlan(t, nil)
	smoke := p.InstanceGroup("smoke")
	smoke.Jobs = append(smoke.Jobs, JobRef{Name: "pg", Release: "postgres"})

	_, err := ResolveLinks(p, testCatalog())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Multiple providers of type 'database'")
	assert.Contains(t, err.Error(), "db/pg, smoke/pg")
}

func TestCatalogBind(t *testing.T) {
	p := loadPlan(t, nil)
	require.NoError(t, testCatalog().Bind(p))

	c := JobCatalog{}
	err := c.Bind(p)
	require.Error(t, err)
	assert.Equal(t, fleeterr.CodeJobTemplateBindingFailed, fleeterr.CodeOf(err))
	assert.Contains(t, err.Error(), "job 'pg' which is not in release 'postgres'")
}

func TestLookupProperty(t *testing.T) {
	job := map[string]any{"db": map[string]any{"port": 1}}
	group := map[string]any{"db": map[string]any{"host": "h"}, "nil": nil}

	v, ok := LookupProperty("db.port", job, group)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = LookupProperty("db.host", job, group)
	require.True(t, ok)
	assert.Equal(t, "h", v)

	_, ok = LookupProperty("nil", job, group)
	assert.False(t, ok)
	_, ok = LookupProperty("db.port.deeper", job)
	assert.False(t, ok)
}
