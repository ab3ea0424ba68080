package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofleet/pkg/fleeterr"
)

const webManifest = `
name: web
releases:
  - name: nginx
    version: 1.2
  - name: postgres
    version: "10"
stemcells:
  - alias: default
    os: jammy
    version: latest
update:
  canaries: 1
  max_in_flight: 50%
  canary_watch_time: 1000-5000
  update_watch_time: 2000
instance_groups:
  - name: db
    instances: 1
    azs: [z1]
    vm_type: small
    stemcell: default
    persistent_disk_type: ten
    networks: [{name: private}]
    jobs:
      - name: pg
        release: postgres
        properties:
          port: 5432
  - name: web
    instances: 4
    azs: [z1, z2]
    vm_type: small
    stemcell: default
    update:
      max_in_flight: 2
    networks: [{name: private}]
    properties:
      greeting: hello
    jobs:
      - name: nginx
        release: nginx
        properties:
          password: ((admin_password))
  - name: smoke
    lifecycle: errand
    instances: 1
    azs: [z1]
    vm_type: small
    stemcell: default
    networks: [{name: private}]
    jobs:
      - name: smoke-tests
        release: nginx
variables:
  - name: admin_password
    type: password
properties:
  region: eu
`

const cloudConfig = `
azs:
  - name: z1
  - name: z2
vm_types:
  - name: small
    cloud_properties: {cpu: 1}
disk_types:
  - name: ten
    disk_size: 10240
networks:
  - name: private
    type: manual
    subnets:
      - range: 10.0.0.0/24
        gateway: 10.0.0.1
        azs: [z1, z2]
compilation:
  workers: 2
  network: private
  vm_type: small
  az: z1
`

func TestLoadDeployment(t *testing.T) {
	d, err := LoadDeployment([]byte(webManifest))
	require.NoError(t, err)

	assert.Equal(t, "web", d.Name)
	require.Len(t, d.Releases, 2)
	assert.Equal(t, Scalar("1.2"), d.Releases[0].Version)
	assert.Equal(t, Scalar("10"), d.Releases[1].Version)
	require.Len(t, d.InstanceGroups, 3)
	assert.Equal(t, "errand", d.InstanceGroups[2].Lifecycle)
	require.NotNil(t, d.Update.Canaries)
	assert.Equal(t, 1, *d.Update.Canaries)
	assert.Equal(t, Scalar("2000"), d.Update.UpdateWatchTime)
}

func TestLoadDeploymentRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"not yaml", "name: [unclosed"},
		{"missing name", "releases: []\ninstance_groups: []\n"},
		{"unknown top-level key", "name: web\nreleases: []\ninstance_groups: []\nbogus: true\n"},
		{"instance group without networks", "name: web\nreleases: []\ninstance_groups:\n  - name: a\n    instances: 1\n    jobs: []\n    networks: []\n"},
		{"bad static ip", "name: web\nreleases: []\ninstance_groups:\n  - name: a\n    instances: 1\n    jobs: []\n    networks: [{name: n, static_ips: [nope]}]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadDeployment([]byte(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, fleeterr.ErrValidation)
			assert.Equal(t, fleeterr.CodeBadManifest, fleeterr.CodeOf(err))
		})
	}
}

func TestLoadFileDetectsFormat(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "web.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"name":"web","releases":[{"name":"nginx","version":3}],"instance_groups":[]}`), 0o644))

	d, err := LoadFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, Scalar("3"), d.Releases[0].Version)

	_, err = LoadFile(filepath.Join(dir, "missing.yml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest file not found")
}

func TestLoadConfigs(t *testing.T) {
	cc, err := LoadCloudConfig([]byte(cloudConfig))
	require.NoError(t, err)
	assert.Len(t, cc.AZs, 2)
	require.NotNil(t, cc.Compilation)
	assert.Equal(t, 2, cc.Compilation.Workers)

	empty, err := LoadCloudConfig(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Networks)

	_, err = LoadCloudConfig([]byte("networks:\n  - name: n\n    type: overlay\n"))
	assert.ErrorIs(t, err, fleeterr.ErrValidation)

	rc, err := LoadRuntimeConfig([]byte(`
releases:
  - name: syslog
    version: "7"
addons:
  - name: logs
    jobs:
      - name: forwarder
        release: syslog
    exclude:
      instance_groups: [smoke]
`))
	require.NoError(t, err)
	require.Len(t, rc.Addons, 1)
	assert.Equal(t, []string{"smoke"}, rc.Addons[0].Exclude.InstanceGroups)
}

func TestLoadRelease(t *testing.T) {
	r, err := LoadRelease([]byte(`
name: nginx
version: "1.2"
packages:
  - name: nginx
    fingerprint: abc
jobs:
  - name: nginx
    packages: [nginx]
    templates:
      config/nginx.conf: "listen {{ p \"port\" }};"
    properties:
      port:
        default: 80
`))
	require.NoError(t, err)
	assert.Equal(t, "nginx", r.Name)
	require.Len(t, r.Jobs, 1)
	assert.Equal(t, float64(80), r.Jobs[0].Properties["port"].Default)

	_, err = LoadRelease([]byte("name: nginx\n"))
	assert.Equal(t, fleeterr.CodeBadManifest, fleeterr.CodeOf(err))
}

func TestScalarAcceptsYAMLNumbers(t *testing.T) {
	var s Scalar
	require.NoError(t, s.UnmarshalJSON([]byte(`42`)))
	assert.Equal(t, Scalar("42"), s)
	require.NoError(t, s.UnmarshalJSON([]byte(`"1.0.3"`)))
	assert.Equal(t, "1.0.3", s.String())
	assert.Error(t, s.UnmarshalJSON([]byte(`{}`)))
}
