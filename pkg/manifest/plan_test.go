package manifest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofleet/pkg/fleeterr"
)

func loadPlan(t *testing.T, rc *RuntimeConfig) *Plan {
	t.Helper()
	d, err := LoadDeployment([]byte(webManifest))
	require.NoError(t, err)
	cc, err := LoadCloudConfig([]byte(cloudConfig))
	require.NoError(t, err)
	p, err := NewPlan(d, cc, rc)
	require.NoError(t, err)
	return p
}

func TestNewPlanResolvesReferences(t *testing.T) {
	p := loadPlan(t, nil)

	require.Len(t, p.InstanceGroups, 3)
	db := p.InstanceGroup("db")
	require.NotNil(t, db)
	assert.Equal(t, LifecycleService, db.Lifecycle)
	assert.Equal(t, "small", db.VMType.Name)
	assert.Equal(t, "jammy", db.Stemcell.OS)
	require.NotNil(t, db.Disk)
	assert.Equal(t, 10240, db.Disk.DiskSize)
	require.Len(t, db.Networks, 1)
	assert.Equal(t, NetworkManual, db.Networks[0].Network.Type)

	web := p.InstanceGroup("web")
	require.NotNil(t, web)
	assert.Nil(t, web.Disk)
	assert.Len(t, web.AZs, 2)
	assert.Equal(t, "2", web.Update.MaxInFlight)
	assert.Equal(t, 1, web.Update.Canaries)
	assert.Equal(t, WatchTime{Min: time.Second, Max: 5 * time.Second}, web.Update.CanaryWatchTime)
	assert.Equal(t, WatchTime{Min: 2 * time.Second, Max: 2 * time.Second}, web.Update.UpdateWatchTime)

	assert.True(t, p.InstanceGroup("smoke").IsErrand())
	assert.Nil(t, p.InstanceGroup("nope"))
	assert.Equal(t, 2, p.Compilation.Workers)
}

func TestNewPlanReportsUnknownReferences(t *testing.T) {
	cc, err := LoadCloudConfig([]byte(cloudConfig))
	require.NoError(t, err)

	tests := []struct {
		name  string
		group InstanceGroup
		code  int
		msg   string
	}{
		{"vm type", InstanceGroup{Name: "a", VMType: "huge", Networks: []NetworkRef{{Name: "private"}}}, fleeterr.CodeInstanceGroupUnknownVMType, "unknown vm type 'huge'"},
		{"stemcell", InstanceGroup{Name: "a", Stemcell: "windows", Networks: []NetworkRef{{Name: "private"}}}, fleeterr.CodeInstanceGroupUnknownStemcell, "unknown stemcell 'windows'"},
		{"disk type", InstanceGroup{Name: "a", PersistentDiskType: "xl", Networks: []NetworkRef{{Name: "private"}}}, fleeterr.CodeInstanceGroupUnknownDiskType, "unknown disk type 'xl'"},
		{"network", InstanceGroup{Name: "a", Networks: []NetworkRef{{Name: "public"}}}, fleeterr.CodeJobMissingNetwork, "unknown network 'public'"},
		{"release", InstanceGroup{Name: "a", Networks: []NetworkRef{{Name: "private"}}, Jobs: []JobRef{{Name: "x", Release: "redis"}}}, fleeterr.CodeInstanceGroupUnknownRelease, "unknown release 'redis'"},
		{"static ip count", InstanceGroup{Name: "a", Instances: 2, Networks: []NetworkRef{{Name: "private", StaticIPs: []string{"10.0.0.5"}}}}, fleeterr.CodeBadManifest, "allocated 1 static IPs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Deployment{Name: "web", InstanceGroups: []InstanceGroup{tt.group}}
			_, err := NewPlan(d, cc, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, fleeterr.ErrValidation)
			assert.Equal(t, tt.code, fleeterr.CodeOf(err))
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestNewPlanRejectsDuplicateGroups(t *testing.T) {
	d := &Deployment{Name: "web", InstanceGroups: []InstanceGroup{{Name: "a"}, {Name: "a"}}}
	_, err := NewPlan(d, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Duplicate instance group name 'a'")
}

func TestAddonsFollowPlacement(t *testing.T) {
	rc := &RuntimeConfig{
		Releases: []ReleaseRef{{Name: "syslog", Version: "7"}},
		Addons: []Addon{{
			Name:    "logs",
			Jobs:    []JobRef{{Name: "forwarder", Release: "syslog"}},
			Exclude: &Placement{InstanceGroups: []string{"d*"}},
		}},
	}
	p := loadPlan(t, rc)

	assert.True(t, p.InstanceGroup("web").HasJob("forwarder"))
	assert.False(t, p.InstanceGroup("db").HasJob("forwarder"))
	assert.False(t, p.InstanceGroup("smoke").HasJob("forwarder"), "errands never get addons")
	assert.Equal(t, "syslog", p.Releases[len(p.Releases)-1].Name)
}

func TestAddonApplies(t *testing.T) {
	a := Addon{Include: &Placement{Deployments: []string{"prod-*"}}, Exclude: &Placement{InstanceGroups: []string{"errands/**", "smoke"}}}
	assert.True(t, a.Applies("prod-web", "router"))
	assert.False(t, a.Applies("staging-web", "router"))
	assert.False(t, a.Applies("prod-web", "smoke"))
	assert.True(t, Addon{}.Applies("any", "thing"))
}

func TestMaxInFlightCount(t *testing.T) {
	tests := []struct {
		raw       string
		instances int
		want      int
	}{
		{"1", 10, 1},
		{"3", 10, 3},
		{"50%", 10, 5},
		{"10%", 4, 1},
		{"garbage", 4, 1},
		{"0", 4, 1},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolvedUpdate{MaxInFlight: tt.raw}.MaxInFlightCount(tt.instances))
		})
	}
}

func TestParseWatchTimeFallsBackToDefault(t *testing.T) {
	def := WatchTime{Min: time.Second, Max: 30 * time.Second}
	assert.Equal(t, def, ParseWatchTime(""))
	assert.Equal(t, def, ParseWatchTime("abc"))
	assert.Equal(t, def, ParseWatchTime("5000-100"))
	assert.Equal(t, WatchTime{Min: 500 * time.Millisecond, Max: 500 * time.Millisecond}, ParseWatchTime("500"))
}
