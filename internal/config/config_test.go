package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leanline/internal/validation"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("acme")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "acme", cfg.Project.ID)
	assert.Equal(t, validation.DefaultCatalog(), cfg.Catalog())
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.Sync.BaseDelay)
	assert.Equal(t, 5*time.Second, cfg.Sync.MaxDelay)
	assert.False(t, cfg.Sync.RollbackOnFailure)
	assert.Contains(t, cfg.RolePermissions("editor"), "tracking.write")
	assert.NotContains(t, cfg.RolePermissions("viewer"), "tracking.write")
	assert.Nil(t, cfg.RolePermissions("nobody"))
}

func TestFromYAMLCustomStagesAndDefaults(t *testing.T) {
	data := []byte(`project:
  id: acme
  kind: lean-startup
stages:
  - id: discover
    label: Discover
    criteria: [interviews, survey]
  - id: build
    label: Build
    criteria: [prototype]
sync:
  rollback_on_failure: true
`)
	cfg, err := FromYAML(data)
	require.NoError(t, err)
	require.Len(t, cfg.Catalog(), 2)
	assert.Equal(t, []string{"discover", "build"}, cfg.Catalog().IDs())
	assert.True(t, cfg.Sync.RollbackOnFailure)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, 2.0, cfg.Sync.Multiplier)
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing id":      "project:\n  kind: lean-startup\n",
		"wrong kind":      "project:\n  id: a\n  kind: software-project\n",
		"duplicate stage": "project:\n  id: a\n  kind: lean-startup\nstages:\n  - id: x\n    criteria: [a]\n  - id: x\n    criteria: [b]\n",
		"empty criteria":  "project:\n  id: a\n  kind: lean-startup\nstages:\n  - id: x\n",
		"bad multiplier":  "project:\n  id: a\n  kind: lean-startup\nsync:\n  multiplier: 0.5\n",
		"no owner role":   "project:\n  id: a\n  kind: lean-startup\nrbac:\n  roles:\n    viewer:\n      permissions: [project.read]\n",
		"webhook no url":  "project:\n  id: a\n  kind: lean-startup\nwebhooks:\n  - secret: s\n",
		"not yaml":        "project: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := Default("acme")
	cfg.Sync.RollbackOnFailure = true
	cfg.Sync.BaseDelay = 50 * time.Millisecond
	data, err := ToYAML(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), "base_delay: 50ms")
	back, err := FromYAML(data)
	require.NoError(t, err)
	assert.Equal(t, cfg.Sync, back.Sync)
	assert.Equal(t, cfg.Catalog(), back.Catalog())
}

func TestJSONRoundTripKeepsDurations(t *testing.T) {
	cfg := Default("acme")
	payload, err := json.Marshal(cfg)
	require.NoError(t, err)
	var back Config
	require.NoError(t, json.Unmarshal(payload, &back))
	require.NoError(t, back.Validate())
	assert.Equal(t, cfg.Sync, back.Sync)
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "leanline.yml"), []byte(GenerateDefault("ws")), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "ws", cfg.Project.ID)

	_, err = Load(t.TempDir())
	assert.Error(t, err)
}

func TestRolePermissionsFallBackToDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("project:\n  id: a\n  kind: lean-startup\n"))
	require.NoError(t, err)
	assert.Contains(t, cfg.RolePermissions("owner"), "rbac.manage")
	assert.Nil(t, cfg.RolePermissions("auditor"))
}
