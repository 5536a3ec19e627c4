package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statesync/internal/model"
)

const validConfig = `
statePath: state.json
journalPath: /var/lib/statesync/journal.db
cacheTtl: 2m
secrets:
  crmDsn: "file:{{env:STATESYNC_TEST_DIR}}/crm.db"
systems:
  - name: crm
    type: sqlite
    connection: "{{secret:crmDsn}}"
    loopPeriodicitySeconds: 30
    permissions: { canWrite: true }
    dataSets:
      - name: contacts
        queryConfig: '{"table":"contacts","key":"id"}'
        createDeleteDirection: in
        permissions: { canWrite: true, canDeleteIn: false }
        mappings:
          - { system: id, state: contactId, direction: join }
          - { system: 'strings.ToUpper(name)', state: name, direction: in }
  - name: hr
    type: memory
    enabled: false
    dataSets:
      - name: employees
        mappings:
          - { system: email, state: email, direction: join }
          - system: '{{lookup:crm|contacts:email={{item:email}}|name|unknown}}'
            state: contactName
            direction: in
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "statesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("STATESYNC_TEST_DIR", "/var/lib/crm")
	path := writeConfig(t, validConfig)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, path, cfg.Path())
	assert.Equal(t, filepath.Join(filepath.Dir(path), "state.json"), cfg.StatePath)
	assert.Equal(t, "/var/lib/statesync/journal.db", cfg.JournalPath)
	assert.Equal(t, 2*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 2*time.Minute, cfg.ConnectorOptions().CacheTTL)
	require.Len(t, cfg.Systems, 2)

	crm, ok := cfg.System("crm")
	require.True(t, ok)
	assert.Equal(t, "file:/var/lib/crm/crm.db", crm.Connection)
	assert.Equal(t, 30, crm.LoopPeriodicitySeconds)
	assert.True(t, crm.Enabled)
	assert.Equal(t, "***", cfg.MaskedConnection("crm"))

	ds := crm.DataSets[0]
	assert.Equal(t, model.CreateDeleteIn, ds.CreateDeleteDirection)
	assert.True(t, ds.Permissions.CanWrite)
	require.NotNil(t, ds.Permissions.CanDeleteIn)
	assert.False(t, *ds.Permissions.CanDeleteIn)

	hr, ok := cfg.System("hr")
	require.True(t, ok)
	assert.False(t, hr.Enabled)
	assert.Equal(t, model.DefaultLoopPeriodicitySeconds, hr.LoopPeriodicitySeconds)
	assert.False(t, hr.Permissions.CanWrite)

	_, ok = cfg.System("erp")
	assert.False(t, ok)
}

func TestLoad_DefaultStatePath(t *testing.T) {
	path := writeConfig(t, `
systems:
  - name: crm
    type: memory
    dataSets:
      - name: contacts
        mappings:
          - { system: id, state: contactId, direction: join }
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(path), DefaultStatePath), cfg.StatePath)
	assert.Empty(t, cfg.JournalPath)
	assert.Zero(t, cfg.CacheTTL)
}

func TestLoad_RelativeJournalPath(t *testing.T) {
	path := writeConfig(t, `
journalPath: data/journal.db
systems:
  - name: crm
    type: memory
    dataSets:
      - name: contacts
        mappings:
          - { system: id, state: contactId, direction: join }
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "data", "journal.db"), cfg.JournalPath)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load("/nonexistent/statesync.yaml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read config file")
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := Load(writeConfig(t, "sytems: []\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse YAML")
	})

	t.Run("unset env variable", func(t *testing.T) {
		_, err := Load(writeConfig(t, `
secrets:
  dsn: "{{env:STATESYNC_TEST_UNSET}}"
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "secret dsn")
		assert.Contains(t, err.Error(), "STATESYNC_TEST_UNSET")
	})

	t.Run("undefined secret", func(t *testing.T) {
		_, err := Load(writeConfig(t, `
systems:
  - name: crm
    type: sqlite
    connection: "{{secret:missing}}"
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "system crm: connection")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr []string
	}{
		{
			name:    "no systems",
			content: "statePath: x.json\n",
			wantErr: []string{"at least one connected system is required"},
		},
		{
			name: "duplicate systems",
			content: `
systems:
  - { name: crm, type: memory, dataSets: [{ name: a, mappings: [{ system: id, state: id, direction: join }] }] }
  - { name: crm, type: memory, dataSets: [{ name: b, mappings: [{ system: id, state: id, direction: join }] }] }
`,
			wantErr: []string{`duplicate connected system name "crm"`},
		},
		{
			name: "model errors",
			content: `
systems:
  - name: crm
    type: memory
    dataSets:
      - name: contacts
        mappings:
          - { system: id, state: contactId, direction: in }
`,
			wantErr: []string{"no join mapping defined"},
		},
		{
			name: "connector errors",
			content: `
systems:
  - name: crm
    type: sqlite
    connection: crm.db
    dataSets:
      - name: contacts
        queryConfig: '{"table":"contacts"}'
        mappings:
          - { system: id, state: contactId, direction: join }
`,
			wantErr: []string{"key is required"},
		},
		{
			name: "expression errors",
			content: `
systems:
  - name: crm
    type: memory
    dataSets:
      - name: contacts
        mappings:
          - { system: id, state: contactId, direction: join }
          - { system: 'name +', state: name, direction: in }
          - { system: '{{lookup:erp|sku=1|title}}', state: title, direction: in }
`,
			wantErr: []string{"mappings[1]", `lookup targets unknown connected system "erp"`},
		},
		{
			name: "negative ttl",
			content: `
cacheTtl: -1s
systems:
  - { name: crm, type: memory, dataSets: [{ name: a, mappings: [{ system: id, state: id, direction: join }] }] }
`,
			wantErr: []string{"cacheTtl must not be negative"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.content))
			require.NoError(t, err)

			err = cfg.Validate()
			require.Error(t, err)
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestSubstituter_MappingTokens(t *testing.T) {
	t.Setenv("STATESYNC_TEST_TENANT", "acme")
	cfg, err := Parse([]byte(`
secrets:
  apiKey: s3cr3t
`))
	require.NoError(t, err)

	got, err := cfg.Substituter().Substitute("{{env:STATESYNC_TEST_TENANT}}/{{secret:apiKey}}")
	require.NoError(t, err)
	assert.Equal(t, "acme/s3cr3t", got)
	assert.Equal(t, "acme/***", cfg.Substituter().Mask("{{env:STATESYNC_TEST_TENANT}}/{{secret:apiKey}}"))
}
