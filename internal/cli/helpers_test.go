package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

const seedYAML = `contacts:
  - { id: 1, name: Ada }
  - { id: 2, name: Grace }
`

const configTemplate = `statePath: state.json
journalPath: journal.db
systems:
  - name: crm
    type: memory
    connection: %q
    loopPeriodicitySeconds: 60
    permissions: { canWrite: true }
    dataSets:
      - name: contacts
        createDeleteDirection: in
        permissions: { canWrite: true }
        mappings:
          - { system: id, state: contactId, direction: join }
          - { system: name, state: name, direction: in }
  - name: archive
    type: memory
    enabled: false
    dataSets:
      - name: records
        mappings:
          - { system: id, state: recordId, direction: join }
`

type project struct {
	dir     string
	config  string
	seed    string
	state   string
	journal string
}

// writeProject writes a config with one enabled memory system seeded with
// two contacts and one disabled memory system.
func writeProject(t *testing.T) project {
	t.Helper()
	dir := t.TempDir()
	p := project{
		dir:     dir,
		config:  filepath.Join(dir, "statesync.yaml"),
		seed:    filepath.Join(dir, "crm.yaml"),
		state:   filepath.Join(dir, "state.json"),
		journal: filepath.Join(dir, "journal.db"),
	}
	require.NoError(t, os.WriteFile(p.seed, []byte(seedYAML), 0644))
	require.NoError(t, os.WriteFile(p.config, []byte(fmt.Sprintf(configTemplate, p.seed)), 0644))
	return p
}

func execute(cmd *cobra.Command, args ...string) (string, error) {
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}
