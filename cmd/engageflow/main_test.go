package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const greetingYAML = `
name: Greeting
trigger_type: message_received
definition:
  entry_step_id: vip
steps:
  - id: vip
    step_type: condition
    config:
      condition_type: customer_attribute
      field: tier
      operator: equals
      value: vip
    next_steps:
      - step_id: note
        condition: "true"
      - step_id: wait
        condition: "false"
  - id: wait
    step_type: delay
    config:
      duration: 10
      unit: minutes
    next_steps:
      - step_id: note
  - id: note
    step_type: action
    config:
      action_type: add_note
      note: hello
`

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("ENGAGEFLOW_STORE_DRIVER", "memory")
	t.Setenv("ENGAGEFLOW_LOG_LEVEL", "error")

	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	for _, want := range []string{"serve", "migrate", "emit", "validate", "define", "diagram", "version"} {
		assert.Contains(t, names, want)
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestVersionCmd(t *testing.T) {
	old := version
	version = "v1.2.3"
	t.Cleanup(func() { version = old })

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3\n", out)
}

func TestInvalidConfigFailsEarly(t *testing.T) {
	t.Setenv("ENGAGEFLOW_ENGINE_POOL_SIZE", "0")
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"version"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.pool_size")
}

func TestMigrateCmd(t *testing.T) {
	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Equal(t, "memory store is up to date\n", out)
}

func TestMigrateCmd_LibSQL(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "engageflow.db")
	cfgPath := writeFile(t, "engageflow.yaml", "store:\n  driver: libsql\n  dsn: "+dsn+"\n")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"migrate", "--config", cfgPath})
	require.NoError(t, root.Execute())
	assert.Equal(t, "libsql store is up to date\n", out.String())
}

func TestLoadWorkflowFile(t *testing.T) {
	wf, err := loadWorkflowFile(writeFile(t, "wf.yaml", greetingYAML))
	require.NoError(t, err)
	assert.Equal(t, "Greeting", wf.Name)
	assert.Equal(t, "vip", wf.Definition.EntryStepID)
	require.Len(t, wf.Steps, 3)
	assert.Equal(t, "true", wf.Steps[0].NextSteps[0].Condition)
	assert.EqualValues(t, 10, wf.Steps[1].Config["duration"])

	jsonWF, err := loadWorkflowFile(writeFile(t, "wf.json",
		`{"name":"J","trigger_type":"customer_created","steps":[{"id":"a","step_type":"action","config":{"action_type":"add_tag","tag":"new"}}]}`))
	require.NoError(t, err)
	assert.Equal(t, "J", jsonWF.Name)

	_, err = loadWorkflowFile(writeFile(t, "empty.yaml", ""))
	require.Error(t, err)

	_, err = loadWorkflowFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateCmd(t *testing.T) {
	valid := writeFile(t, "ok.yaml", greetingYAML)
	out, err := execute(t, "validate", valid)
	require.NoError(t, err)
	assert.Contains(t, out, valid+": ok")

	invalid := writeFile(t, "bad.yaml", "name: Broken\ntrigger_type: message_received\nsteps:\n  - id: a\n    step_type: action\n    config:\n      action_type: teleport\n")
	out, err = execute(t, "validate", valid, invalid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Contains(t, out, invalid+": invalid")
	assert.Contains(t, out, "error ")
}

func TestDefineCmd(t *testing.T) {
	path := writeFile(t, "ok.yaml", greetingYAML)

	out, err := execute(t, "define", path, "--tenant", "t1", "--activate")
	require.NoError(t, err)
	assert.Contains(t, out, "stored workflow")
	assert.Contains(t, out, "(active)")

	_, err = execute(t, "define", path)
	require.Error(t, err)

	owned := writeFile(t, "owned.yaml", "tenant_id: other\n"+greetingYAML)
	_, err = execute(t, "define", owned, "--tenant", "t1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `tenant "other"`)
}

func TestDiagramCmd(t *testing.T) {
	path := writeFile(t, "ok.yaml", greetingYAML)

	out, err := execute(t, "diagram", path)
	require.NoError(t, err)
	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "vip -->|false| wait")

	out, err = execute(t, "diagram", path, "--format", "ascii")
	require.NoError(t, err)
	assert.Contains(t, out, "=== Greeting ===")

	png := filepath.Join(t.TempDir(), "wf.png")
	_, err = execute(t, "diagram", path, "--format", "png", "--output", png)
	require.NoError(t, err)
	data, err := os.ReadFile(png)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data[:4])

	_, err = execute(t, "diagram", path, "--format", "png")
	require.Error(t, err)

	_, err = execute(t, "diagram", path, "--format", "gif")
	require.Error(t, err)

	_, err = execute(t, "diagram")
	require.Error(t, err)

	// The in-memory store starts empty.
	_, err = execute(t, "diagram", "--tenant", "t1", "--execution", "nope")
	require.Error(t, err)
}

func TestEmitCmd_NoMatch(t *testing.T) {
	out, err := execute(t, "emit", "--tenant", "t1", "--conversation", "c1", "--payload", `{"message":"hola"}`)
	require.NoError(t, err)
	assert.Equal(t, "no workflow matched\n", out)

	_, err = execute(t, "emit", "--tenant", "t1", "--payload", "{")
	require.Error(t, err)

	_, err = execute(t, "emit")
	require.Error(t, err)
}
