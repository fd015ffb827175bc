package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := newRootCmd()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"run", "register-best", "serve"}, names)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

func TestRunCommand_RequiresPeriod(t *testing.T) {
	_, err := execute(t, "run", "--month", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "year")
}

func TestRunCommand_MissingConfig(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	_, err := execute(t, "run", "--year", "2014", "--month", "1", "--config", missing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestRegisterBest_InvalidBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "project.yaml")
	require.NoError(t, os.WriteFile(path, []byte("experiment_name: e\nmodel_name: m\n"), 0o644))
	t.Setenv("TRACKING_BACKEND", "sqlite")

	_, err := execute(t, "register-best", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tracking backend")
}
