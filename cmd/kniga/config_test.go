package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kniga.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dir: /tmp/doc\npeer: 1f\nlog_level: debug\n"), 0o644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/doc", cfg.Dir)
	assert.Equal(t, ".kniga_history", cfg.History)

	opts, err := cfg.Options()
	require.NoError(t, err)
	assert.EqualValues(t, 0x1f, opts.PeerID)
	assert.Equal(t, "/tmp/doc", opts.Dir)

	cfg.Peer = "zz"
	_, err = cfg.Options()
	assert.Error(t, err)
}

func TestRootCommand_Flags(t *testing.T) {
	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--peer", "a", "--dir", "x"}))
	assert.Equal(t, "a", cmd.Flag("peer").Value.String())
	assert.NotNil(t, cmd.Commands())
}
