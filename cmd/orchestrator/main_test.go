package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/orchestrator/internal/config"
	"github.com/botfleet/orchestrator/internal/util"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "orchestrator dev")
	assert.Contains(t, out, "commit: none")
}

func TestKeygenCmd(t *testing.T) {
	out, err := run(t, "keygen")
	require.NoError(t, err)

	values := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		name, value, ok := strings.Cut(line, "=")
		require.True(t, ok, line)
		values[name] = value
	}

	require.Contains(t, values, "VAULT_KEY")
	assert.Len(t, values["VAULT_KEY"], 64)
	assert.NotEqual(t, values["SERVICE_API_KEY"], values["RUNNER_SECRET"])

	cfg := &config.Config{
		VaultKey:             values["VAULT_KEY"],
		PairingWindowSeconds: 120,
		RestoreConcurrency:   1,
	}
	assert.NoError(t, cfg.Validate(false))
}

func TestHashKeyCmd(t *testing.T) {
	t.Run("prints a verifiable hash", func(t *testing.T) {
		out, err := run(t, "hash-key", "s3cret")
		require.NoError(t, err)

		hash := strings.TrimSpace(out)
		assert.True(t, strings.HasPrefix(hash, "$2a$"))
		assert.True(t, util.CheckKeyHash("s3cret", hash))
	})

	t.Run("requires the key argument", func(t *testing.T) {
		_, err := run(t, "hash-key")
		assert.Error(t, err)
	})
}

func TestSetLogLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		assert.NotPanics(t, func() { setLogLevel(level) })
	}
	setLogLevel("info")
}
