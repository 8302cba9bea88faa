package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"contractflow/httpapi"
)

func testApp(out *bytes.Buffer) *cli.App {
	app := newApp(out)
	app.ExitErrHandler = func(*cli.Context, error) {}
	return app
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"CONTRACTFLOW_CONFIG", "DATABASE_URL", "LOG_LEVEL", "HTTP_ADDR", "LIFECYCLE_JWT_SECRET", "REDIS_URL"} {
		t.Setenv(k, "")
	}
}

func TestTokenCommand(t *testing.T) {
	clearEnv(t)
	t.Setenv("LIFECYCLE_JWT_SECRET", "cli-secret")

	var out bytes.Buffer
	err := testApp(&out).Run([]string{"contractflow", "token", "--tenant", "tenant-a", "--actor", "ops"})
	require.NoError(t, err)

	p, err := httpapi.NewTokenVerifier("cli-secret").Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", string(p.TenantID))
	assert.Equal(t, "ops", p.ActorID)
}

func TestTokenCommand_SecretFromConfigFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_JWT", "from-file")
	path := filepath.Join(t.TempDir(), "contractflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  jwt_secret: ${TEST_JWT}\n"), 0o600))

	var out bytes.Buffer
	err := testApp(&out).Run([]string{"contractflow", "--config", path, "token", "--tenant", "tenant-b"})
	require.NoError(t, err)

	_, err = httpapi.NewTokenVerifier("from-file").Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
}

func TestTokenCommand_MissingSecret(t *testing.T) {
	clearEnv(t)

	var out bytes.Buffer
	err := testApp(&out).Run([]string{"contractflow", "token", "--tenant", "tenant-a"})
	require.Error(t, err)

	var exit cli.ExitCoder
	require.True(t, errors.As(err, &exit))
	assert.Equal(t, 2, exit.ExitCode())
	assert.Empty(t, out.String())
}

func TestDatabaseCommands_RejectInvalidConfig(t *testing.T) {
	clearEnv(t)

	for _, args := range [][]string{
		{"contractflow", "migrate"},
		{"contractflow", "sweep", "--tenant", "tenant-a"},
		{"contractflow", "serve"},
	} {
		var out bytes.Buffer
		err := testApp(&out).Run(args)
		require.Error(t, err, args)

		var exit cli.ExitCoder
		require.True(t, errors.As(err, &exit), args)
		assert.Equal(t, 2, exit.ExitCode())
		assert.Contains(t, err.Error(), "database.url is required")
	}
}

func TestHolderID(t *testing.T) {
	a, b := holderID(), holderID()
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "-")
}
