package store

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(
		filepath.Join(dir, "accounts.json"),
		filepath.Join(dir, "config.json"),
		WithLogger(log.New(io.Discard)),
	)
	require.NoError(t, err)
	return s, dir
}

func TestNewRequiresPaths(t *testing.T) {
	t.Parallel()

	_, err := New("", "config.json")
	assert.Error(t, err)
	_, err = New("accounts.json", "")
	assert.Error(t, err)
}

func TestAccountsDefaultsToEmptyArray(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	data, err := s.Accounts()
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))

	count, err := s.AccountCount()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSaveAccountsRoundTrip(t *testing.T) {
	t.Parallel()

	s, dir := newTestStore(t)
	payload := []byte(`[{"salt":"s1","cookie":"c1"},{"salt":"s2","cookie":"c2","note":"spare"}]`)
	require.NoError(t, s.SaveAccounts(payload))

	count, err := s.AccountCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	onDisk, err := os.ReadFile(filepath.Join(dir, "accounts.json"))
	require.NoError(t, err)
	assert.Equal(t, payload, onDisk)
}

func TestSaveAccountsValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: `{{`},
		{name: "not an array", payload: `{"salt":"s","cookie":"c"}`},
		{name: "entry not an object", payload: `["bare"]`},
		{name: "missing salt", payload: `[{"cookie":"c"}]`},
		{name: "missing cookie", payload: `[{"salt":"s"}]`},
		{name: "empty cookie", payload: `[{"salt":"s","cookie":""}]`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s, _ := newTestStore(t)
			err := s.SaveAccounts([]byte(tc.payload))
			assert.ErrorIs(t, err, &ValidationError{})

			// A rejected payload must leave the file untouched.
			count, countErr := s.AccountCount()
			require.NoError(t, countErr)
			assert.Zero(t, count)
		})
	}
}

func TestScriptConfigDefaultsToEmptyObject(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	data, err := s.ScriptConfig()
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}

func TestSaveScriptConfigValidation(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	assert.ErrorIs(t, s.SaveScriptConfig([]byte(`not json`)), &ValidationError{})
	assert.ErrorIs(t, s.SaveScriptConfig([]byte(`[1,2]`)), &ValidationError{})
	assert.NoError(t, s.SaveScriptConfig([]byte(`{"headless":true}`)))
}

func TestEnvFlattensConfigValues(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	require.NoError(t, s.SaveScriptConfig([]byte(`{
		"headless": true,
		"debug": false,
		"retries": 3,
		"delay": 1.5,
		"proxy": "socks5://localhost:1080",
		"skipped": null,
		"targets": ["a", "b"]
	}`)))

	env, err := s.Env()
	require.NoError(t, err)

	assert.Equal(t, "true", env["headless"])
	assert.Equal(t, "false", env["debug"])
	assert.Equal(t, "3", env["retries"])
	assert.Equal(t, "1.5", env["delay"])
	assert.Equal(t, "socks5://localhost:1080", env["proxy"])
	assert.Equal(t, `["a", "b"]`, env["targets"])
	_, skipped := env["skipped"]
	assert.False(t, skipped, "null values must not produce variables")
}

func TestCachedReadRejectsCorruptFile(t *testing.T) {
	t.Parallel()

	s, dir := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{broken`), 0o600))

	_, err := s.ScriptConfig()
	assert.Error(t, err)
	assert.False(t, errors.Is(err, &ValidationError{}), "disk corruption is not a caller error")
}

func TestWatchInvalidatesCacheOnExternalEdit(t *testing.T) {
	t.Parallel()

	s, dir := newTestStore(t)
	require.NoError(t, s.SaveScriptConfig([]byte(`{"retries":1}`)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Watch(ctx))
	defer s.Close()

	// Edit behind the store's back, the way an operator with a text editor
	// would.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"retries":9}`), 0o600))

	require.Eventually(t, func() bool {
		env, err := s.Env()
		return err == nil && env["retries"] == "9"
	}, 5*time.Second, 20*time.Millisecond, "cache never picked up the external edit")
}
