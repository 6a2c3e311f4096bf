package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"Applications": [
			{ "DockerContainerName": "web", "ListenPort": 5000, "TargetPort": 5001 }
		]
	}`)

	root, err := Load(path)
	require.NoError(t, err)
	require.Len(t, root.Applications, 1)

	app := root.Applications[0]
	require.Equal(t, "web", app.DockerContainerName)
	require.Equal(t, ProtocolTCP, app.Protocol)
	require.Equal(t, "127.0.0.1", app.TargetAddress)
	require.True(t, *app.ApplyToComposeGroup)
	require.Equal(t, ActionPause, app.InactiveAction)
	require.Equal(t, DefaultInactiveAfter, app.InactiveAfter.Duration())
	require.Equal(t, DefaultCheckInterval, app.CheckInterval.Duration())
	require.Equal(t, DefaultStartupDelay, app.StartupDelay.Duration())
}

func TestLoadMissingRequiredField(t *testing.T) {
	path := writeConfig(t, `{ "Applications": [ { "ListenPort": 5000, "TargetPort": 5001 } ] }`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadHHMMSSDuration(t *testing.T) {
	path := writeConfig(t, `{
		"Applications": [
			{
				"DockerContainerName": "web",
				"ListenPort": 5000,
				"TargetPort": 5001,
				"InactiveAfter": "00:15:30"
			}
		]
	}`)

	root, err := Load(path)
	require.NoError(t, err)

	want := 15*time.Minute + 30*time.Second
	require.Equal(t, want, root.Applications[0].InactiveAfter.Duration())
}

func TestProtocolCaseInsensitive(t *testing.T) {
	path := writeConfig(t, `{
		"Applications": [
			{ "DockerContainerName": "web", "ListenPort": 5000, "TargetPort": 5001, "Protocol": "UDP" }
		]
	}`)

	root, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ProtocolUDP, root.Applications[0].Protocol)
}

func TestInactiveActionCaseInsensitive(t *testing.T) {
	path := writeConfig(t, `{
		"Applications": [
			{ "DockerContainerName": "web", "ListenPort": 5000, "TargetPort": 5001, "InactiveAction": "Stop" }
		]
	}`)

	root, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ActionStop, root.Applications[0].InactiveAction)
}

func TestLoadUnreadableFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.Error(t, err)
}
