package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_port = 9000

[[bots]]
uid = "u1"
play_key = "k1"
connect_code = "BOT#001"

[version]
api_base = "https://example.test/version"
insecure_skip_verify = true

[matchmaking]
server_host = "mm.example.test"
server_port = 1667
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.ListenPort)
	require.Equal(t, 1, cfg.PoolSize())
	require.Equal(t, "BOT#001", cfg.Roster[0].ConnectCode)
	require.True(t, cfg.Version.InsecureSkipVerify)
	require.Equal(t, "mm.example.test", cfg.Matchmaking.ServerHost)
	require.EqualValues(t, 1667, cfg.Matchmaking.ServerPort)
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"listenPort": 8081,
		"bots": [{"uid":"u1","playKey":"k1","connectCode":"BOT#001"}],
		"matchmaking": {"serverHost":"mm.example.test","serverPort":1667}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8081, cfg.ListenPort)
	require.Equal(t, 1, cfg.PoolSize())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	require.Error(t, err)
}

func TestValidateRejectsEmptyRoster(t *testing.T) {
	cfg := Default()
	cfg.Matchmaking.ServerHost = "mm.example.test"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsDuplicateConnectCodes(t *testing.T) {
	cfg := Default()
	cfg.Matchmaking.ServerHost = "mm.example.test"
	cfg.Roster = []BotIdentity{
		{UID: "u1", PlayKey: "k1", ConnectCode: "BOT#001"},
		{UID: "u2", PlayKey: "k2", ConnectCode: "BOT#001"},
	}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsMissingServerHost(t *testing.T) {
	cfg := Default()
	cfg.Roster = []BotIdentity{{UID: "u1", PlayKey: "k1", ConnectCode: "BOT#001"}}
	require.Error(t, cfg.Validate())
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := Default()
	cfg.Matchmaking.ServerHost = "mm.example.test"
	cfg.Roster = []BotIdentity{{UID: "u1", PlayKey: "k1", ConnectCode: "BOT#001"}}
	require.NoError(t, cfg.Validate())
}
