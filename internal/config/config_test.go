package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigNeedsOnlyIdentity(t *testing.T) {
	cfg := DefaultConfig()

	result := Validate(cfg)
	require.False(t, result.IsValid())
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "mediator_data.idp_static_user_id", result.Errors[0].Field)

	cfg.MediatorData.StaticUserID = "local-user"
	assert.True(t, Validate(cfg).IsValid())
}

func TestValidateCatchesBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MediatorData.StaticUserID = "local-user"
	cfg.MediatorData.QueueSizeLimit = 0
	cfg.MediatorData.TickIntervalMS = 0
	cfg.MediatorData.RequestExpirySec = -5
	cfg.MediatorData.TransportMode = "carrier-pigeon"
	cfg.MediatorData.APIPort = cfg.MediatorData.UDPPort
	cfg.MediatorData.Sockets = []string{"game", "game", "", strings.Repeat("x", 300)}

	result := Validate(cfg)
	require.False(t, result.IsValid())

	fields := make(map[string]int)
	for _, e := range result.Errors {
		fields[e.Field]++
	}
	assert.Equal(t, 1, fields["mediator_data.med_queue_size_limit"])
	assert.Equal(t, 1, fields["mediator_data.med_tick_interval_ms"])
	assert.Equal(t, 1, fields["mediator_data.med_request_expiry_sec"])
	assert.Equal(t, 1, fields["mediator_data.net_transport_mode"])
	assert.Equal(t, 1, fields["mediator_data.ports"])
	assert.Equal(t, 3, fields["mediator_data.med_sockets"])
}

func TestValidateHTTPIdentityMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MediatorData.ProviderMode = ProviderModeHTTP

	result := Validate(cfg)
	require.False(t, result.IsValid())

	var fields []string
	for _, e := range result.Errors {
		fields = append(fields, e.Field)
	}
	assert.Contains(t, fields, "mediator_data.idp_provider_url")
	assert.Contains(t, fields, "mediator_data.idp_login")
	assert.Contains(t, fields, "mediator_data.idp_password")

	cfg.MediatorData.ProviderURL = "identity.example.net"
	cfg.MediatorData.Login = "operator"
	cfg.MediatorData.Password = "hunter2"
	assert.True(t, Validate(cfg).IsValid())
}

func TestLoadCreatesDefaultConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, DefaultConfigFile))
	require.NoError(t, err)

	assert.Equal(t, DefaultQueueLimit, cfg.MediatorData.QueueSizeLimit)
	assert.Equal(t, TransportModeUDP, cfg.MediatorData.TransportMode)
	assert.True(t, cfg.IsFirstRun())
}

func TestSaveAndReloadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	cfg.MediatorData.QueueSizeLimit = 99
	cfg.MediatorData.Sockets = []string{"game", "lobby"}
	cfg.MediatorData.StaticUserID = "local-user"
	cfg.ApplicationData.Journal.RetentionDays = 7
	require.NoError(t, cfg.Save())

	reloaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 99, reloaded.MediatorData.QueueSizeLimit)
	assert.Equal(t, []string{"game", "lobby"}, reloaded.MediatorData.Sockets)
	assert.Equal(t, 7, reloaded.ApplicationData.Journal.RetentionDays)
	assert.False(t, reloaded.IsFirstRun())
}

func TestUpdateMediatorField(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.UpdateMediatorField("med_queue_size_limit", 512))
	assert.Equal(t, 512, cfg.GetMediatorData().QueueSizeLimit)

	require.NoError(t, cfg.UpdateMediatorField("idp_static_user_id", "local-user"))
	assert.Equal(t, "local-user", cfg.GetMediatorData().StaticUserID)

	// Other fields are untouched by a single-field update.
	assert.Equal(t, DefaultUDPPort, cfg.GetMediatorData().UDPPort)
}

func TestIsFirstRun(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.IsFirstRun())

	cfg.MediatorData.StaticUserID = "local-user"
	assert.False(t, cfg.IsFirstRun())

	cfg.MediatorData.ProviderMode = ProviderModeHTTP
	assert.True(t, cfg.IsFirstRun())

	cfg.MediatorData.Login = "operator"
	cfg.MediatorData.ProviderURL = "identity.example.net"
	assert.False(t, cfg.IsFirstRun())
}

func TestSplitSockets(t *testing.T) {
	assert.Equal(t, []string{"game", "lobby"}, splitSockets(" game , lobby ,"))
	assert.Nil(t, splitSockets(" , "))
}
