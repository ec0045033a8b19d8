package main

import (
	"os"
	"path/filepath"
	"testing"

	mock_builder "github.com/marioevz/builder-client/mock"
	beacon "github.com/protolambda/zrnt/eth2/beacon/common"
	"github.com/protolambda/zrnt/eth2/configs"
	"github.com/stretchr/testify/require"
)

func TestLoadSpec(t *testing.T) {
	spec, err := loadSpec("mainnet", "")
	require.NoError(t, err)
	require.Equal(t, configs.Mainnet.CAPELLA_FORK_EPOCH, spec.CAPELLA_FORK_EPOCH)

	_, err = loadSpec("holesky", "")
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"PRESET_BASE: 'minimal'\n"+
			"ALTAIR_FORK_EPOCH: 0\n"+
			"BELLATRIX_FORK_EPOCH: 0\n"+
			"CAPELLA_FORK_EPOCH: 5\n"+
			"DENEB_FORK_EPOCH: 10\n"+
			"SECONDS_PER_SLOT: 6\n",
	), 0o644))

	spec, err = loadSpec("minimal", path)
	require.NoError(t, err)
	require.Equal(t, beacon.Epoch(5), spec.CAPELLA_FORK_EPOCH)
	require.Equal(t, beacon.Epoch(10), spec.DENEB_FORK_EPOCH)
	require.Equal(t, configs.Minimal.SLOTS_PER_EPOCH, spec.SLOTS_PER_EPOCH)
	// The preset itself is left untouched
	require.NotEqual(t, beacon.Epoch(5), configs.Minimal.CAPELLA_FORK_EPOCH)

	_, err = loadSpec("minimal", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestParseInvParamString(t *testing.T) {
	spec, err := loadSpec("mainnet", "")
	require.NoError(t, err)

	epoch, invType, err := parseInvParamString("capella,state_root", spec)
	require.NoError(t, err)
	require.Equal(t, spec.CAPELLA_FORK_EPOCH, epoch)
	require.Equal(t, mock_builder.PayloadInvalidation(mock_builder.INVALIDATE_PAYLOAD_STATE_ROOT), invType)

	epoch, _, err = parseInvParamString("12,coinbase", spec)
	require.NoError(t, err)
	require.Equal(t, beacon.Epoch(12), epoch)

	for _, bad := range []string{"capella", "altair,state_root", "capella,unknown"} {
		_, _, err = parseInvParamString(bad, spec)
		require.Error(t, err, bad)
	}
}

func TestCLIFlags(t *testing.T) {
	app := newApp()
	require.Error(t, app.Run([]string{"builder-client", "--log-format", "xml", "status"}))
	require.Error(t, app.Run([]string{"builder-client", "--network", "holesky", "status"}))

	err := newApp().Run([]string{"builder-client", "register", "--input", "registrations.json"})
	require.ErrorContains(t, err, `"slot"`)
}
