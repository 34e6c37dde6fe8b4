package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, svc Service) {
	t.Helper()
	store := svc.NewStore("state", "perp", "tracking_states")

	var empty map[string]string
	require.ErrorIs(t, store.Load(&empty), ErrNotExists)

	states := map[string]string{
		"buy-ETH-DAI-1": `{"local_id":"buy-ETH-DAI-1"}`,
	}
	require.NoError(t, store.Save(states))

	var got map[string]string
	require.NoError(t, store.Load(&got))
	require.Equal(t, states, got)

	// 覆盖写
	require.NoError(t, store.Save(map[string]string{}))
	got = nil
	require.NoError(t, store.Load(&got))
	require.Empty(t, got)

	require.NoError(t, store.Clear())
	require.ErrorIs(t, store.Load(&got), ErrNotExists)
	require.NoError(t, store.Clear())
}

func TestJSONFileStore(t *testing.T) {
	dir := t.TempDir()
	roundTrip(t, NewJSONFileService(dir))

	store := NewJSONFileService(dir).NewStore("state", "perp/x", "tracking states").(*JSONFileStore)
	require.Equal(t, filepath.Join(dir, "state_perp_x_tracking_states.json"), store.Path())
	require.NoError(t, store.Save([]int{1}))

	// 不留临时文件
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestBadgerStore(t *testing.T) {
	svc, err := OpenBadger(t.TempDir(), nil)
	require.NoError(t, err)
	defer svc.Close()
	roundTrip(t, svc)
}
