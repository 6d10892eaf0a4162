package notify

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewReturnsNilWithoutErrorWhenTokenEmpty(t *testing.T) {
	n, err := New("", 0, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestNotifyOnNilReceiverIsSafe(t *testing.T) {
	var n *Notifier
	assert.NotPanics(t, func() { n.Notify("hello") })
	assert.NotPanics(t, func() { n.NotifyCritical("boom", nil) })
}

func TestLoadAndSaveChatIDRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	n := &Notifier{log: zap.NewNop()}
	n.saveChatID(42)

	data, err := os.ReadFile(filepath.Join(dir, chatIDFile))
	require.NoError(t, err)
	assert.Equal(t, "42", string(data))

	assert.Equal(t, int64(42), n.loadChatID())
}

func TestLoadChatIDMissingFileReturnsZero(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	n := &Notifier{log: zap.NewNop()}
	assert.Equal(t, int64(0), n.loadChatID())
}
