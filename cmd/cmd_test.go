// cmd/cmd_test.go

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"SecCam/pkg/config"
	"SecCam/pkg/meta"
	"SecCam/pkg/notify"
	"SecCam/pkg/object"
	"SecCam/pkg/pagestream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateStorage(t *testing.T) {
	format := &meta.Format{Name: "cam", Storage: "file", Bucket: t.TempDir()}
	blob, err := createStorage(format)
	require.NoError(t, err)
	assert.Contains(t, blob.String(), "cam/")
	require.NoError(t, test(blob))

	format.UploadLimit, format.DownloadLimit = 1<<20, 1<<20
	format.EncryptSalt = "00112233445566778899aabbccddeeff"
	t.Setenv(passphraseEnv, "")
	_, err = createStorage(format)
	assert.Error(t, err, "passphrase is required")

	t.Setenv(passphraseEnv, "secret")
	blob, err = createStorage(format)
	require.NoError(t, err)
	assert.Contains(t, blob.String(), "encrypted")
	require.NoError(t, test(blob))

	format.EncryptSalt = "not hex"
	_, err = createStorage(format)
	assert.Error(t, err)
}

func TestNewFanout(t *testing.T) {
	conf := config.Default().Sinks
	conf.Webhook.Enabled = true
	conf.Webhook.FocusChangeURL = "http://127.0.0.1:1/focus"
	conf.SMS.Enabled = true
	conf.SMS.When = "faces > 0"
	fanout, release, err := newFanout(context.Background(), &conf)
	require.NoError(t, err)
	defer release()
	assert.Equal(t, 2, fanout.Sinks(notify.DetectionChanged))
	assert.Equal(t, 3, fanout.Sinks(notify.FocusChanged))
	fanout.Close()

	conf.SMS.When = "faces +"
	_, _, err = newFanout(context.Background(), &conf)
	assert.Error(t, err)
}

func TestFetchAndRemove(t *testing.T) {
	ctx := context.Background()
	m, err := meta.NewClient("mem://"+t.Name(), nil)
	require.NoError(t, err)
	defer m.Shutdown()
	require.NoError(t, m.NewSession("synthetic"))
	store := object.NewMemStore("cmd", object.DefaultPageSize)

	name := "2024/05/01/10-00-00.mp4"
	st := pagestream.New(ctx, store, name, nil)
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i)
	}
	_, err = st.Write(data)
	require.NoError(t, err)
	require.NoError(t, st.Close())
	require.NoError(t, m.AddSegment(&meta.Segment{Name: name, Start: time.Now(), Size: st.Size(), Status: meta.SegmentRecorded}))

	dst := filepath.Join(t.TempDir(), "out.mp4")
	n, err := fetchSegment(ctx, m, store, name, dst, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, removeSegment(ctx, m, store, name))
	_, err = store.Head(ctx, name)
	assert.ErrorIs(t, err, object.ErrNotFound)
	_, err = m.GetSegment(name)
	assert.ErrorIs(t, err, meta.ErrNotFound)
	assert.NoError(t, removeSegment(ctx, m, store, name))

	_, err = fetchSegment(ctx, m, store, name, dst, true)
	assert.ErrorIs(t, err, object.ErrNotFound)
}
