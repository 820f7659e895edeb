// pkg/meta/meta_test.go

package meta

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFormat() Format {
	return Format{
		Name:      "cam",
		UUID:      "5e6f7c1a-0000-4000-8000-000000000001",
		Storage:   "file",
		Bucket:    "/var/seccam",
		AccessKey: "ak",
		SecretKey: "sk",
	}
}

func testMeta(t *testing.T, m Meta) {
	_, err := m.Load()
	assert.ErrorIs(t, err, ErrNotFormatted)

	format := testFormat()
	require.NoError(t, m.Init(format, false))
	f, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, format, *f)

	// credentials can change, the storage cannot
	update := format
	update.UUID = ""
	update.SecretKey = "sk2"
	update.UploadLimit = 1 << 20
	require.NoError(t, m.Init(update, false))
	f, err = m.Load()
	require.NoError(t, err)
	assert.Equal(t, format.UUID, f.UUID)
	assert.Equal(t, "sk2", f.SecretKey)
	update.Bucket = "/elsewhere"
	err = m.Init(update, false)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "sk2")
	require.NoError(t, m.Init(update, true))
	f, err = m.Load()
	require.NoError(t, err)
	assert.Equal(t, "/elsewhere", f.Bucket)

	assert.ErrorIs(t, m.AddSegment(&Segment{Name: "a.mp4"}), ErrNoSession)
	assert.ErrorIs(t, m.CloseSession(&Summary{}), ErrNoSession)

	require.NoError(t, m.NewSession("synthetic"))
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, name := range []string{"2024/05/01/10-00-00.mp4", "2024/05/01/10-00-02.mp4", "2024/05/01/10-00-04.mp4"} {
		seg := &Segment{
			Seq:      i,
			Name:     name,
			Start:    start.Add(time.Duration(i) * 2 * time.Second),
			Duration: 2 * time.Second,
			Size:     int64(1000 * (i + 1)),
			Status:   SegmentRecorded,
		}
		if i == 1 {
			seg.Status = SegmentFailed
			seg.Error = "producer failed"
		}
		require.NoError(t, m.AddSegment(seg))
	}

	sessions, err := m.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	sid := sessions[0].Sid
	assert.NotZero(t, sid)
	assert.Equal(t, "synthetic", sessions[0].Source)
	assert.Nil(t, sessions[0].Summary)
	assert.Empty(t, sessions[0].Segments)

	segs, err := m.ListSegments(sid)
	require.NoError(t, err)
	require.Len(t, segs, 3)
	assert.Equal(t, "2024/05/01/10-00-00.mp4", segs[0].Name)
	assert.Equal(t, SegmentFailed, segs[1].Status)
	assert.Equal(t, "producer failed", segs[1].Error)
	assert.Equal(t, int64(3000), segs[2].Size)
	assert.True(t, segs[2].Start.Equal(start.Add(4*time.Second)))

	seg, err := m.GetSegment("2024/05/01/10-00-02.mp4")
	require.NoError(t, err)
	assert.Equal(t, sid, seg.Sid)
	assert.Equal(t, 1, seg.Seq)
	_, err = m.GetSegment("missing.mp4")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.RemoveSegment("2024/05/01/10-00-02.mp4"))
	assert.ErrorIs(t, m.RemoveSegment("2024/05/01/10-00-02.mp4"), ErrNotFound)
	segs, err = m.ListSegments(sid)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, "2024/05/01/10-00-04.mp4", segs[1].Name)

	summary := &Summary{Chunks: 3, Failed: 1, Recorded: 4 * time.Second, RunTime: 6 * time.Second}
	require.NoError(t, m.CloseSession(summary))
	s, err := m.GetSession(sid)
	require.NoError(t, err)
	assert.Equal(t, summary, s.Summary)
	assert.Len(t, s.Segments, 2)
	assert.False(t, s.Heartbeat.IsZero())
	_, err = m.GetSession(sid + 100)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Shutdown())
	require.NoError(t, m.Shutdown())
}

func TestMemClient(t *testing.T) {
	m, err := NewClient("mem://"+t.Name(), nil)
	require.NoError(t, err)
	assert.Equal(t, "mem", m.Name())
	testMeta(t, m)

	// clients of the same address share data
	other, err := NewClient("mem://"+t.Name(), nil)
	require.NoError(t, err)
	f, err := other.Load()
	require.NoError(t, err)
	assert.Equal(t, "cam", f.Name)
}

func TestPebbleClient(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "index")
	m, err := NewClient("pebble://"+dir, nil)
	require.NoError(t, err)
	assert.Equal(t, "pebble", m.Name())
	testMeta(t, m)

	m, err = NewClient("pebble://"+dir, &Config{ReadOnly: true})
	require.NoError(t, err)
	sessions, err := m.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 3, sessions[0].Summary.Chunks)
	require.NoError(t, m.NewSession("ignored"))
	assert.Error(t, m.AddSegment(&Segment{Name: "x.mp4"}))
	require.NoError(t, m.Shutdown())
}

func TestRedisClient(t *testing.T) {
	addr := os.Getenv("SECCAM_TEST_REDIS")
	if addr == "" {
		addr = "redis://127.0.0.1:6379/10"
	}
	opt, err := redis.ParseURL(addr)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis is not available: %s", err)
	}
	require.NoError(t, rdb.FlushDB(ctx).Err())
	_ = rdb.Close()

	m, err := NewClient(addr, nil)
	require.NoError(t, err)
	assert.Equal(t, "redis", m.Name())
	testMeta(t, m)
}

func TestHeartbeat(t *testing.T) {
	m, err := NewClient("mem://"+t.Name(), &Config{Heartbeat: 5 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, m.NewSession(""))
	sessions, err := m.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	first := sessions[0].Heartbeat
	assert.Eventually(t, func() bool {
		s, err := m.GetSession(sessions[0].Sid)
		return err == nil && s.Heartbeat.After(first)
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Shutdown())
}

func TestNewClient(t *testing.T) {
	_, err := NewClient("unknown://x", nil)
	assert.Error(t, err)
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, shouldRetry(redis.TxFailedErr, false))
	assert.False(t, shouldRetry(nil, true))
	assert.False(t, shouldRetry(context.Canceled, true))
	assert.True(t, shouldRetry(errString("LOADING Redis is loading the dataset in memory"), false))
	assert.True(t, shouldRetry(errString("ERR NOWRITE not allowed"), false))
	assert.False(t, shouldRetry(errString("ERR wrong number of arguments"), true))
}

type errString string

func (e errString) Error() string { return string(e) }

func TestUpperBound(t *testing.T) {
	assert.Equal(t, []byte("segment0"), upperBound([]byte("segment/")))
	assert.Equal(t, []byte{'b'}, upperBound([]byte{'a', 0xff}))
	assert.Nil(t, upperBound([]byte{0xff}))
}
