//go:build !windows
// +build !windows

package pipeline

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/galaxy-iot/extender/av"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testVideo = &av.MediaDescriptor{
		PayloadType:   96,
		Kind:          av.Video,
		Codec:         "H264",
		ClockRate:     90000,
		ParameterSets: [][]byte{{0x67, 0x01}, {0x68, 0x02}},
	}
	testAudio = &av.MediaDescriptor{
		PayloadType: 97,
		Kind:        av.Audio,
		Codec:       "L16",
		ClockRate:   48000,
		Channels:    2,
	}
)

// writeScript stores a shell stand-in for one of the pipeline executables.
func writeScript(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "stage.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func openFiles(t *testing.T) int {
	t.Helper()

	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skip("no /proc/self/fd on this platform")
	}
	return len(entries)
}

func testConfig(t *testing.T, mux, play string) Config {
	return Config{
		FFmpegPath:     mux,
		FFplayPath:     play,
		TempDir:        t.TempDir(),
		ConnectTimeout: 5 * time.Second,
		WriteTimeout:   time.Second,
		GracePeriod:    200 * time.Millisecond,
		KillWait:       2 * time.Second,
		JoinTimeout:    2 * time.Second,
	}
}

func TestExpandArgs(t *testing.T) {
	video := newInput(av.Video, "/tmp/v.fifo", testVideo, 1)
	audio := newInput(av.Audio, "/tmp/a.fifo", testAudio, 1)

	testCases := map[string]struct {
		inputs map[av.MediaKind]*input
		want   string
	}{
		"both streams": {
			inputs: map[av.MediaKind]*input{av.Video: video, av.Audio: audio},
			want: "-hide_banner -loglevel error -fflags +genpts -f h264 -i /tmp/v.fifo " +
				"-f s16be -ar 48000 -ac 2 -i /tmp/a.fifo -map 0:v:0 -map 1:a:0 " +
				"-c:v copy -c:a aac -f mpegts pipe:1",
		},
		"video only": {
			inputs: map[av.MediaKind]*input{av.Video: video},
			want: "-hide_banner -loglevel error -fflags +genpts -f h264 -i /tmp/v.fifo " +
				"-map 0:v:0 -c:v copy -c:a aac -f mpegts pipe:1",
		},
		"audio only": {
			inputs: map[av.MediaKind]*input{av.Audio: audio},
			want: "-hide_banner -loglevel error -fflags +genpts -f s16be -ar 48000 -ac 2 " +
				"-i /tmp/a.fifo -map 0:a:0 -c:v copy -c:a aac -f mpegts pipe:1",
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			got := expandArgs(DefaultMuxArgs, tc.inputs)
			assert.Equal(t, tc.want, strings.Join(got, " "))
		})
	}

	assert.Equal(t, DefaultPlayArgs, strings.Join(expandArgs(DefaultPlayArgs, nil), " "))
	assert.Equal(t, []string{"/tmp/v.fifo", "in=/tmp/v.fifo"},
		expandArgs("{video} in={video} {audio}", map[av.MediaKind]*input{av.Video: video})[:2])
}

func TestStartArguments(t *testing.T) {
	m := New(Config{})
	assert.ErrorIs(t, m.Start(nil, nil), ErrNoStreams)
	assert.ErrorIs(t, m.Start(&av.MediaDescriptor{Kind: av.Video, Codec: "VC1"}, nil), ErrUnsupportedCodec)
	assert.False(t, m.Running())

	assert.ErrorIs(t, m.SubmitVideoUnit([]byte{0x65}, 0), ErrNotRunning)
}

func TestStartMissingExecutable(t *testing.T) {
	sleeper := writeScript(t, "exec sleep 30")

	testCases := map[string]Config{
		"muxing stage":   testConfig(t, "/nonexistent/ffmpeg", sleeper),
		"playback stage": testConfig(t, sleeper, "/nonexistent/ffplay"),
	}

	// the runtime poller keeps one descriptor once the first pipe exists
	r, w, err := os.Pipe()
	require.NoError(t, err)
	r.Close()
	w.Close()

	for name, cfg := range testCases {
		t.Run(name, func(t *testing.T) {
			before := openFiles(t)

			m := New(cfg)
			err := m.Start(testVideo, testAudio)
			require.ErrorIs(t, err, ErrLaunch)

			assert.False(t, m.Running())
			assert.Equal(t, before, openFiles(t))

			entries, err := os.ReadDir(cfg.TempDir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestPipelineDeliversUnits(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.ts")
	t.Setenv("PIPELINE_TEST_OUT", out)

	cfg := testConfig(t,
		writeScript(t, `exec cat "$1"`),
		writeScript(t, `exec cat > "$PIPELINE_TEST_OUT"`),
	)
	cfg.MuxArgs = "{video}"

	m := New(cfg)
	require.NoError(t, m.Start(testVideo, nil))
	assert.True(t, m.Running())
	assert.ErrorIs(t, m.Start(testVideo, nil), ErrAlreadyRunning)
	assert.ErrorIs(t, m.SubmitAudioUnit([]byte{0x00}, 0), ErrUnknownStream)

	require.NoError(t, m.SubmitVideoUnit([]byte{0x65, 0xAA}, 3000))
	require.NoError(t, m.Submit(av.Unit{Kind: av.Video, Timestamp: 6000, Data: []byte{0x41, 0xBB}}))

	want := []byte{
		0, 0, 0, 1, 0x67, 0x01,
		0, 0, 0, 1, 0x68, 0x02,
		0, 0, 0, 1, 0x65, 0xAA,
		0, 0, 0, 1, 0x41, 0xBB,
	}

	require.Eventually(t, func() bool {
		got, _ := os.ReadFile(out)
		return bytes.Equal(want, got)
	}, 5*time.Second, 20*time.Millisecond)

	m.Stop()
	assert.False(t, m.Running())
	assert.NoError(t, m.Err())

	entries, err := os.ReadDir(cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.ErrorIs(t, m.SubmitVideoUnit([]byte{0x65}, 0), ErrNotRunning)
}

func TestPendingUnitsAreBounded(t *testing.T) {
	cfg := testConfig(t, writeScript(t, "exec sleep 30"), writeScript(t, "exec sleep 30"))
	cfg.PendingUnits = 2

	m := New(cfg)
	require.NoError(t, m.Start(nil, testAudio))
	defer m.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.SubmitAudioUnit([]byte{byte(i)}, uint32(i)))
	}

	in := m.inputs[av.Audio]
	in.mu.Lock()
	defer in.mu.Unlock()
	assert.Len(t, in.queue, 2)
	assert.Equal(t, 3, in.dropped)
	// raw audio goes in without a start code
	assert.Equal(t, []byte{0}, in.queue[0])
}

func TestStopForcesStubbornProcesses(t *testing.T) {
	stubborn := writeScript(t, "trap '' INT TERM\nexec sleep 30")

	m := New(testConfig(t, stubborn, stubborn))
	require.NoError(t, m.Start(testVideo, testAudio))

	mux, play := m.mux, m.play

	started := time.Now()
	m.Stop()

	assert.Less(t, time.Since(started), 5*time.Second)
	assert.True(t, mux.exited())
	assert.True(t, play.exited())
	assert.False(t, m.Running())
	assert.NoError(t, m.Err())
}

func TestConnectTimeoutFailsPipeline(t *testing.T) {
	cfg := testConfig(t, writeScript(t, "exec sleep 30"), writeScript(t, "exec sleep 30"))
	cfg.ConnectTimeout = 200 * time.Millisecond

	failures := make(chan error, 4)
	cfg.OnError = func(err error) {
		failures <- err
	}

	m := New(cfg)
	require.NoError(t, m.Start(testVideo, nil))

	select {
	case err := <-failures:
		assert.ErrorIs(t, err, ErrConnectTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("connect timeout not reported")
	}

	require.Eventually(t, func() bool {
		return !m.Running()
	}, 5*time.Second, 20*time.Millisecond)
	assert.ErrorIs(t, m.Err(), ErrConnectTimeout)
	assert.Len(t, failures, 0)
}

func TestStageExitFailsPipeline(t *testing.T) {
	cfg := testConfig(t, writeScript(t, "exec sleep 30"), writeScript(t, "exit 3"))

	m := New(cfg)
	require.NoError(t, m.Start(testVideo, nil))

	require.Eventually(t, func() bool {
		return !m.Running()
	}, 5*time.Second, 20*time.Millisecond)
	assert.ErrorIs(t, m.Err(), ErrProcessExited)
}

func TestWriteFailureStopsPipeline(t *testing.T) {
	cfg := testConfig(t,
		writeScript(t, "head -c 1 \"$1\" > /dev/null\nexec sleep 30"),
		writeScript(t, "exec sleep 30"),
	)
	cfg.MuxArgs = "{video}"

	m := New(cfg)
	require.NoError(t, m.Start(testVideo, nil))

	unit := bytes.Repeat([]byte{0x41}, 1024)

	var err error
	deadline := time.Now().Add(5 * time.Second)
	for err == nil && time.Now().Before(deadline) {
		err = m.SubmitVideoUnit(unit, 0)
		if err == nil {
			time.Sleep(5 * time.Millisecond)
		}
	}
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return !m.Running()
	}, 5*time.Second, 20*time.Millisecond)
	assert.Error(t, m.Err())
}

func TestVideoWaitsForDecodableUnit(t *testing.T) {
	media := &av.MediaDescriptor{Kind: av.Video, Codec: "H264"}
	in := newInput(av.Video, "/tmp/v.fifo", media, 8)

	require.NoError(t, in.submit([]byte{0x41, 0x01}, time.Second))
	require.NoError(t, in.submit([]byte{0x68, 0x02}, time.Second))
	require.NoError(t, in.submit([]byte{0x67, 0x03}, time.Second))
	require.NoError(t, in.submit([]byte{0x41, 0x04}, time.Second))
	require.NoError(t, in.submit([]byte{0, 0, 0, 1, 0x65, 0x05}, time.Second))

	assert.Equal(t, 2, in.dropped)
	assert.Equal(t, [][]byte{
		{0, 0, 0, 1, 0x67, 0x03},
		{0, 0, 0, 1, 0x41, 0x04},
		{0, 0, 0, 1, 0x65, 0x05},
	}, in.queue)
}
