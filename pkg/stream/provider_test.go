package stream

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/lk2023060901/xplay/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sinkRecorder struct {
	mu   sync.Mutex
	data bytes.Buffer
	errs []error
}

func (s *sinkRecorder) Write(b []byte) {
	s.mu.Lock()
	s.data.Write(b)
	s.mu.Unlock()
}

func (s *sinkRecorder) Fail(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *sinkRecorder) snapshot() ([]byte, []error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data.Bytes()...), append([]error(nil), s.errs...)
}

func TestFFmpegArgs(t *testing.T) {
	cfg := DefaultProviderConfig()
	cfg.ExtraArgs = []string{"-threads", "2"}
	l := logger.NewNoop()
	cc := testCaptureConfig()

	sw := NewSoftwareProvider(cfg, l)
	args := sw.argv(cc)
	assert.Subset(t, args, []string{"libx264", "zerolatency", "slices=1:repeat-headers=1:scenecut=0", "4000k", "-threads"})
	assert.Equal(t, []string{"-f", "h264", "-"}, args[len(args)-3:])
	assert.False(t, sw.Hardware())
	assert.Equal(t, "software:libx264", sw.Name())

	hw := NewHardwareProvider(cfg, l)
	args = hw.argv(cc)
	assert.Contains(t, args, "h264_nvenc")
	assert.Contains(t, args, "dump_extra=freq=keyframe")
	assert.True(t, hw.Hardware())

	cfg.HardwareEncoder = "h264_vaapi"
	args = NewHardwareProvider(cfg, l).argv(cc)
	assert.Equal(t, "-vaapi_device", args[4])
	assert.Contains(t, args, "format=nv12,hwupload,scale_vaapi=w=1280:h=720")

	cfg.InputFormat = "lavfi"
	cfg.Input = "testsrc2=size=1280x720:rate=60"
	args = NewSoftwareProvider(cfg, l).argv(cc)
	assert.NotContains(t, args, "-video_size")
}

func requireShell(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a posix shell")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not found")
	}
	return sh
}

func TestExecProvider_ReportsUnexpectedExit(t *testing.T) {
	cfg := DefaultProviderConfig()
	cfg.FFmpegPath = requireShell(t)
	p := NewSoftwareProvider(cfg, logger.NewNoop())
	p.argv = func(CaptureConfig) []string {
		return []string{"-c", `printf '\000\000\000\001\145\210\204\001'`}
	}

	sink := &sinkRecorder{}
	require.NoError(t, p.Start(testCaptureConfig(), sink))
	assert.ErrorIs(t, p.Start(testCaptureConfig(), sink), ErrAlreadyCapturing)

	require.Eventually(t, func() bool {
		_, errs := sink.snapshot()
		return len(errs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	data, errs := sink.snapshot()
	assert.Equal(t, annexB(idr(1)), data)
	assert.ErrorIs(t, errs[0], ErrProviderExited)
	require.NoError(t, p.Stop())
}

func TestExecProvider_StopReleasesProcess(t *testing.T) {
	cfg := DefaultProviderConfig()
	cfg.FFmpegPath = requireShell(t)
	cfg.StopTimeout = time.Second
	p := NewSoftwareProvider(cfg, logger.NewNoop())
	p.argv = func(CaptureConfig) []string { return []string{"-c", "exec sleep 30"} }

	sink := &sinkRecorder{}
	require.NoError(t, p.Start(testCaptureConfig(), sink))

	start := time.Now()
	require.NoError(t, p.Stop())
	assert.Less(t, time.Since(start), 2*time.Second)
	require.NoError(t, p.Stop())

	_, errs := sink.snapshot()
	assert.Empty(t, errs, "requested stop is not a failure")
}

func TestReaderProvider(t *testing.T) {
	payload := annexB(testSPS, testPPS, idr(1), slice(2))
	open := func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(payload)), nil }

	t.Run("once", func(t *testing.T) {
		p := NewReaderProvider("test", open, 5, false)
		sink := &sinkRecorder{}
		require.NoError(t, p.Start(CaptureConfig{Width: 2, Height: 2, FPS: 30, BitrateKbps: 1 << 20}, sink))
		require.Eventually(t, func() bool {
			_, errs := sink.snapshot()
			return len(errs) == 1
		}, time.Second, 5*time.Millisecond)
		data, errs := sink.snapshot()
		assert.Equal(t, payload, data)
		assert.ErrorIs(t, errs[0], ErrProviderExited)
		require.NoError(t, p.Stop())
	})

	t.Run("loop", func(t *testing.T) {
		p := NewReaderProvider("test", open, 64, true)
		sink := &sinkRecorder{}
		require.NoError(t, p.Start(CaptureConfig{Width: 2, Height: 2, FPS: 30, BitrateKbps: 1 << 20}, sink))
		require.Eventually(t, func() bool {
			data, _ := sink.snapshot()
			return len(data) >= 3*len(payload)
		}, time.Second, 5*time.Millisecond)
		require.NoError(t, p.Stop())
		require.NoError(t, p.Stop())
		_, errs := sink.snapshot()
		assert.Empty(t, errs)
	})
}

func TestFileProviderThroughPipeline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.h264")
	require.NoError(t, os.WriteFile(path, append(annexB(testSPS, testPPS, idr(1), slice(2), slice(3)), boundary...), 0o644))

	prov, err := NewProvider(&ProviderConfig{Type: ProviderFile, File: path, ChunkSize: 3}, logger.NewNoop())
	require.NoError(t, err)
	p := NewPipeline(prov, WithPipelineLogger(logger.NewNoop()))
	rec := &frameRecorder{}
	p.OnFrame(rec.add)

	require.NoError(t, p.StartCapture(CaptureConfig{Width: 2, Height: 2, FPS: 30, BitrateKbps: 1 << 20}))
	require.Eventually(t, func() bool { return rec.len() >= 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.StopCapture())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.True(t, rec.frames[0].Keyframe)
	assert.Zero(t, p.Stats().UnitsDropped)
}

func TestNewProvider(t *testing.T) {
	l := logger.NewNoop()

	p, err := NewProvider(&ProviderConfig{Type: "software"}, l)
	require.NoError(t, err)
	assert.False(t, p.Hardware())

	p, err = NewProvider(&ProviderConfig{Type: "hardware", HardwareEncoder: "h264_qsv"}, l)
	require.NoError(t, err)
	assert.Equal(t, "hardware:h264_qsv", p.Name())

	p, err = NewProvider(&ProviderConfig{Type: "auto"}, l)
	require.NoError(t, err)
	assert.Equal(t, ProviderAuto, p.Name())

	_, err = NewProvider(&ProviderConfig{Type: "file"}, l)
	assert.ErrorIs(t, err, ErrInvalidCaptureConfig)

	_, err = NewProvider(&ProviderConfig{Type: "quantum"}, l)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestAutoProvider_FallsBackToSoftware(t *testing.T) {
	hw := &fakeProvider{startErr: ErrProviderExited}
	sw := &fakeProvider{}
	p := &autoProvider{hw: hw, sw: sw, logger: logger.NewNoop()}

	cfg := testCaptureConfig()
	cfg.PreferHardware = true
	require.NoError(t, p.Start(cfg, &sinkRecorder{}))
	assert.Equal(t, "fake", p.Name())
	assert.Equal(t, 1, sw.starts)

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
	assert.Equal(t, 1, sw.stops)
}
