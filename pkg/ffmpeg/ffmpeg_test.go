package ffmpeg

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandBuild(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		output   string
		opts     []Option
		wantArgs []string
	}{
		{
			name:   "no options",
			input:  "input.mp4",
			output: "out.jpg",
			wantArgs: []string{
				"-hide_banner", "-nostdin", "-y",
				"-i", "input.mp4",
				"out.jpg",
			},
		},
		{
			name:   "seek goes before input",
			input:  "input.mp4",
			output: "out.jpg",
			opts:   []Option{Frames(1), Seek(10 * time.Second)},
			wantArgs: []string{
				"-hide_banner", "-nostdin", "-y",
				"-ss", "10.000",
				"-i", "input.mp4",
				"-frames:v", "1",
				"out.jpg",
			},
		},
		{
			name:   "filters are joined",
			input:  "input.mp4",
			output: "out.jpg",
			opts:   []Option{ScaleWidth(320), Filter("format=yuvj420p")},
			wantArgs: []string{
				"-hide_banner", "-nostdin", "-y",
				"-i", "input.mp4",
				"-vf", "scale=320:-2,format=yuvj420p",
				"out.jpg",
			},
		},
		{
			name:   "log level leads pre-input args",
			input:  "input.mp4",
			output: "out.jpg",
			opts:   []Option{Seek(time.Second), LogLevel("error"), ExtraArgs("-update", "1")},
			wantArgs: []string{
				"-hide_banner", "-nostdin", "-y",
				"-loglevel", "error",
				"-ss", "1.000",
				"-i", "input.mp4",
				"-update", "1",
				"out.jpg",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := NewCommand(tt.input, tt.output, tt.opts...)
			assert.Equal(t, tt.wantArgs, cmd.Build())
		})
	}
}

func TestScaleFilter(t *testing.T) {
	tests := []struct {
		filter ScaleFilter
		want   string
	}{
		{ScaleFilter{Width: 640, Height: -2}, "scale=640:-2"},
		{ScaleFilter{Width: -2, Height: 720}, "scale=-2:720"},
		{ScaleFilter{Width: 160, Height: -2, NoUpscale: true}, "scale='min(iw,160)':-2"},
		{ScaleFilter{Width: -1, Height: 90, NoUpscale: true}, "scale=-1:90"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.String())
		})
	}
}

func TestFrameArgs(t *testing.T) {
	cmd := NewCommand("in.mp4", "out.jpg", FrameArgs(FrameOptions{Offset: 5 * time.Second, MaxWidth: 320})...)
	assert.Equal(t, []string{
		"-hide_banner", "-nostdin", "-y",
		"-loglevel", "error",
		"-ss", "5.000",
		"-i", "in.mp4",
		"-an", "-frames:v", "1", "-q:v", "4",
		"-vf", "scale='min(iw,320)':-2",
		"out.jpg",
	}, cmd.Build())

	// Zero offset and width fall back to defaults without a seek.
	cmd = NewCommand("in.mp4", "out.jpg", FrameArgs(FrameOptions{})...)
	assert.NotContains(t, cmd.Build(), "-ss")
	assert.Contains(t, cmd.Build(), "scale='min(iw,640)':-2")
}

func TestFrameOffset(t *testing.T) {
	tests := []struct {
		duration time.Duration
		want     time.Duration
	}{
		{0, 0},
		{-time.Second, 0},
		{3 * time.Second, 1500 * time.Millisecond},
		{10 * time.Second, 5 * time.Second},
		{time.Hour, DefaultFrameOffset},
		{1001 * time.Microsecond, 0},
	}

	for _, tt := range tests {
		t.Run(tt.duration.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, FrameOffset(tt.duration))
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0.000"},
		{time.Second, "1.000"},
		{1500 * time.Millisecond, "1.500"},
		{90 * time.Second, "90.000"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, formatDuration(tt.d))
		})
	}
}

func TestParseProbe(t *testing.T) {
	raw := []byte(`{
		"format": {"format_name": "mov,mp4,m4a", "duration": "12.480000", "size": "1048576"},
		"streams": [
			{"codec_type": "audio", "codec_name": "aac"},
			{"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080, "r_frame_rate": "30000/1001"},
			{"codec_type": "video", "codec_name": "mjpeg", "width": 320, "height": 180, "r_frame_rate": "0/0"}
		]
	}`)

	got, err := parseProbe(raw)
	require.NoError(t, err)
	assert.Equal(t, 1920, got.Width)
	assert.Equal(t, 1080, got.Height)
	assert.Equal(t, "h264", got.VideoCodec)
	assert.Equal(t, 2, got.VideoStreams)
	assert.Equal(t, 12480*time.Millisecond, got.Duration)
	assert.Equal(t, int64(1048576), got.Size)
	assert.InDelta(t, 29.97, got.FPS, 0.01)

	_, err = parseProbe([]byte("not json"))
	assert.Error(t, err)
}

func TestErrorMessageKeepsStderrTail(t *testing.T) {
	e := &Error{
		Args:   []string{"-i", "x.mp4", "out.jpg"},
		Stderr: "line1\nline2\nline3\nx.mp4: Invalid data found when processing input\n",
		Err:    errors.New("exit status 1"),
	}
	assert.Equal(t, "ffmpeg: exit status 1: line2\nline3\nx.mp4: Invalid data found when processing input", e.Error())
	assert.Equal(t, "ffmpeg -i x.mp4 out.jpg", e.Command())

	var target *Error
	require.ErrorAs(t, error(e), &target)
	assert.Equal(t, "ffmpeg: boom", (&Error{Err: errors.New("boom")}).Error())
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	b := &tailBuffer{limit: 8}
	n, err := b.Write([]byte("frame=1\n"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	_, _ = b.Write([]byte("frame=22\n"))
	assert.Equal(t, "rame=22\n", b.String())
	assert.Len(t, b.String(), 8)
}

func requireFFmpeg(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	for _, bin := range []string{Binary, ProbeBinary} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not installed", bin)
		}
	}
}

func TestIntegration_ExtractFrame(t *testing.T) {
	requireFFmpeg(t)
	ctx := context.Background()
	dir := t.TempDir()

	input := filepath.Join(dir, "input.mp4")
	res := RunCapture(ctx, "testsrc=duration=3:size=640x360:rate=10", input,
		ExtraArgs("-pix_fmt", "yuv420p"), OptionFunc(func(cmd *Command) {
			cmd.preInput = append(cmd.preInput, "-f", "lavfi")
		}))
	require.NoError(t, res.Err, res.Logs)

	probe, err := Probe(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, 640, probe.Width)

	output := filepath.Join(dir, "frame.jpg")
	res = ExtractFrame(ctx, input, output, FrameOptions{Offset: FrameOffset(probe.Duration), MaxWidth: 160})
	require.NoError(t, res.Err, res.Logs)

	info, err := os.Stat(output)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	frame, err := Probe(ctx, output)
	require.NoError(t, err)
	assert.Equal(t, 160, frame.Width)
}

func TestIntegration_CancelKillsProcess(t *testing.T) {
	requireFFmpeg(t)
	ctx, cancel := context.WithCancel(context.Background())

	proc, err := Start(ctx, []string{"-f", "lavfi", "-i", "testsrc=size=320x240:rate=30", "-f", "null", "-"})
	require.NoError(t, err)
	assert.Positive(t, proc.PID())

	cancel()
	select {
	case <-proc.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit after cancel")
	}
	assert.ErrorIs(t, proc.Wait(), context.Canceled)
}
