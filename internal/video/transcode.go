package video

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Transcoder pipes raw frame streams through ffmpeg.
type Transcoder struct {
	FFmpeg  string
	FFprobe string
	Codec   string
	// KeepRaw leaves the raw stream in place after a successful transcode.
	KeepRaw bool
	Logger  *log.Logger
}

func (t Transcoder) ffmpeg() string {
	if t.FFmpeg == "" {
		return "ffmpeg"
	}
	return t.FFmpeg
}

func (t Transcoder) ffprobe() string {
	if t.FFprobe == "" {
		return "ffprobe"
	}
	return t.FFprobe
}

func (t Transcoder) logf(format string, args ...any) {
	if t.Logger != nil {
		t.Logger.Printf(format, args...)
	}
}

// RawStreams lists the raw frame streams of a dataset directory, sorted.
func RawStreams(dir string) ([]string, error) {
	out, err := filepath.Glob(filepath.Join(dir, "_*"+RawExt))
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// TranscodeDir transcodes every raw stream in dir. A stream that fails keeps
// its raw file; the remaining streams are still attempted.
func (t Transcoder) TranscodeDir(ctx context.Context, dir string) ([]string, error) {
	t.logf("compressing dataset %s", dir)
	raws, err := RawStreams(dir)
	if err != nil {
		return nil, err
	}
	var done []string
	var errs []error
	for _, raw := range raws {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		out, err := t.TranscodeFile(ctx, raw)
		if err != nil {
			t.logf("transcode %s: %v", raw, err)
			errs = append(errs, err)
			continue
		}
		done = append(done, out)
	}
	return done, errors.Join(errs...)
}

// TranscodeFile encodes one raw stream to its final name and removes the raw
// file on success unless KeepRaw is set.
func (t Transcoder) TranscodeFile(ctx context.Context, raw string) (string, error) {
	r, err := OpenReader(raw)
	if err != nil {
		return "", err
	}
	out, err := t.encode(ctx, r, raw)
	_ = r.Close()
	if err != nil {
		return "", err
	}
	if !t.KeepRaw {
		if err := os.Remove(raw); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (t Transcoder) encode(ctx context.Context, r *Reader, raw string) (string, error) {
	out := FinalName(raw)
	t.logf("compressing %s", raw)
	codec := t.Codec
	if codec == "" {
		codec = "h264"
	}
	cmd := exec.CommandContext(ctx, t.ffmpeg(),
		"-y",
		"-loglevel", "error",
		"-f", "rawvideo",
		"-pixel_format", "bgr24",
		"-video_size", fmt.Sprintf("%dx%d", r.Width, r.Height),
		"-framerate", strconv.Itoa(r.FPS),
		"-i", "-",
		"-codec", codec,
		out,
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", err
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", t.ffmpeg(), err)
	}
	_, copyErr := io.Copy(stdin, r.r)
	closeErr := stdin.Close()
	waitErr := cmd.Wait()
	switch {
	case waitErr != nil:
		return "", fmt.Errorf("%s: %w: %s", t.ffmpeg(), waitErr, strings.TrimSpace(stderr.String()))
	case copyErr != nil:
		return "", fmt.Errorf("pipe frames: %w", copyErr)
	case closeErr != nil:
		return "", closeErr
	}
	return out, nil
}

// Frames is a sequential source of BGR frames.
type Frames interface {
	Info() Header
	Next() ([]byte, error)
	Close() error
}

func (r *Reader) Info() Header { return r.Header }

// OpenFrames opens a raw stream directly and any other file through ffmpeg.
func (t Transcoder) OpenFrames(ctx context.Context, path string) (Frames, error) {
	if strings.HasSuffix(path, RawExt) {
		return OpenReader(path)
	}
	h, err := t.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, t.ffmpeg(),
		"-loglevel", "error",
		"-i", path,
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", t.ffmpeg(), err)
	}
	return &decoded{h: h, cmd: cmd, cancel: cancel, r: bufio.NewReaderSize(stdout, 1024*1024)}, nil
}

// Probe reads the resolution and frame rate of an encoded video.
func (t Transcoder) Probe(ctx context.Context, path string) (Header, error) {
	out, err := exec.CommandContext(ctx, t.ffprobe(),
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate",
		"-of", "csv=p=0",
		path,
	).Output()
	if err != nil {
		return Header{}, fmt.Errorf("probe %s: %w", path, err)
	}
	return parseProbe(string(out))
}

func parseProbe(s string) (Header, error) {
	fields := strings.Split(strings.TrimSpace(s), ",")
	if len(fields) != 3 {
		return Header{}, fmt.Errorf("unexpected probe output %q", s)
	}
	w, err1 := strconv.Atoi(fields[0])
	h, err2 := strconv.Atoi(fields[1])
	if err := errors.Join(err1, err2); err != nil {
		return Header{}, fmt.Errorf("probe size: %w", err)
	}
	num, den, ok := strings.Cut(fields[2], "/")
	n, err := strconv.Atoi(num)
	if err != nil {
		return Header{}, fmt.Errorf("probe rate: %w", err)
	}
	fps := n
	if ok {
		if d, err := strconv.Atoi(den); err == nil && d > 0 {
			fps = (n + d/2) / d
		}
	}
	return Header{Size: Size{Width: w, Height: h}, FPS: fps}, nil
}

type decoded struct {
	h      Header
	cmd    *exec.Cmd
	cancel context.CancelFunc
	r      *bufio.Reader
}

func (d *decoded) Info() Header { return d.h }

func (d *decoded) Next() ([]byte, error) {
	buf := make([]byte, d.h.FrameBytes())
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *decoded) Close() error {
	d.cancel()
	_ = d.cmd.Wait()
	return nil
}
