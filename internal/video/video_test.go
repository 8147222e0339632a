package video

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestFileSink_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), RawName("traffic-000"))
	size := Size{Width: 4, Height: 2}
	s, err := FileOpener{}.Open(path, 10, size)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 3; i++ {
		frame := make([]byte, size.FrameBytes())
		frame[0] = byte(i)
		if err := s.Write(frame); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := s.Write([]byte{1, 2, 3}); !errors.Is(err, ErrBadFrame) {
		t.Fatalf("short frame err=%v want ErrBadFrame", err)
	}
	if err := s.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if err := s.Write(make([]byte, size.FrameBytes())); !errors.Is(err, ErrReleased) {
		t.Fatalf("write after release err=%v want ErrReleased", err)
	}

	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer r.Close()
	if r.Info().Size != size || r.FPS != 10 {
		t.Fatalf("header=%+v", r.Header)
	}
	for i := 0; i < 3; i++ {
		f, err := r.Next()
		if err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
		if f[0] != byte(i) {
			t.Fatalf("frame %d marker=%d", i, f[0])
		}
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("err=%v want EOF", err)
	}
}

func TestOpenReader_RejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.frames.zst")
	if err := os.WriteFile(path, []byte("not a stream at all"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := OpenReader(path); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNames(t *testing.T) {
	if got := RawName("semantic-panoramic-001-002"); got != "_semantic-panoramic-001-002.frames.zst" {
		t.Fatalf("raw name=%q", got)
	}
	if got := FinalName("/data/run/_traffic-003.frames.zst"); got != "/data/run/traffic-003.mp4" {
		t.Fatalf("final name=%q", got)
	}
}

func TestParseProbe(t *testing.T) {
	h, err := parseProbe("960,540,30000/1001\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if h.Width != 960 || h.Height != 540 || h.FPS != 30 {
		t.Fatalf("header=%+v", h)
	}
	if _, err := parseProbe("garbage"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestTranscodeDir_PipesFramesAndRemovesRaw(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in for ffmpeg")
	}
	dir := t.TempDir()
	// Stand-in encoder: copies stdin to the last argument.
	fake := filepath.Join(dir, "fake-ffmpeg")
	script := "#!/bin/sh\nfor a; do out=$a; done\ncat > \"$out\"\n"
	if err := os.WriteFile(fake, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake: %v", err)
	}

	size := Size{Width: 2, Height: 2}
	raw := filepath.Join(dir, RawName("traffic-000"))
	s, err := FileOpener{}.Open(raw, 30, size)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := s.Write(make([]byte, size.FrameBytes())); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	_ = s.Release()

	out, err := Transcoder{FFmpeg: fake}.TranscodeDir(context.Background(), dir)
	if err != nil {
		t.Fatalf("transcode: %v", err)
	}
	if len(out) != 1 || out[0] != filepath.Join(dir, "traffic-000.mp4") {
		t.Fatalf("outputs=%v", out)
	}
	st, err := os.Stat(out[0])
	if err != nil {
		t.Fatalf("stat output: %v", err)
	}
	if st.Size() != int64(5*size.FrameBytes()) {
		t.Fatalf("piped bytes=%d want %d", st.Size(), 5*size.FrameBytes())
	}
	if _, err := os.Stat(raw); !os.IsNotExist(err) {
		t.Fatalf("raw stream should be removed, stat err=%v", err)
	}
}

func TestTranscodeDir_FailureKeepsRaw(t *testing.T) {
	dir := t.TempDir()
	raw := filepath.Join(dir, RawName("traffic-001"))
	s, err := FileOpener{}.Open(raw, 30, Size{Width: 1, Height: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.Release()

	_, err = Transcoder{FFmpeg: filepath.Join(dir, "missing-ffmpeg")}.TranscodeDir(context.Background(), dir)
	if err == nil {
		t.Fatalf("expected error from missing encoder")
	}
	if _, err := os.Stat(raw); err != nil {
		t.Fatalf("raw stream should survive a failed transcode: %v", err)
	}
}

func TestMemorySink_ToleratesLateWrites(t *testing.T) {
	o := NewMemoryOpener()
	s, _ := o.Open("a", 10, Size{Width: 1, Height: 1})
	_ = s.Write([]byte{1, 2, 3})
	_ = s.Release()
	if err := s.Write([]byte{1, 2, 3}); !errors.Is(err, ErrReleased) {
		t.Fatalf("err=%v want ErrReleased", err)
	}
	ms := o.Sink("a")
	if len(ms.Frames()) != 1 || ms.LateWrites() != 1 || ms.Releases() != 1 {
		t.Fatalf("frames=%d late=%d releases=%d", len(ms.Frames()), ms.LateWrites(), ms.Releases())
	}
}
