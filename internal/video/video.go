// Package video stores recorded camera frames. The recorder writes raw BGR
// frames into zstd-compressed streams; Transcode turns finished streams into
// H.264 files with ffmpeg.
package video

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// RawExt is the suffix of raw frame streams.
const RawExt = ".frames.zst"

var (
	// ErrReleased is returned by Write after the sink was released.
	ErrReleased = errors.New("video sink released")
	ErrBadFrame = errors.New("frame size does not match sink")
	errBadMagic = errors.New("not a raw frame stream")
)

var magic = [4]byte{'V', 'R', 'F', '1'}

// Size is a frame resolution in pixels.
type Size struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// FrameBytes is the length of one BGR frame.
func (s Size) FrameBytes() int { return s.Width * s.Height * 3 }

// Sink receives BGR frames of a fixed size. Release is idempotent and Write
// after Release returns ErrReleased without side effects.
type Sink interface {
	Write(frame []byte) error
	Release() error
}

type Opener interface {
	Open(path string, fps int, size Size) (Sink, error)
}

// Header precedes the compressed frames of a raw stream.
type Header struct {
	Size
	FPS int
}

// FileOpener creates raw frame stream files.
type FileOpener struct{}

func (FileOpener) Open(path string, fps int, size Size) (Sink, error) {
	if size.Width <= 0 || size.Height <= 0 || fps <= 0 {
		return nil, fmt.Errorf("open %s: invalid size %dx%d@%d", path, size.Width, size.Height, fps)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	var hdr [16]byte
	copy(hdr[:4], magic[:])
	binary.LittleEndian.PutUint32(hdr[4:], uint32(size.Width))
	binary.LittleEndian.PutUint32(hdr[8:], uint32(size.Height))
	binary.LittleEndian.PutUint32(hdr[12:], uint32(fps))
	if _, err := f.Write(hdr[:]); err != nil {
		_ = f.Close()
		return nil, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &fileSink{size: size, f: f, enc: enc, w: bufio.NewWriterSize(enc, 1024*1024)}, nil
}

type fileSink struct {
	size Size

	mu       sync.Mutex
	released bool
	f        *os.File
	enc      *zstd.Encoder
	w        *bufio.Writer
}

func (s *fileSink) Write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrReleased
	}
	if len(frame) != s.size.FrameBytes() {
		return fmt.Errorf("%w: got %d bytes want %d", ErrBadFrame, len(frame), s.size.FrameBytes())
	}
	_, err := s.w.Write(frame)
	return err
}

func (s *fileSink) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true
	err := s.w.Flush()
	if cerr := s.enc.Close(); err == nil {
		err = cerr
	}
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Reader yields the frames of a raw stream in order.
type Reader struct {
	Header
	f   *os.File
	dec *zstd.Decoder
	r   *bufio.Reader
}

func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var hdr [16]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, errBadMagic)
	}
	if [4]byte(hdr[:4]) != magic {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, errBadMagic)
	}
	h := Header{
		Size: Size{
			Width:  int(binary.LittleEndian.Uint32(hdr[4:])),
			Height: int(binary.LittleEndian.Uint32(hdr[8:])),
		},
		FPS: int(binary.LittleEndian.Uint32(hdr[12:])),
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Reader{Header: h, f: f, dec: dec, r: bufio.NewReaderSize(dec, 1024*1024)}, nil
}

// Next returns the next frame or io.EOF after the last one.
func (r *Reader) Next() ([]byte, error) {
	buf := make([]byte, r.FrameBytes())
	if _, err := io.ReadFull(r.r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("truncated frame: %w", err)
		}
		return nil, err
	}
	return buf, nil
}

func (r *Reader) Close() error {
	r.dec.Close()
	return r.f.Close()
}

// RawName is the stream file name of one camera artifact, e.g.
// "_traffic-004.frames.zst".
func RawName(artifact string) string { return "_" + artifact + RawExt }

// FinalName maps a raw stream name to its transcoded file name.
func FinalName(raw string) string {
	dir, base := filepath.Split(raw)
	base = strings.TrimPrefix(base, "_")
	base = strings.TrimSuffix(base, RawExt)
	return filepath.Join(dir, base+".mp4")
}
