package probe

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/go-audio/aiff"
	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"

	"github.com/John-Robertt/DJAC/internal/domain"
)

// HeaderProber 只读文件头：按魔数识别 WAV/AIFF/FLAC，不依赖扩展名，也不启动外部进程。
type HeaderProber struct{}

func (HeaderProber) Probe(ctx context.Context, path string) domain.AudioInfo {
	f, err := os.Open(path)
	if err != nil {
		return unknown(path)
	}
	defer f.Close()

	magic := make([]byte, 12)
	if _, err := io.ReadFull(f, magic); err != nil {
		return unknown(path)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return unknown(path)
	}

	var sr, bd int
	switch sniff(magic) {
	case "wav":
		sr, bd = probeWAV(f)
	case "aiff":
		sr, bd = probeAIFF(f)
	case "flac":
		sr, bd = probeFLAC(f)
	}
	if sr <= 0 || bd <= 0 {
		return unknown(path)
	}
	return domain.AudioInfo{Path: path, SampleRate: sr, BitDepth: bd}
}

func sniff(magic []byte) string {
	switch {
	case bytes.Equal(magic[0:4], []byte("RIFF")) && bytes.Equal(magic[8:12], []byte("WAVE")):
		return "wav"
	case bytes.Equal(magic[0:4], []byte("FORM")) &&
		(bytes.Equal(magic[8:12], []byte("AIFF")) || bytes.Equal(magic[8:12], []byte("AIFC"))):
		return "aiff"
	case bytes.Equal(magic[0:4], []byte("fLaC")):
		return "flac"
	default:
		return ""
	}
}

func probeWAV(r io.ReadSeeker) (int, int) {
	d := wav.NewDecoder(r)
	d.ReadInfo()
	if d.Err() != nil {
		return 0, 0
	}
	return int(d.SampleRate), int(d.BitDepth)
}

func probeAIFF(r io.ReadSeeker) (int, int) {
	d := aiff.NewDecoder(r)
	d.ReadInfo()
	if d.Err() != nil {
		return 0, 0
	}
	return d.SampleRate, int(d.BitDepth)
}

func probeFLAC(r io.Reader) (int, int) {
	// flac.New 只解析签名与 STREAMINFO，不解码音频帧。
	s, err := flac.New(r)
	if err != nil || s.Info == nil {
		return 0, 0
	}
	return int(s.Info.SampleRate), int(s.Info.BitsPerSample)
}
