package probe

import (
	"os"
	"strings"

	"github.com/dhowden/tag"
	"github.com/hajimehoshi/go-mp3"
)

// Describe 返回 "Artist - Title" 形式的描述，用于日志行；读不到标签返回空串。
func Describe(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		return ""
	}
	artist := strings.TrimSpace(m.Artist())
	title := strings.TrimSpace(m.Title())
	switch {
	case artist != "" && title != "":
		return artist + " - " + title
	case title != "":
		return title
	default:
		return artist
	}
}

// MP3SampleRate 解码 MP3 首帧并返回采样率，用于校验 V0 导出结果确实是可解码的 MP3。
func MP3SampleRate(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	d, err := mp3.NewDecoder(f)
	if err != nil {
		return 0, err
	}
	return d.SampleRate(), nil
}
