// Package catalog 从 Rekordbox 导出的 collection XML 中读取曲目，并筛选出需要转换的曲目。
//
// 只依赖 COLLECTION 下 TRACK 的少数属性；不做回写。
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/John-Robertt/DJAC/internal/domain"
	"github.com/John-Robertt/DJAC/internal/infra/fsx"
	"github.com/John-Robertt/DJAC/internal/policy"
)

// LoadRekordboxXML 读取 Rekordbox 的 collection 导出文件。
func LoadRekordboxXML(path string) ([]domain.Track, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseRekordboxXML(f)
}

// TRACK 下的自闭合子元素（TEMPO / POSITION_MARK）。HTML 解析器不认自闭合语法，
// 保留它们会让后续节点逐层嵌套。
var selfClosingChild = regexp.MustCompile(`(?is)<(tempo|position_mark)\b[^>]*/>`)

// ParseRekordboxXML 解析 collection XML。
//
// 解析走 HTML 解析器：属性名会被转成小写，TRACK 是空元素（子节点变为兄弟节点），
// 这两点都不影响 "collection track" 选择器。PLAYLISTS 下的 TRACK 只有 Key，不会被选中。
func ParseRekordboxXML(r io.Reader) ([]domain.Track, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	raw = selfClosingChild.ReplaceAll(raw, nil)

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	if doc.Find("dj_playlists").Length() == 0 {
		return nil, errors.New("不是 Rekordbox collection XML（缺少 DJ_PLAYLISTS）")
	}

	seen := map[string]struct{}{}
	tracks := make([]domain.Track, 0, 256)
	var perr error
	doc.Find("collection track").EachWithBreak(func(i int, s *goquery.Selection) bool {
		id := attr(s, "trackid")
		if id != "" {
			if _, ok := seen[id]; ok {
				return true
			}
			seen[id] = struct{}{}
		}

		loc := attr(s, "location")
		if loc == "" {
			return true
		}
		p, err := LocationToPath(loc)
		if err != nil {
			perr = fmt.Errorf("track %s：%w", id, err)
			return false
		}

		tracks = append(tracks, domain.Track{
			ID:         id,
			Location:   p,
			Kind:       attr(s, "kind"),
			SampleRate: atoi(attr(s, "samplerate")),
			BitRate:    atoi(attr(s, "bitrate")),
			Name:       attr(s, "name"),
			Artist:     attr(s, "artist"),
		})
		return true
	})
	if perr != nil {
		return nil, perr
	}
	return tracks, nil
}

// LocationToPath 把 "file://localhost/Users/x/My%20Song.wav" 转成本地路径。
// Windows 的 "file://localhost/C:/x.wav" 得到 "C:/x.wav"。
func LocationToPath(loc string) (string, error) {
	u, err := url.Parse(loc)
	if err != nil {
		return "", err
	}
	if u.Scheme != "" && u.Scheme != "file" {
		return "", fmt.Errorf("不支持的 Location：%q", loc)
	}
	p := u.Path
	if p == "" {
		return "", fmt.Errorf("Location 缺少路径：%q", loc)
	}
	if len(p) >= 3 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	return p, nil
}

// BitDepthFromBitRate 由曲库声明的码率（kbps）与采样率推算位深（按双声道）。
func BitDepthFromBitRate(kbps, sampleRate int) int {
	if sampleRate <= 0 || kbps <= 0 {
		return 0
	}
	return int(math.Round(1000 * float64(kbps) / float64(sampleRate*2)))
}

// IsPCM 表示曲目是 WAV/AIFF。
func IsPCM(t domain.Track) bool {
	k := strings.ToLower(t.Kind)
	return strings.Contains(k, "wav") || strings.Contains(k, "aif")
}

// IsFLAC 表示曲目是 FLAC。
func IsFLAC(t domain.Track) bool {
	return strings.HasPrefix(strings.ToLower(t.Kind), "flac")
}

// Unplayable 返回采样率或（推算）位深不被播放器接受的 WAV/AIFF 曲目。
func Unplayable(tracks []domain.Track) []domain.Track {
	out := make([]domain.Track, 0)
	for _, t := range tracks {
		if !IsPCM(t) {
			continue
		}
		if !policy.IsAcceptable(t.SampleRate, BitDepthFromBitRate(t.BitRate, t.SampleRate)) {
			out = append(out, t)
		}
	}
	return out
}

// PCM 返回所有 WAV/AIFF 曲目。
func PCM(tracks []domain.Track) []domain.Track {
	out := make([]domain.Track, 0)
	for _, t := range tracks {
		if IsPCM(t) {
			out = append(out, t)
		}
	}
	return out
}

// FLACs 返回所有 FLAC 曲目。
func FLACs(tracks []domain.Track) []domain.Track {
	out := make([]domain.Track, 0)
	for _, t := range tracks {
		if IsFLAC(t) {
			out = append(out, t)
		}
	}
	return out
}

// WriteM3U 把 paths 写成 m3u 播放列表（每行一个绝对路径），原子替换 dst。
func WriteM3U(paths []string, dst string) error {
	var b strings.Builder
	for _, p := range paths {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	return fsx.WriteFileAtomicReplace(filepath.Dir(dst), filepath.Base(dst), []byte(b.String()))
}

func attr(s *goquery.Selection, name string) string {
	v, _ := s.Attr(name)
	return strings.TrimSpace(v)
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
