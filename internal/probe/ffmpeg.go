package probe

import (
	"context"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/John-Robertt/DJAC/internal/domain"
)

// FFmpegProber 通过 `ffmpeg -i` 的 stderr 读取流信息（不写任何输出文件）。
type FFmpegProber struct {
	Bin string
}

// 通过可替换的函数指针，让测试无需安装 ffmpeg。
var runFFmpeg = func(ctx context.Context, bin string, args ...string) string {
	// ffmpeg 在没有输出文件时总是以非 0 退出；这里只关心它打印的流信息。
	out, _ := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	return string(out)
}

func (p FFmpegProber) Probe(ctx context.Context, path string) domain.AudioInfo {
	bin := p.Bin
	if strings.TrimSpace(bin) == "" {
		bin = "ffmpeg"
	}
	out := runFFmpeg(ctx, bin, "-hide_banner", "-i", path, "-vn")
	sr, bd := ParseStreamInfo(out)
	if sr <= 0 || bd <= 0 {
		return unknown(path)
	}
	return domain.AudioInfo{Path: path, SampleRate: sr, BitDepth: bd}
}

var (
	hzRE      = regexp.MustCompile(`^(\d+)\s*Hz$`)
	sampleRE  = regexp.MustCompile(`\bs(16|24|32)p?\b`)
	bitHintRE = regexp.MustCompile(`\((\d+) bit\)`)
)

// ParseStreamInfo 从 ffmpeg 的输出中解析第一条音频流的采样率与位深。
//
// 例：`Stream #0:0: Audio: flac, 96000 Hz, stereo, s32 (24 bit)` => (96000, 24)。
// 样本格式 s32 附带 "(24 bit)" 时以括号内的有效位数为准。
func ParseStreamInfo(out string) (sampleRate, bitDepth int) {
	for _, line := range strings.Split(out, "\n") {
		idx := strings.Index(line, "Audio:")
		if idx < 0 {
			continue
		}
		for _, word := range strings.Split(line[idx+len("Audio:"):], ",") {
			word = strings.TrimSpace(word)
			if m := hzRE.FindStringSubmatch(word); m != nil {
				sampleRate, _ = strconv.Atoi(m[1])
				continue
			}
			if m := sampleRE.FindStringSubmatch(word); m != nil {
				bitDepth, _ = strconv.Atoi(m[1])
				if h := bitHintRE.FindStringSubmatch(word); h != nil {
					if n, err := strconv.Atoi(h[1]); err == nil && n > 0 {
						bitDepth = n
					}
				}
			}
		}
		if sampleRate > 0 {
			return sampleRate, bitDepth
		}
	}
	return sampleRate, bitDepth
}
