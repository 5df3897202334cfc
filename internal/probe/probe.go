// Package probe 读取音频文件的采样率与位深。
//
// 约束：探测永不返回错误。文件缺失/损坏/格式未知都表示为 unknown（字段为 0），
// 由调用方决定跳过还是判失败，单个坏文件不能让批次崩溃。
package probe

import (
	"context"

	"github.com/John-Robertt/DJAC/internal/domain"
)

// Prober 探测 path 当前的格式。
type Prober interface {
	Probe(ctx context.Context, path string) domain.AudioInfo
}

// Func 把普通函数适配为 Prober。
type Func func(ctx context.Context, path string) domain.AudioInfo

func (f Func) Probe(ctx context.Context, path string) domain.AudioInfo { return f(ctx, path) }

// Chain 依次尝试多个 Prober，第一个给出完整结果（Known）的生效。
type Chain []Prober

func (c Chain) Probe(ctx context.Context, path string) domain.AudioInfo {
	for _, p := range c {
		if p == nil {
			continue
		}
		if info := p.Probe(ctx, path); info.Known() {
			return info
		}
	}
	return unknown(path)
}

// Default 先读文件头，失败再退回 ffmpeg。
func Default(ffmpegBin string) Prober {
	return Chain{HeaderProber{}, FFmpegProber{Bin: ffmpegBin}}
}

func unknown(path string) domain.AudioInfo {
	return domain.AudioInfo{Path: path}
}
