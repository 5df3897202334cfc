// Package audiotest 生成测试用的 PCM 音频文件（WAV/AIFF），只在测试中使用。
package audiotest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/aiff"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const frames = 256

// WriteWAV 在 path 写出一个单声道、全零样本的 PCM WAV。
func WriteWAV(t testing.TB, path string, sampleRate, bitDepth int) {
	t.Helper()
	f := create(t, path)
	enc := wav.NewEncoder(f, sampleRate, bitDepth, 1, 1)
	if err := enc.Write(buffer(sampleRate, bitDepth)); err != nil {
		t.Fatalf("写入 wav 样本失败：%v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("关闭 wav encoder 失败：%v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("关闭文件失败：%v", err)
	}
}

// WriteAIFF 在 path 写出一个单声道、全零样本的 PCM AIFF。
func WriteAIFF(t testing.TB, path string, sampleRate, bitDepth int) {
	t.Helper()
	f := create(t, path)
	enc := aiff.NewEncoder(f, sampleRate, bitDepth, 1)
	if err := enc.Write(buffer(sampleRate, bitDepth)); err != nil {
		t.Fatalf("写入 aiff 样本失败：%v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("关闭 aiff encoder 失败：%v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("关闭文件失败：%v", err)
	}
}

// Touch 写出任意内容的文件（非音频）。
func Touch(t testing.TB, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入文件失败：%v", err)
	}
}

func create(t testing.TB, path string) *os.File {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("创建文件失败：%v", err)
	}
	return f
}

func buffer(sampleRate, bitDepth int) *audio.IntBuffer {
	return &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           make([]int, frames),
		SourceBitDepth: bitDepth,
	}
}
