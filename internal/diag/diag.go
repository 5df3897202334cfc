// Package diag 是编码器输出的诊断旁路：只追加、只供人排查，不参与成功/失败判定。
package diag

import (
	"sync"

	"github.com/John-Robertt/DJAC/internal/infra/fsx"
)

// Sink 接收一段诊断输出。实现必须在每次调用内完成资源的获取与释放。
type Sink interface {
	Append(b []byte) error
}

// FileSink 以 open-append-close 的方式写入 Path。
type FileSink struct {
	Path string
}

func (s FileSink) Append(b []byte) error {
	if s.Path == "" {
		return nil
	}
	return fsx.AppendFile(s.Path, b)
}

// Discard 丢弃所有输出。
var Discard Sink = discard{}

type discard struct{}

func (discard) Append([]byte) error { return nil }

// Memory 把输出保存在内存中（测试与 dry-run 用）。
type Memory struct {
	mu  sync.Mutex
	buf []byte
}

func (m *Memory) Append(b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf = append(m.buf, b...)
	return nil
}

func (m *Memory) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.buf)
}
