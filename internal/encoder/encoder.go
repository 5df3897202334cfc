// Package encoder 调用外部编码器（ffmpeg）完成实际转码。
//
// 约束：
// - 只有编码器非 0 退出（或超时被终止）才算转码失败；输出内容只做诊断，不解析
// - 合并后的 stdout+stderr 追加写入诊断日志（旁路，不影响成功/失败判定）
package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/John-Robertt/DJAC/internal/diag"
	"github.com/John-Robertt/DJAC/internal/domain"
)

// DefaultTimeout 是单次编码的默认上限。卡死的编码器视为失败并回滚。
const DefaultTimeout = 30 * time.Minute

// Request 描述一次编码。
type Request struct {
	Input      string
	Output     string
	Codec      domain.Codec
	SampleRate int // 仅 CodecPCM16
}

// Encoder 执行一次阻塞的编码调用。
// 返回值 output 是编码器的合并输出（无论成功与否）。
type Encoder interface {
	Encode(ctx context.Context, req Request) (output string, err error)
}

// Func 把普通函数适配为 Encoder。
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Encode(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

// ExitError 表示编码器以非 0 退出。
type ExitError struct {
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("编码器退出码 %d", e.Code)
}

// TimeoutError 表示编码器超过时限被终止。
type TimeoutError struct {
	After  time.Duration
	Output string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("编码器超过 %s 未完成，已终止", e.After)
}

// StartError 表示编码器进程无法启动（例如 ffmpeg 不在 PATH）。
type StartError struct {
	Bin string
	Err error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("无法启动编码器 %q：%v", e.Bin, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// Output 从编码错误中取出编码器的输出（没有则为空串）。
func Output(err error) string {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Output
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return te.Output
	}
	return ""
}

// FFmpeg 通过 ffmpeg 命令行编码。
type FFmpeg struct {
	Bin     string
	Timeout time.Duration // <=0 表示不设上限
	Diag    diag.Sink
}

func (f FFmpeg) bin() string {
	if strings.TrimSpace(f.Bin) == "" {
		return "ffmpeg"
	}
	return f.Bin
}

func (f FFmpeg) Encode(ctx context.Context, req Request) (string, error) {
	args, err := Args(req)
	if err != nil {
		return "", err
	}

	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, f.bin(), args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	// 进程被杀后最多再等 5s 回收输出管道，避免子进程遗留的管道让 Wait 卡住。
	cmd.WaitDelay = 5 * time.Second

	runErr := cmd.Run()
	out := buf.String()
	f.record(out)

	if runErr == nil {
		return out, nil
	}
	if f.Timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out, &TimeoutError{After: f.Timeout, Output: out}
	}
	var xe *exec.ExitError
	if errors.As(runErr, &xe) {
		return out, &ExitError{Code: xe.ExitCode(), Output: out}
	}
	return out, &StartError{Bin: f.bin(), Err: runErr}
}

func (f FFmpeg) record(out string) {
	if f.Diag == nil {
		return
	}
	// 诊断日志是旁路：写失败不改变编码结果。
	_ = f.Diag.Append([]byte(out + "\n\n"))
}

// Args 生成 ffmpeg 参数表：覆盖输出、写入标签；PCM16 额外指定目标采样率与 s16 样本格式。
func Args(req Request) ([]string, error) {
	if strings.TrimSpace(req.Input) == "" || strings.TrimSpace(req.Output) == "" {
		return nil, errors.New("input/output 不能为空")
	}

	args := []string{"-y", "-hide_banner", "-i", req.Input}
	switch req.Codec {
	case domain.CodecPCM16, "":
		if req.SampleRate <= 0 {
			return nil, fmt.Errorf("非法目标采样率：%d", req.SampleRate)
		}
		args = append(args, "-ar", strconv.Itoa(req.SampleRate), "-sample_fmt", "s16")
	case domain.CodecMP3V0:
		args = append(args, "-q:a", "0")
	default:
		return nil, fmt.Errorf("未知编码：%q", req.Codec)
	}
	args = append(args, "-write_id3v2", "1", req.Output)
	return args, nil
}
