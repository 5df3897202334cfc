// Package convert 实现单文件的安全转换状态机。
//
// 状态：ORIGINAL -> STAGED -> PROBED -> {ALREADY_OK | ENCODING} -> {COMMITTED | ROLLED_BACK}
//
// 不变量：任意时刻每个文件只属于一个名字（原名或 temp 名），失败路径也一样。
// 探测/编码失败一律转成 Outcome；rename/stat 失败意味着不变量可能已被破坏，
// 以 *InvariantError 返回，不做进一步的自动恢复。
package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/John-Robertt/DJAC/internal/domain"
	"github.com/John-Robertt/DJAC/internal/encoder"
	"github.com/John-Robertt/DJAC/internal/infra/fsx"
	"github.com/John-Robertt/DJAC/internal/policy"
	"github.com/John-Robertt/DJAC/internal/probe"
)

// 通过可替换的函数指针，让测试能模拟 rename 失败（EXDEV/权限）。
var renameFunc = fsx.Rename

// InvariantError 表示文件系统操作意外失败（rename/stat/mkdir），单一归属不变量可能已被破坏。
type InvariantError struct {
	Op   string // "stage" / "restore" / "rollback" / "stat" / "mkdir"
	Path string
	Err  error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("文件系统不变量被破坏（op=%s path=%q）：%v", e.Op, e.Path, e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }

// IsInvariant 判断 err 是否为 *InvariantError。
func IsInvariant(err error) bool {
	var e *InvariantError
	return errors.As(err, &e)
}

// Converter 组合探测器与编码器执行单个 ConversionPlan。
type Converter struct {
	Prober  probe.Prober
	Encoder encoder.Encoder
	Log     *slog.Logger
}

func (c Converter) log() *slog.Logger {
	if c.Log == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.Log
}

// Convert 按 plan.Mode 分派。
func (c Converter) Convert(ctx context.Context, plan domain.ConversionPlan) (domain.Outcome, error) {
	switch plan.Mode {
	case domain.ModeInPlace:
		return c.InPlace(ctx, plan)
	case domain.ModeSideBySide:
		return c.SideBySide(ctx, plan)
	default:
		return domain.Outcome{}, fmt.Errorf("未知转换模式：%q", plan.Mode)
	}
}

// InPlace 把 Source rename 到 Temp，探测 Temp，必要时由编码器读 Temp 写回 Source。
//
// - Temp 已被占用（上次保留的备份）：只读探测 Source，已是目标格式则 Skipped，否则 target_conflict
// - 已是可接受格式：rename 回原名，Skipped（不调用编码器）
// - 探测失败 / 采样率无映射：rename 回原名，Failed
// - 编码成功：Success，Temp 作为备份保留（是否删除由上层决定）
// - 编码失败/超时：Temp rename 回原名（覆盖编码器可能写出的残缺文件），Failed
func (c Converter) InPlace(ctx context.Context, plan domain.ConversionPlan) (domain.Outcome, error) {
	if plan.Source == "" || plan.Temp == "" {
		return domain.Outcome{}, errors.New("in_place 计划缺少 source/temp")
	}
	if plan.Codec != "" && plan.Codec != domain.CodecPCM16 {
		return domain.Outcome{}, fmt.Errorf("in_place 不支持编码 %q", plan.Codec)
	}
	src, tmp := plan.Source, plan.Temp
	lg := c.log().With("src", src, "temp", tmp, "mode", domain.ModeInPlace)

	// ORIGINAL：staging 前先确认两端状态，避免覆盖已有备份/归档。
	ok, err := fsx.Exists(src)
	if err != nil {
		return domain.Outcome{}, &InvariantError{Op: "stat", Path: src, Err: err}
	}
	if !ok {
		return domain.Failed(domain.ErrCodeFileNotFound, "源文件不存在", domain.AudioInfo{Path: src}), nil
	}
	taken, err := fsx.Exists(tmp)
	if err != nil {
		return domain.Outcome{}, &InvariantError{Op: "stat", Path: tmp, Err: err}
	}
	if taken {
		// 上次转换保留的备份还在：源文件若已是目标格式，只读探测即可跳过，不 staging。
		cur := c.Prober.Probe(ctx, src)
		if policy.IsAcceptable(cur.SampleRate, cur.BitDepth) {
			lg.Info("已是目标格式，跳过", "sample_rate", cur.SampleRate, "bit_depth", cur.BitDepth)
			return domain.Skipped(domain.ErrCodeAlreadyAcceptable, "已是 16-bit / 44.1kHz|48kHz", cur), nil
		}
		return domain.Failed(domain.ErrCodeTargetConflict,
			fmt.Sprintf("temp 路径已存在，不会覆盖：%s", tmp), cur), nil
	}

	// STAGED：必须是真正的 rename（同一时刻只存在一个文件）。
	if err := renameFunc(src, tmp); err != nil {
		return domain.Outcome{}, &InvariantError{Op: "stage", Path: src, Err: err}
	}
	lg.Debug("staged")

	restore := func(op string) error {
		if err := renameFunc(tmp, src); err != nil {
			return &InvariantError{Op: op, Path: tmp, Err: err}
		}
		return nil
	}

	// PROBED
	info := c.Prober.Probe(ctx, tmp)
	before := domain.AudioInfo{Path: src, SampleRate: info.SampleRate, BitDepth: info.BitDepth}
	if !info.Known() {
		if err := restore("restore"); err != nil {
			return domain.Outcome{}, err
		}
		lg.Warn("无法确定采样率或位深，已恢复原文件")
		return domain.Failed(domain.ErrCodeProbeUnknown, "无法确定采样率或位深", before), nil
	}

	// ALREADY_OK
	if policy.IsAcceptable(info.SampleRate, info.BitDepth) {
		if err := restore("restore"); err != nil {
			return domain.Outcome{}, err
		}
		lg.Info("已是目标格式，跳过", "sample_rate", info.SampleRate, "bit_depth", info.BitDepth)
		return domain.Skipped(domain.ErrCodeAlreadyAcceptable, "已是 16-bit / 44.1kHz|48kHz", before), nil
	}

	target, err := policy.TargetSampleRate(info.SampleRate)
	if err != nil {
		if rerr := restore("restore"); rerr != nil {
			return domain.Outcome{}, rerr
		}
		lg.Warn("采样率无映射，已恢复原文件", "sample_rate", info.SampleRate)
		return domain.Failed(domain.ErrCodeUnsupportedSampleRate, err.Error(), before), nil
	}

	// ENCODING
	plan.TargetSampleRate = target
	_, encErr := c.Encoder.Encode(ctx, request(plan, tmp))
	if encErr != nil {
		// ROLLED_BACK：rename 覆盖编码器可能留下的残缺输出。
		if err := restore("rollback"); err != nil {
			return domain.Outcome{}, err
		}
		out := failedEncode(encErr, before)
		lg.Error("转换失败，已回滚", "error_code", out.ErrorCode, "sample_rate", info.SampleRate,
			"target_sample_rate", target, "output", out.Diagnostic)
		return out, nil
	}

	// COMMITTED
	after := domain.AudioInfo{Path: src, SampleRate: target, BitDepth: policy.AcceptedBitDepth}
	lg.Info(fmt.Sprintf("已转换：%d bit / %dHz -> 16 bit / %dHz", info.BitDepth, info.SampleRate, target))
	return domain.Success(before, after, tmp), nil
}

// SideBySide 读取 Source，写出新的 Output；Source 永不被修改。
func (c Converter) SideBySide(ctx context.Context, plan domain.ConversionPlan) (domain.Outcome, error) {
	if plan.Source == "" || plan.Output == "" {
		return domain.Outcome{}, errors.New("side_by_side 计划缺少 source/output")
	}
	src, out := plan.Source, plan.Output
	codec := plan.Codec
	if codec == "" {
		codec = domain.CodecPCM16
	}
	lg := c.log().With("src", src, "dst", out, "mode", domain.ModeSideBySide)

	// 不存在就没有必要继续。
	ok, err := fsx.Exists(src)
	if err != nil {
		return domain.Outcome{}, &InvariantError{Op: "stat", Path: src, Err: err}
	}
	if !ok {
		lg.Error("源文件不存在")
		return domain.Failed(domain.ErrCodeFileNotFound, "源文件不存在", domain.AudioInfo{Path: src}), nil
	}
	if sameFile(src, out) {
		return domain.Failed(domain.ErrCodeTargetConflict, "输出路径与源文件相同", domain.AudioInfo{Path: src}), nil
	}
	if err := fsx.EnsureDir(filepath.Dir(out)); err != nil {
		return domain.Outcome{}, &InvariantError{Op: "mkdir", Path: filepath.Dir(out), Err: err}
	}

	before := c.Prober.Probe(ctx, src)
	plan.Codec = codec
	after := domain.AudioInfo{Path: out}

	switch codec {
	case domain.CodecPCM16:
		if !before.Known() {
			lg.Warn("无法确定采样率或位深")
			return domain.Failed(domain.ErrCodeProbeUnknown, "无法确定采样率或位深", before), nil
		}
		target, err := policy.TargetSampleRate(before.SampleRate)
		if err != nil {
			lg.Warn("采样率无映射", "sample_rate", before.SampleRate)
			return domain.Failed(domain.ErrCodeUnsupportedSampleRate, err.Error(), before), nil
		}
		plan.TargetSampleRate = target
		after.SampleRate, after.BitDepth = target, policy.AcceptedBitDepth
	case domain.CodecMP3V0:
		// V0 由编码器决定采样率；探测结果只用于报告。
	default:
		return domain.Outcome{}, fmt.Errorf("未知编码：%q", codec)
	}

	if _, encErr := c.Encoder.Encode(ctx, request(plan, src)); encErr != nil {
		// 残缺输出没有价值；删除失败只记录，不影响结果。
		if err := os.Remove(out); err != nil && !os.IsNotExist(err) {
			lg.Warn("清理残缺输出失败", "err", err)
		}
		res := failedEncode(encErr, before)
		lg.Error("转换失败", "error_code", res.ErrorCode, "output", res.Diagnostic)
		return res, nil
	}

	if codec == domain.CodecMP3V0 {
		if sr, err := probe.MP3SampleRate(out); err != nil {
			lg.Warn("V0 输出无法解码校验", "err", err)
		} else {
			after.SampleRate = sr
		}
	}

	lg.Info(fmt.Sprintf("已转换：%s -> %s", describe(before), describe(after)))
	return domain.Success(before, after, src), nil
}

// request 把探测后补全的计划转成编码请求；input 是编码器读取的文件（原地模式下为 Temp）。
func request(plan domain.ConversionPlan, input string) encoder.Request {
	codec := plan.Codec
	if codec == "" {
		codec = domain.CodecPCM16
	}
	return encoder.Request{
		Input:      input,
		Output:     plan.Dest(),
		Codec:      codec,
		SampleRate: plan.TargetSampleRate,
	}
}

func failedEncode(err error, before domain.AudioInfo) domain.Outcome {
	code := domain.ErrCodeEncoderFailed
	var te *encoder.TimeoutError
	if errors.As(err, &te) {
		code = domain.ErrCodeEncoderTimeout
	}
	diagText := strings.TrimSpace(encoder.Output(err))
	o := domain.Failed(code, err.Error(), before)
	o.Diagnostic = diagText
	return o
}

func describe(a domain.AudioInfo) string {
	sr := "?"
	if a.SampleRate > 0 {
		sr = fmt.Sprintf("%.1fkHz", float64(a.SampleRate)/1000)
	}
	bd := "?"
	if a.BitDepth > 0 {
		bd = fmt.Sprintf("%d bit", a.BitDepth)
	}
	return fmt.Sprintf("%s (%s / %s)", filepath.Base(a.Path), sr, bd)
}

func sameFile(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	if err1 != nil || err2 != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return aa == bb
}
