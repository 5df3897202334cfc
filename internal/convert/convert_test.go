package convert

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/John-Robertt/DJAC/internal/audiotest"
	"github.com/John-Robertt/DJAC/internal/domain"
	"github.com/John-Robertt/DJAC/internal/encoder"
	"github.com/John-Robertt/DJAC/internal/infra/fsx"
	"github.com/John-Robertt/DJAC/internal/probe"
)

// pcmEncoder 冒充 ffmpeg：按请求写出 16-bit PCM（容器按输出扩展名）。
func pcmEncoder(t *testing.T, calls *int) encoder.Encoder {
	return encoder.Func(func(ctx context.Context, req encoder.Request) (string, error) {
		*calls++
		if filepath.Ext(req.Output) == ".aiff" {
			audiotest.WriteAIFF(t, req.Output, req.SampleRate, 16)
		} else {
			audiotest.WriteWAV(t, req.Output, req.SampleRate, 16)
		}
		return "ok", nil
	})
}

// failingEncoder 先写出残缺输出，再以非 0 退出。
func failingEncoder(calls *int, err error) encoder.Encoder {
	return encoder.Func(func(ctx context.Context, req encoder.Request) (string, error) {
		*calls++
		_ = os.WriteFile(req.Output, []byte("partial"), 0o644)
		return encoder.Output(err), err
	})
}

func inPlacePlan(src string) domain.ConversionPlan {
	ext := filepath.Ext(src)
	return domain.ConversionPlan{
		Mode:   domain.ModeInPlace,
		Codec:  domain.CodecPCM16,
		Source: src,
		Temp:   src[:len(src)-len(ext)] + "_temp" + ext,
	}
}

func mustRead(t *testing.T, p string) []byte {
	t.Helper()
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("读取 %s 失败：%v", p, err)
	}
	return b
}

func assertMissing(t *testing.T, p string) {
	t.Helper()
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Fatalf("期望 %s 不存在，但 Stat err=%v", p, err)
	}
}

func TestInPlace_EndToEnd_32bit88200ToWAV16(t *testing.T) {
	src := filepath.Join(t.TempDir(), "silence_32bit.wav")
	audiotest.WriteWAV(t, src, 88200, 32)
	orig := mustRead(t, src)

	calls := 0
	c := Converter{Prober: probe.HeaderProber{}, Encoder: pcmEncoder(t, &calls)}
	plan := inPlacePlan(src)

	out, err := c.InPlace(context.Background(), plan)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if out.Kind != domain.OutcomeSuccess || calls != 1 {
		t.Fatalf("期望 Success 且编码 1 次：%+v calls=%d", out, calls)
	}

	got := probe.HeaderProber{}.Probe(context.Background(), src)
	if got.SampleRate != 44100 || got.BitDepth != 16 {
		t.Fatalf("转换后应为 16/44100，实际 %+v", got)
	}

	// temp 作为备份保留，内容是原文件。
	tmp := filepath.Join(filepath.Dir(src), "silence_32bit_temp.wav")
	if !bytes.Equal(mustRead(t, tmp), orig) {
		t.Fatalf("备份内容应与原文件一致")
	}
	if out.Leftover != tmp {
		t.Fatalf("Leftover 应为 temp：%q", out.Leftover)
	}
	if out.Before.SampleRate != 88200 || out.Before.BitDepth != 32 || out.After.SampleRate != 44100 || out.After.BitDepth != 16 {
		t.Fatalf("before/after 不正确：%+v / %+v", out.Before, out.After)
	}
}

func TestInPlace_AlreadyAcceptable_IdempotentSkip(t *testing.T) {
	src := filepath.Join(t.TempDir(), "ok.aiff")
	audiotest.WriteAIFF(t, src, 48000, 16)
	orig := mustRead(t, src)

	calls := 0
	c := Converter{Prober: probe.HeaderProber{}, Encoder: pcmEncoder(t, &calls)}

	for i := 0; i < 2; i++ {
		out, err := c.InPlace(context.Background(), inPlacePlan(src))
		if err != nil {
			t.Fatalf("不期望错误：%v", err)
		}
		// Skipped 与 Success 必须可区分。
		if out.Kind != domain.OutcomeSkipped || out.ErrorCode != domain.ErrCodeAlreadyAcceptable {
			t.Fatalf("第 %d 次：期望 Skipped，实际 %+v", i+1, out)
		}
	}
	if calls != 0 {
		t.Fatalf("已是目标格式不应调用编码器：calls=%d", calls)
	}
	if !bytes.Equal(mustRead(t, src), orig) {
		t.Fatalf("跳过的文件应保持字节一致")
	}
	assertMissing(t, inPlacePlan(src).Temp)
}

func TestInPlace_EncoderFailure_RollsBack(t *testing.T) {
	src := filepath.Join(t.TempDir(), "hires.wav")
	audiotest.WriteWAV(t, src, 96000, 24)
	orig := mustRead(t, src)

	calls := 0
	c := Converter{
		Prober:  probe.HeaderProber{},
		Encoder: failingEncoder(&calls, &encoder.ExitError{Code: 1, Output: "Conversion failed!"}),
	}
	plan := inPlacePlan(src)

	out, err := c.InPlace(context.Background(), plan)
	if err != nil {
		t.Fatalf("编码失败不应作为 error 返回：%v", err)
	}
	if out.Kind != domain.OutcomeFailed || out.ErrorCode != domain.ErrCodeEncoderFailed {
		t.Fatalf("期望 Failed(encoder_failed)：%+v", out)
	}
	if out.Diagnostic != "Conversion failed!" {
		t.Fatalf("应携带编码器输出：%q", out.Diagnostic)
	}
	if !bytes.Equal(mustRead(t, src), orig) {
		t.Fatalf("回滚后原路径应是原文件（残缺输出被覆盖）")
	}
	assertMissing(t, plan.Temp)
}

func TestInPlace_EncoderTimeout_RollsBack(t *testing.T) {
	src := filepath.Join(t.TempDir(), "hires.wav")
	audiotest.WriteWAV(t, src, 192000, 24)
	orig := mustRead(t, src)

	calls := 0
	c := Converter{
		Prober:  probe.HeaderProber{},
		Encoder: failingEncoder(&calls, &encoder.TimeoutError{After: time.Second}),
	}
	out, err := c.InPlace(context.Background(), inPlacePlan(src))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if out.Kind != domain.OutcomeFailed || out.ErrorCode != domain.ErrCodeEncoderTimeout {
		t.Fatalf("期望 Failed(encoder_timeout)：%+v", out)
	}
	if !bytes.Equal(mustRead(t, src), orig) {
		t.Fatalf("超时回滚后原路径应是原文件")
	}
	assertMissing(t, inPlacePlan(src).Temp)
}

func TestInPlace_ProbeUnknown_RestoresOriginal(t *testing.T) {
	src := filepath.Join(t.TempDir(), "broken.aiff")
	audiotest.Touch(t, src, "not audio at all")

	calls := 0
	c := Converter{Prober: probe.HeaderProber{}, Encoder: pcmEncoder(t, &calls)}
	out, err := c.InPlace(context.Background(), inPlacePlan(src))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if out.Kind != domain.OutcomeFailed || out.ErrorCode != domain.ErrCodeProbeUnknown {
		t.Fatalf("期望 Failed(probe_unknown)：%+v", out)
	}
	if string(mustRead(t, src)) != "not audio at all" || calls != 0 {
		t.Fatalf("应恢复原文件且不调用编码器")
	}
	assertMissing(t, inPlacePlan(src).Temp)
}

func TestInPlace_UnsupportedSampleRate_RestoresOriginal(t *testing.T) {
	src := filepath.Join(t.TempDir(), "odd.wav")
	audiotest.WriteWAV(t, src, 22050, 24)

	calls := 0
	c := Converter{Prober: probe.HeaderProber{}, Encoder: pcmEncoder(t, &calls)}
	out, err := c.InPlace(context.Background(), inPlacePlan(src))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if out.Kind != domain.OutcomeFailed || out.ErrorCode != domain.ErrCodeUnsupportedSampleRate {
		t.Fatalf("期望 Failed(unsupported_sample_rate)：%+v", out)
	}
	if calls != 0 {
		t.Fatalf("不应调用编码器")
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("原文件应已恢复：%v", err)
	}
	assertMissing(t, inPlacePlan(src).Temp)
}

func TestInPlace_TempTaken_NoStaging(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.wav")
	audiotest.WriteWAV(t, src, 96000, 24)
	plan := inPlacePlan(src)
	audiotest.Touch(t, plan.Temp, "old backup")

	calls := 0
	c := Converter{Prober: probe.HeaderProber{}, Encoder: pcmEncoder(t, &calls)}
	out, err := c.InPlace(context.Background(), plan)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if out.ErrorCode != domain.ErrCodeTargetConflict {
		t.Fatalf("期望 target_conflict：%+v", out)
	}
	if string(mustRead(t, plan.Temp)) != "old backup" {
		t.Fatalf("已有备份不应被覆盖")
	}
}

func TestInPlace_BackupPresent_AcceptableSourceSkips(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.wav")
	audiotest.WriteWAV(t, src, 44100, 16)
	orig := mustRead(t, src)
	plan := inPlacePlan(src)
	audiotest.Touch(t, plan.Temp, "old backup")

	calls := 0
	c := Converter{Prober: probe.HeaderProber{}, Encoder: pcmEncoder(t, &calls)}
	out, err := c.InPlace(context.Background(), plan)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if out.Kind != domain.OutcomeSkipped || out.ErrorCode != domain.ErrCodeAlreadyAcceptable {
		t.Fatalf("留有备份的已转换文件应跳过：%+v", out)
	}
	if calls != 0 {
		t.Fatalf("不应调用编码器：calls=%d", calls)
	}
	if out.Before.SampleRate != 44100 || out.Before.BitDepth != 16 {
		t.Fatalf("Before 应为源文件探测结果：%+v", out.Before)
	}
	if !bytes.Equal(mustRead(t, src), orig) || string(mustRead(t, plan.Temp)) != "old backup" {
		t.Fatalf("源文件与备份都不应被改动")
	}
}

func TestInPlace_MissingSource(t *testing.T) {
	src := filepath.Join(t.TempDir(), "gone.wav")
	c := Converter{Prober: probe.HeaderProber{}}
	out, err := c.InPlace(context.Background(), inPlacePlan(src))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if out.Kind != domain.OutcomeFailed || out.ErrorCode != domain.ErrCodeFileNotFound {
		t.Fatalf("期望 Failed(file_not_found)：%+v", out)
	}
}

func TestInPlace_StageCrossDevice_IsInvariantError(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.wav")
	audiotest.WriteWAV(t, src, 96000, 24)

	old := renameFunc
	renameFunc = func(a, b string) error {
		return &fsx.CrossDeviceError{Src: a, Dst: b, Err: syscall.EXDEV}
	}
	defer func() { renameFunc = old }()

	calls := 0
	c := Converter{Prober: probe.HeaderProber{}, Encoder: pcmEncoder(t, &calls)}
	_, err := c.InPlace(context.Background(), inPlacePlan(src))
	if !IsInvariant(err) || !fsx.IsCrossDevice(err) {
		t.Fatalf("期望 InvariantError(EXDEV)，实际：%T %v", err, err)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("stage 失败时源文件应原地不动：%v", err)
	}
}

func TestInPlace_RollbackRenameFails_IsInvariantError(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.wav")
	audiotest.WriteWAV(t, src, 96000, 24)
	plan := inPlacePlan(src)

	n := 0
	old := renameFunc
	renameFunc = func(a, b string) error {
		n++
		if n == 1 {
			return os.Rename(a, b) // stage 成功
		}
		return os.ErrPermission // rollback 失败
	}
	defer func() { renameFunc = old }()

	calls := 0
	c := Converter{
		Prober:  probe.HeaderProber{},
		Encoder: failingEncoder(&calls, &encoder.ExitError{Code: 1}),
	}
	_, err := c.InPlace(context.Background(), plan)
	var ie *InvariantError
	if !errors.As(err, &ie) || ie.Op != "rollback" {
		t.Fatalf("期望 rollback InvariantError，实际：%T %v", err, err)
	}
	// 不做进一步自动恢复：temp 仍在，交给人处理。
	if _, err := os.Stat(plan.Temp); err != nil {
		t.Fatalf("temp 应保留：%v", err)
	}
}

func TestSideBySide_FLACToAIFF_CreatesOutDirLeavesSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "name.flac")
	audiotest.Touch(t, src, "fLaC-source-bytes")
	dst := filepath.Join(dir, "out", "name.aiff")

	stub := probe.Func(func(ctx context.Context, path string) domain.AudioInfo {
		return domain.AudioInfo{Path: path, SampleRate: 96000, BitDepth: 24}
	})
	var got encoder.Request
	enc := encoder.Func(func(ctx context.Context, req encoder.Request) (string, error) {
		got = req
		audiotest.WriteAIFF(t, req.Output, req.SampleRate, 16)
		return "", nil
	})

	out, err := Converter{Prober: stub, Encoder: enc}.SideBySide(context.Background(), domain.ConversionPlan{
		Mode: domain.ModeSideBySide, Codec: domain.CodecPCM16, Source: src, Output: dst,
	})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if out.Kind != domain.OutcomeSuccess || out.Leftover != src {
		t.Fatalf("期望 Success 且 Leftover=源文件：%+v", out)
	}
	if got.Input != src || got.Output != dst || got.SampleRate != 48000 {
		t.Fatalf("编码请求不正确：%+v", got)
	}
	if string(mustRead(t, src)) != "fLaC-source-bytes" {
		t.Fatalf("源文件不应被修改")
	}
	info := probe.HeaderProber{}.Probe(context.Background(), dst)
	if info.SampleRate != 48000 || info.BitDepth != 16 {
		t.Fatalf("输出格式不正确：%+v", info)
	}
}

func TestSideBySide_MissingSource_FailsFast(t *testing.T) {
	dir := t.TempDir()
	calls := 0
	c := Converter{Prober: probe.HeaderProber{}, Encoder: pcmEncoder(t, &calls)}
	out, err := c.SideBySide(context.Background(), domain.ConversionPlan{
		Mode: domain.ModeSideBySide, Source: filepath.Join(dir, "x.flac"), Output: filepath.Join(dir, "out", "x.aiff"),
	})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if out.ErrorCode != domain.ErrCodeFileNotFound || calls != 0 {
		t.Fatalf("期望 file_not_found 且不编码：%+v calls=%d", out, calls)
	}
	assertMissing(t, filepath.Join(dir, "out"))
}

func TestSideBySide_EncoderFailure_SourceUntouched(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.wav")
	audiotest.WriteWAV(t, src, 44100, 24)
	orig := mustRead(t, src)
	dst := filepath.Join(dir, "a.aiff")

	calls := 0
	c := Converter{Prober: probe.HeaderProber{}, Encoder: failingEncoder(&calls, &encoder.ExitError{Code: 69, Output: "boom"})}
	out, err := c.SideBySide(context.Background(), domain.ConversionPlan{Mode: domain.ModeSideBySide, Source: src, Output: dst})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if out.Kind != domain.OutcomeFailed || out.Diagnostic != "boom" {
		t.Fatalf("期望 Failed 且携带输出：%+v", out)
	}
	if !bytes.Equal(mustRead(t, src), orig) {
		t.Fatalf("源文件不应被修改")
	}
	assertMissing(t, dst)
}

func TestSideBySide_SameOutputAsSource(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.aiff")
	audiotest.WriteAIFF(t, src, 96000, 24)
	out, err := Converter{Prober: probe.HeaderProber{}}.SideBySide(context.Background(), domain.ConversionPlan{
		Mode: domain.ModeSideBySide, Source: src, Output: src,
	})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if out.ErrorCode != domain.ErrCodeTargetConflict {
		t.Fatalf("期望 target_conflict：%+v", out)
	}
}

func TestConvert_UnknownMode(t *testing.T) {
	if _, err := (Converter{}).Convert(context.Background(), domain.ConversionPlan{Mode: "copy"}); err == nil {
		t.Fatalf("未知模式应返回错误")
	}
}

func TestInPlace_EncoderGetsTargetSampleRate(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.wav")
	audiotest.WriteWAV(t, src, 96000, 24)

	var got encoder.Request
	enc := encoder.Func(func(ctx context.Context, req encoder.Request) (string, error) {
		got = req
		audiotest.WriteWAV(t, req.Output, req.SampleRate, 16)
		return "", nil
	})
	plan := inPlacePlan(src)
	out, err := Converter{Prober: probe.HeaderProber{}, Encoder: enc}.InPlace(context.Background(), plan)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if out.Kind != domain.OutcomeSuccess || out.After.SampleRate != 48000 {
		t.Fatalf("期望 Success -> 48000：%+v", out)
	}
	if got.Input != plan.Temp || got.Output != src || got.Codec != domain.CodecPCM16 || got.SampleRate != 48000 {
		t.Fatalf("编码请求不正确：%+v", got)
	}
}

func TestSideBySide_ProbeUnknown_NoEncode(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "junk.flac")
	audiotest.Touch(t, src, "not audio")
	dst := filepath.Join(dir, "out", "junk.aiff")

	calls := 0
	c := Converter{Prober: probe.HeaderProber{}, Encoder: pcmEncoder(t, &calls)}
	out, err := c.SideBySide(context.Background(), domain.ConversionPlan{
		Mode: domain.ModeSideBySide, Codec: domain.CodecPCM16, Source: src, Output: dst,
	})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if out.Kind != domain.OutcomeFailed || out.ErrorCode != domain.ErrCodeProbeUnknown {
		t.Fatalf("期望 Failed(probe_unknown)：%+v", out)
	}
	if calls != 0 {
		t.Fatalf("不应调用编码器：calls=%d", calls)
	}
	assertMissing(t, dst)
	if string(mustRead(t, src)) != "not audio" {
		t.Fatalf("源文件不应被修改")
	}
}

func TestSideBySide_UnsupportedSampleRate_NoEncode(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "low.wav")
	audiotest.WriteWAV(t, src, 22050, 16)
	dst := filepath.Join(dir, "low.aiff")

	calls := 0
	c := Converter{Prober: probe.HeaderProber{}, Encoder: pcmEncoder(t, &calls)}
	out, err := c.SideBySide(context.Background(), domain.ConversionPlan{
		Mode: domain.ModeSideBySide, Codec: domain.CodecPCM16, Source: src, Output: dst,
	})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if out.Kind != domain.OutcomeFailed || out.ErrorCode != domain.ErrCodeUnsupportedSampleRate {
		t.Fatalf("期望 Failed(unsupported_sample_rate)：%+v", out)
	}
	if out.Before.SampleRate != 22050 {
		t.Fatalf("Before 应保留探测结果：%+v", out.Before)
	}
	if calls != 0 {
		t.Fatalf("不应调用编码器：calls=%d", calls)
	}
	assertMissing(t, dst)
}
