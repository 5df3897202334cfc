package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/John-Robertt/DJAC/internal/app/run"
	"github.com/John-Robertt/DJAC/internal/config"
	"github.com/John-Robertt/DJAC/internal/domain"
)

var _ run.Observer = (*progressUI)(nil)

// progressUI 是交互终端的进度输出：每个批次一条进度条，批次结束后再打印失败明细。
// 所有输出写到 stderr（或 fallback 到 stdout），不污染 stdout 的 JSON 输出契约。
type progressUI struct {
	w io.Writer

	mu        sync.Mutex
	startedAt time.Time

	p     *mpb.Progress
	bar   *mpb.Bar
	batch string

	// 进度条存活期间不能直接写 w，失败行先攒着。
	pending []string

	ok   int
	fail int
	skip int
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{w: w}
}

func (u *progressUI) OnStart(command string, eff config.EffectiveConfig) {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := time.Now()
	if u.startedAt.IsZero() {
		u.startedAt = now
	}

	mode := "dry-run"
	modeHint := " (只探测，不改动文件)"
	if eff.Apply {
		mode = "apply"
		modeHint = ""
	}

	fmt.Fprintf(u.w, "[%s] djac %s (%s)\n", now.Format("15:04:05"), command, mode)
	fmt.Fprintln(u.w, "配置（生效）:")
	fmt.Fprintf(u.w, "  path: %s\n", eff.Path)
	fmt.Fprintf(u.w, "  mode: %s%s\n", mode, modeHint)
	fmt.Fprintf(u.w, "  recursive: %s\n", onOff(eff.Recursive))
	fmt.Fprintf(u.w, "  delete_after: %s\n", onOff(eff.DeleteAfter))
	fmt.Fprintf(u.w, "  ffmpeg: %s (timeout %s)\n", eff.FFmpeg, formatTimeout(eff.EncoderTimeout))
	if eff.OutDir != "" {
		fmt.Fprintf(u.w, "  out: %s\n", eff.OutDir)
	}
	if eff.ArchiveDir != "" {
		fmt.Fprintf(u.w, "  archive: %s\n", eff.ArchiveDir)
	}
	fmt.Fprintln(u.w)
}

func (u *progressUI) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.finishBarLocked()
	fmt.Fprintln(u.w, formatPhase(name, fields, dur))

	if name == "plan" {
		total := intField(fields, "items")
		u.batch = strField(fields, "batch")
		if total > 0 {
			u.startBarLocked(u.batch, total)
		}
	}
}

func (u *progressUI) OnItemStart(idx, total int, src string) {}

func (u *progressUI) OnItemDone(idx, total int, res domain.ItemResult, dur time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch res.Status {
	case domain.StatusConverted:
		u.ok++
	case domain.StatusFailed:
		u.fail++
	case domain.StatusSkipped:
		u.skip++
	}

	line := formatItemLine(idx, total, res, dur)
	if u.bar == nil {
		fmt.Fprintln(u.w, line)
		return
	}
	if res.Status == domain.StatusFailed {
		u.pending = append(u.pending, line)
	}
	u.bar.EwmaIncrement(dur)
	if idx >= total {
		u.finishBarLocked()
	}
}

// Close 结束仍在运行的进度条（例如被中断的批次）并打印累计统计。
func (u *progressUI) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.finishBarLocked()
	elapsed := time.Duration(0)
	if !u.startedAt.IsZero() {
		elapsed = time.Since(u.startedAt)
	}
	fmt.Fprintf(u.w, "合计: ok=%d fail=%d skip=%d elapsed=%s\n", u.ok, u.fail, u.skip, formatElapsed(elapsed))
}

func (u *progressUI) startBarLocked(name string, total int) {
	u.p = mpb.New(mpb.WithOutput(u.w), mpb.WithWidth(64))
	u.bar = u.p.AddBar(int64(total),
		mpb.PrependDecorators(
			decor.Name(name+": "),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(
			decor.Percentage(),
			decor.OnComplete(decor.EwmaETA(decor.ET_STYLE_GO, 60), " 完成"),
		),
	)
}

func (u *progressUI) finishBarLocked() {
	if u.p == nil {
		return
	}
	if !u.bar.Completed() {
		u.bar.Abort(false)
	}
	u.p.Wait()
	u.p = nil
	u.bar = nil

	for _, l := range u.pending {
		fmt.Fprintln(u.w, l)
	}
	u.pending = nil
}

func formatPhase(name string, fields map[string]any, dur time.Duration) string {
	switch name {
	case "scan":
		return fmt.Sprintf("扫描: files=%d backups=%d exts=%s (%s)",
			intField(fields, "files"), intField(fields, "backups"), strField(fields, "exts"), formatShortDuration(dur))
	case "catalog":
		return fmt.Sprintf("曲库: tracks=%d pcm=%d unplayable=%d flacs=%d (%s)",
			intField(fields, "tracks"), intField(fields, "pcm"), intField(fields, "unplayable"),
			intField(fields, "flacs"), formatShortDuration(dur))
	case "plan":
		return fmt.Sprintf("规划: batch=%s items=%d", strField(fields, "batch"), intField(fields, "items"))
	case "revert":
		return fmt.Sprintf("回滚: rows=%d (%s)", intField(fields, "rows"), formatShortDuration(dur))
	default:
		return fmt.Sprintf("%s (%s)", name, formatShortDuration(dur))
	}
}

func formatItemLine(idx, total int, res domain.ItemResult, dur time.Duration) string {
	switch res.Status {
	case domain.StatusFailed:
		return fmt.Sprintf("[%d/%d] %s FAIL %s: %s (%s)",
			idx, total, res.Src, res.ErrorCode, truncate(res.ErrorMsg, 160), formatShortDuration(dur))
	case domain.StatusSkipped:
		reason := res.ErrorCode
		if reason == "" {
			reason = "skipped"
		}
		return fmt.Sprintf("[%d/%d] %s SKIP %s (%s)", idx, total, res.Src, reason, formatShortDuration(dur))
	case domain.StatusPlanned:
		return fmt.Sprintf("[%d/%d] %s PLAN %s -> %s", idx, total, res.Src, formatFormat(res.Before), formatFormat(res.After))
	default:
		line := fmt.Sprintf("[%d/%d] %s OK -> %s %s (%s)",
			idx, total, res.Src, res.Dst, formatFormat(res.After), formatShortDuration(dur))
		if res.Deleted != "" {
			line += " deleted=" + res.Deleted
		}
		return line
	}
}

// formatFormat 输出 "44100Hz/16bit"；未知字段输出 "?"。
func formatFormat(f domain.Format) string {
	sr, bd := "?", "?"
	if f.SampleRate > 0 {
		sr = fmt.Sprintf("%dHz", f.SampleRate)
	}
	if f.BitDepth > 0 {
		bd = fmt.Sprintf("%dbit", f.BitDepth)
	}
	return sr + "/" + bd
}

func formatTimeout(d time.Duration) string {
	if d <= 0 {
		return "off"
	}
	return d.String()
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	switch x := fields[key].(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	default:
		return 0
	}
}

func strField(fields map[string]any, key string) string {
	if fields == nil {
		return ""
	}
	s, _ := fields[key].(string)
	return s
}
