package run

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/John-Robertt/DJAC/internal/app/planner"
	"github.com/John-Robertt/DJAC/internal/catalog"
	"github.com/John-Robertt/DJAC/internal/config"
	"github.com/John-Robertt/DJAC/internal/convert"
	"github.com/John-Robertt/DJAC/internal/diag"
	"github.com/John-Robertt/DJAC/internal/domain"
	"github.com/John-Robertt/DJAC/internal/encoder"
	"github.com/John-Robertt/DJAC/internal/infra/fsx"
	"github.com/John-Robertt/DJAC/internal/ledger"
	"github.com/John-Robertt/DJAC/internal/policy"
	"github.com/John-Robertt/DJAC/internal/probe"
	"github.com/John-Robertt/DJAC/internal/scan"
)

// 子命令。
const (
	CmdFix16     = "fix16"
	CmdAIFF      = "aiff"
	CmdPlayable  = "playable"
	CmdV0        = "v0"
	CmdRekordbox = "rekordbox"
	CmdRevert    = "revert"
)

// PlaylistName 是 rekordbox 流程中 FLAC 转换结果的播放列表文件名（位于 converted_flacs/ 下）。
const PlaylistName = "converted_flacs.m3u"

// Command 描述一次调用要做什么；除 Name 外的字段只对对应子命令有意义。
type Command struct {
	Name   string
	XML    string // rekordbox：collection XML
	Ledger string // revert：账本路径
}

// Deps 是执行所需的外部能力（测试中替换为桩）。
type Deps struct {
	Prober  probe.Prober
	Encoder encoder.Encoder
	Log     *slog.Logger
}

// DefaultDeps 按配置构造 ffmpeg 编码器（附诊断日志）与探测链。
// dry-run 不落盘：诊断输出直接丢弃。
func DefaultDeps(eff config.EffectiveConfig, log *slog.Logger) Deps {
	var sink diag.Sink = diag.Discard
	if eff.Apply {
		sink = diag.FileSink{Path: eff.DiagLog}
	}
	return Deps{
		Prober: probe.Default(eff.FFmpeg),
		Encoder: encoder.FFmpeg{
			Bin:     eff.FFmpeg,
			Timeout: eff.EncoderTimeout,
			Diag:    sink,
		},
		Log: log,
	}
}

// Execute 执行一次子命令（dry-run/apply），并返回对外稳定的 RunReport。
// 该函数尽量把错误“降级”为 item 级失败（单个文件失败不影响其他文件）。
func Execute(ctx context.Context, cmd Command, eff config.EffectiveConfig, deps Deps, obs Observer) domain.RunReport {
	if obs == nil {
		obs = nopObserver{}
	}
	if deps.Log == nil {
		deps.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	obs.OnStart(cmd.Name, eff)

	rr := domain.RunReport{
		Command:   cmd.Name,
		Path:      eff.Path,
		DryRun:    !eff.Apply,
		StartedAt: time.Now().UTC(),
		Items:     make([]domain.ItemResult, 0, 64),
	}

	r := &runner{
		root:  eff.Path,
		apply: eff.Apply,
		deps:  deps,
		obs:   obs,
		conv:  convert.Converter{Prober: deps.Prober, Encoder: deps.Encoder, Log: deps.Log},
	}

	switch cmd.Name {
	case CmdFix16:
		rr.Items = append(rr.Items, r.fix16(ctx, eff)...)
	case CmdAIFF:
		rr.Items = append(rr.Items, r.toAIFF(ctx, eff)...)
	case CmdPlayable:
		rr.Items = append(rr.Items, r.fix16(ctx, eff)...)
		rr.Items = append(rr.Items, r.toAIFF(ctx, eff)...)
	case CmdV0:
		rr.Items = append(rr.Items, r.v0(ctx, eff)...)
	case CmdRekordbox:
		rr.Items = append(rr.Items, r.rekordbox(ctx, eff, cmd.XML)...)
	case CmdRevert:
		rr.Items = append(rr.Items, r.revert(cmd.Ledger)...)
	default:
		rr.Items = append(rr.Items, syntheticFailed(domain.ErrCodeConfigInvalid, fmt.Sprintf("未知子命令：%q", cmd.Name)))
	}

	rr.FinishedAt = time.Now().UTC()
	rr.Finalize()

	s := rr.Summary
	deps.Log.Info("运行结束",
		"command", cmd.Name, "dry_run", rr.DryRun,
		"succeeded", s.Succeeded, "skipped", s.Skipped, "failed", s.Failed,
		"planned", s.Planned, "deleted", s.Deleted,
		"elapsed", rr.FinishedAt.Sub(rr.StartedAt).Round(time.Millisecond))
	return rr
}

// batch 是一组串行执行的转换计划。
type batch struct {
	Name   string
	Plans  []domain.ConversionPlan
	Ledger *ledger.Ledger // Archive 计划成功后写入
	Delete bool           // 成功后删除 Outcome.Leftover（Archive 计划除外）
}

type runner struct {
	root  string
	apply bool
	deps  Deps
	obs   Observer
	conv  convert.Converter
}

func (r *runner) discover(eff config.EffectiveConfig, exts []string, recursive bool) ([]domain.AudioFile, []domain.ItemResult) {
	started := time.Now()
	var exclude []string
	if eff.OutDir != "" {
		exclude = append(exclude, eff.OutDir)
	}
	if eff.ArchiveDir != "" {
		exclude = append(exclude, eff.ArchiveDir)
	}

	files, err := scan.Discover(eff.Path, exts, recursive, exclude...)
	if err != nil {
		return nil, []domain.ItemResult{syntheticFailed(domain.ErrCodeIOFailed, fmt.Sprintf("扫描失败：%v", err))}
	}

	kept := files[:0]
	backups := 0
	for _, f := range files {
		if planner.IsBackup(f) {
			backups++
			continue
		}
		kept = append(kept, f)
	}

	r.obs.OnPhaseDone("scan", map[string]any{
		"files":   len(kept),
		"backups": backups,
		"exts":    strings.Join(exts, ","),
	}, time.Since(started))
	return kept, nil
}

func (r *runner) fix16(ctx context.Context, eff config.EffectiveConfig) []domain.ItemResult {
	files, failed := r.discover(eff, scan.PCMExts, eff.Recursive)
	if failed != nil {
		return failed
	}
	plans := make([]domain.ConversionPlan, 0, len(files))
	for _, f := range files {
		plans = append(plans, planner.InPlace(f.AbsPath))
	}
	return r.runBatch(ctx, batch{Name: CmdFix16, Plans: plans, Delete: eff.DeleteAfter})
}

func (r *runner) toAIFF(ctx context.Context, eff config.EffectiveConfig) []domain.ItemResult {
	files, failed := r.discover(eff, scan.LosslessExts, eff.Recursive)
	if failed != nil {
		return failed
	}
	plans := planner.SideBySide(files, eff.OutDir, domain.CodecPCM16)
	return r.runBatch(ctx, batch{Name: CmdAIFF, Plans: plans, Delete: eff.DeleteAfter})
}

// v0 只处理 path 的直接子项。
func (r *runner) v0(ctx context.Context, eff config.EffectiveConfig) []domain.ItemResult {
	files, failed := r.discover(eff, scan.V0Exts, false)
	if failed != nil {
		return failed
	}
	plans := planner.SideBySide(files, eff.OutDir, domain.CodecMP3V0)
	return r.runBatch(ctx, batch{Name: CmdV0, Plans: plans, Delete: eff.DeleteAfter})
}

// rekordbox 处理曲库中的曲目：不可播放的 WAV/AIFF 原地转换（原文件进归档并记账），
// FLAC 转成 AIFF 放进归档的 converted_flacs/，并生成播放列表供手动导入。删除策略强制关闭。
func (r *runner) rekordbox(ctx context.Context, eff config.EffectiveConfig, xmlPath string) []domain.ItemResult {
	archive := eff.ArchiveDir
	if archive == "" {
		return []domain.ItemResult{syntheticFailed(domain.ErrCodeConfigInvalid, "rekordbox 需要 --archive（或配置 archive_dir）")}
	}
	if strings.TrimSpace(xmlPath) == "" {
		return []domain.ItemResult{syntheticFailed(domain.ErrCodeConfigInvalid, "rekordbox 需要 --xml 指定 collection XML")}
	}

	started := time.Now()
	tracks, err := catalog.LoadRekordboxXML(xmlPath)
	if err != nil {
		return []domain.ItemResult{syntheticFailed(domain.ErrCodeIOFailed, fmt.Sprintf("读取曲库失败：%v", err))}
	}
	pcm := catalog.PCM(tracks)
	unplayable := catalog.Unplayable(tracks)
	flacs := catalog.FLACs(tracks)

	pct := 0.0
	if len(pcm) > 0 {
		pct = float64(len(unplayable)) / float64(len(pcm)) * 100
	}
	r.deps.Log.Info(fmt.Sprintf("曲库共 %d 首，WAV/AIFF %d 首，其中不可播放 %d 首（%.1f%%），FLAC %d 首",
		len(tracks), len(pcm), len(unplayable), pct, len(flacs)), "xml", xmlPath, "archive", archive)
	r.obs.OnPhaseDone("catalog", map[string]any{
		"tracks":     len(tracks),
		"pcm":        len(pcm),
		"unplayable": len(unplayable),
		"flacs":      len(flacs),
	}, time.Since(started))

	flacDir := filepath.Join(archive, planner.FLACDir)
	if r.apply {
		if err := fsx.EnsureDir(flacDir); err != nil {
			return []domain.ItemResult{syntheticFailed(domain.ErrCodeIOFailed, fmt.Sprintf("创建归档目录失败：%v", err))}
		}
	}

	plans := make([]domain.ConversionPlan, 0, len(unplayable))
	for _, t := range unplayable {
		plans = append(plans, planner.Archived(t.Location, archive))
	}
	// 按源路径排序，账本行序与曲库导出顺序无关。
	planner.SortPlans(plans)
	lg := &ledger.Ledger{Path: ledger.PathIn(archive)}
	items := r.runBatch(ctx, batch{Name: "rekordbox_pcm", Plans: plans, Ledger: lg})

	flacFiles := make([]domain.AudioFile, 0, len(flacs))
	for _, t := range flacs {
		name := filepath.Base(t.Location)
		flacFiles = append(flacFiles, domain.AudioFile{
			AbsPath: t.Location,
			RelPath: t.Location,
			Base:    strings.TrimSuffix(name, filepath.Ext(name)),
			Ext:     strings.ToLower(filepath.Ext(name)),
		})
	}
	flacItems := r.runBatch(ctx, batch{
		Name:  "rekordbox_flac",
		Plans: planner.SideBySide(flacFiles, flacDir, domain.CodecPCM16),
	})
	items = append(items, flacItems...)

	if r.apply {
		var outs []string
		for _, it := range flacItems {
			if it.Status == domain.StatusConverted {
				outs = append(outs, r.abs(it.Dst))
			}
		}
		if len(outs) > 0 {
			m3u := filepath.Join(flacDir, PlaylistName)
			if err := catalog.WriteM3U(outs, m3u); err != nil {
				items = append(items, syntheticFailed(domain.ErrCodeIOFailed, fmt.Sprintf("写入播放列表失败：%v", err)))
			} else {
				r.deps.Log.Warn(fmt.Sprintf("FLAC 转换结果位于 %s；文件类型已变化，需要手动导入曲库（播放列表 %s）", flacDir, m3u))
			}
		}
	}
	return items
}

func (r *runner) revert(ledgerPath string) []domain.ItemResult {
	if strings.TrimSpace(ledgerPath) == "" {
		return []domain.ItemResult{syntheticFailed(domain.ErrCodeConfigInvalid, "revert 需要 --ledger 指定账本")}
	}
	started := time.Now()
	items, err := ledger.Revert(ledgerPath, r.apply, r.deps.Log)
	if err != nil {
		return []domain.ItemResult{syntheticFailed(domain.ErrCodeIOFailed, fmt.Sprintf("读取账本失败：%v", err))}
	}
	for i, it := range items {
		r.obs.OnItemDone(i+1, len(items), it, 0)
	}
	r.obs.OnPhaseDone("revert", map[string]any{"rows": len(items)}, time.Since(started))
	return items
}

// runBatch 串行执行一批计划。单个文件失败（包括文件系统不变量被破坏）不会中断批次；
// ctx 取消后剩余文件记为 canceled。
func (r *runner) runBatch(ctx context.Context, b batch) []domain.ItemResult {
	total := len(b.Plans)
	r.obs.OnPhaseDone("plan", map[string]any{
		"batch": b.Name,
		"items": total,
	}, 0)

	out := make([]domain.ItemResult, 0, total)
	for i, p := range b.Plans {
		src := r.rel(p.Source)
		if ctx.Err() != nil {
			it := r.base(p)
			it.Status = domain.StatusSkipped
			it.ErrorCode = domain.ErrCodeCanceled
			it.ErrorMsg = "运行被中断"
			out = append(out, it)
			continue
		}

		r.obs.OnItemStart(i+1, total, src)
		started := time.Now()

		var it domain.ItemResult
		if r.apply {
			it = r.execOne(ctx, b, p)
		} else {
			it = r.preview(ctx, p)
		}

		r.logItem(it, probe.Describe(p.Source))
		out = append(out, it)
		r.obs.OnItemDone(i+1, total, it, time.Since(started))
	}
	return out
}

// preview 是 dry-run：只读探测，给出将会发生什么，不改动文件系统。
func (r *runner) preview(ctx context.Context, p domain.ConversionPlan) domain.ItemResult {
	it := r.base(p)

	ok, err := fsx.Exists(p.Source)
	if err != nil {
		return fail(it, domain.ErrCodeIOFailed, err.Error())
	}
	if !ok {
		return fail(it, domain.ErrCodeFileNotFound, "源文件不存在")
	}

	// 原地模式先探测：已是目标格式的文件即使留有备份也只是跳过。
	var info domain.AudioInfo
	if p.Mode == domain.ModeInPlace {
		info = r.deps.Prober.Probe(ctx, p.Source)
		it.Before = domain.FormatOf(info)
		if policy.IsAcceptable(info.SampleRate, info.BitDepth) {
			it.Status = domain.StatusSkipped
			it.ErrorCode = domain.ErrCodeAlreadyAcceptable
			return it
		}
	}
	if taken, err := planner.Conflict(p); err != nil {
		return fail(it, domain.ErrCodeIOFailed, err.Error())
	} else if taken != "" {
		return conflict(it, p, taken)
	}
	if p.Mode != domain.ModeInPlace {
		info = r.deps.Prober.Probe(ctx, p.Source)
		it.Before = domain.FormatOf(info)
	}

	if p.Codec == domain.CodecMP3V0 {
		it.Status = domain.StatusPlanned
		return it
	}
	if !info.Known() {
		return fail(it, domain.ErrCodeProbeUnknown, "无法确定采样率或位深")
	}
	target, err := policy.TargetSampleRate(info.SampleRate)
	if err != nil {
		return fail(it, domain.ErrCodeUnsupportedSampleRate, err.Error())
	}
	it.Status = domain.StatusPlanned
	it.After = domain.Format{SampleRate: target, BitDepth: policy.AcceptedBitDepth}
	return it
}

func (r *runner) execOne(ctx context.Context, b batch, p domain.ConversionPlan) domain.ItemResult {
	it := r.base(p)

	// 旁路输出已存在：不覆盖（重复运行时跳过）。原地模式的 temp 冲突由 convert 判定。
	if p.Mode == domain.ModeSideBySide {
		if taken, err := planner.Conflict(p); err != nil {
			return fail(it, domain.ErrCodeIOFailed, err.Error())
		} else if taken != "" {
			return conflict(it, p, taken)
		}
	}

	o, err := r.conv.Convert(ctx, p)
	if err != nil {
		if convert.IsInvariant(err) {
			// 单一归属不变量可能已被破坏：不再自动恢复，交给人处理。
			r.deps.Log.Error("文件系统不变量被破坏，需要人工检查", "src", p.Source, "temp", p.Temp, "err", err)
			return fail(it, domain.ErrCodeFSInvariant, err.Error())
		}
		return fail(it, domain.ErrCodeIOFailed, err.Error())
	}

	it.Before = domain.FormatOf(o.Before)
	it.After = domain.FormatOf(o.After)
	switch o.Kind {
	case domain.OutcomeSkipped:
		it.Status = domain.StatusSkipped
		it.ErrorCode = o.ErrorCode
		it.ErrorMsg = o.Reason
		return it
	case domain.OutcomeFailed:
		it.Status = domain.StatusFailed
		it.ErrorCode = o.ErrorCode
		it.ErrorMsg = o.Reason
		if o.Diagnostic != "" {
			it.ErrorMsg = o.Reason + "：" + lastLines(o.Diagnostic, 3)
		}
		return it
	}

	it.Status = domain.StatusConverted

	if p.Archive {
		if b.Ledger == nil {
			return fail(it, domain.ErrCodeLedgerFailed, "归档转换缺少账本")
		}
		rec := domain.LedgerRecord{
			Time:          time.Now(),
			Original:      p.Source,
			Archive:       p.Temp,
			InSampleRate:  o.Before.SampleRate,
			OutSampleRate: o.After.SampleRate,
			InBitDepth:    o.Before.BitDepth,
			OutBitDepth:   o.After.BitDepth,
		}
		if err := b.Ledger.Append(rec); err != nil {
			r.deps.Log.Error("写入账本失败，该文件无法自动回滚", "src", p.Source, "archive", p.Temp, "err", err)
			return fail(it, domain.ErrCodeLedgerFailed, fmt.Sprintf("写入账本失败（原文件在 %s）：%v", p.Temp, err))
		}
		// 归档文件是回滚的唯一依据，永不删除。
		return it
	}

	if b.Delete && o.Leftover != "" {
		if err := fsx.Remove(o.Leftover); err != nil {
			r.deps.Log.Warn("删除遗留文件失败", "path", o.Leftover, "err", err)
			it.ErrorCode = domain.ErrCodeDeleteFailed
			it.ErrorMsg = err.Error()
		} else {
			it.Deleted = r.rel(o.Leftover)
			r.deps.Log.Info("已删除", "path", o.Leftover)
		}
	}
	return it
}

func (r *runner) base(p domain.ConversionPlan) domain.ItemResult {
	it := domain.ItemResult{
		Src:  r.rel(p.Source),
		Dst:  r.rel(p.Dest()),
		Mode: p.Mode,
	}
	if p.Mode == domain.ModeInPlace {
		it.Temp = r.rel(p.Temp)
	}
	return it
}

func (r *runner) logItem(it domain.ItemResult, track string) {
	attrs := []any{"src", it.Src, "status", it.Status}
	if track != "" {
		attrs = append(attrs, "track", track)
	}
	if it.ErrorCode != "" {
		attrs = append(attrs, "error_code", it.ErrorCode)
	}
	switch it.Status {
	case domain.StatusFailed:
		attrs = append(attrs, "err", it.ErrorMsg)
		r.deps.Log.Error("处理失败", attrs...)
	case domain.StatusSkipped:
		r.deps.Log.Info("跳过", attrs...)
	default:
		r.deps.Log.Info("完成", append(attrs, "dst", it.Dst)...)
	}
}

// rel 尽量输出相对 root 的路径；不在 root 下则输出绝对路径。
func (r *runner) rel(p string) string {
	if p == "" || r.root == "" {
		return p
	}
	rel, err := filepath.Rel(r.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}
	return rel
}

func (r *runner) abs(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.root, p)
}

func fail(it domain.ItemResult, code, msg string) domain.ItemResult {
	it.Status = domain.StatusFailed
	it.ErrorCode = code
	it.ErrorMsg = msg
	return it
}

func conflict(it domain.ItemResult, p domain.ConversionPlan, taken string) domain.ItemResult {
	it.ErrorCode = domain.ErrCodeTargetConflict
	if p.Mode == domain.ModeInPlace {
		// 已有备份/归档：不会覆盖，需要人清理。
		it.Status = domain.StatusFailed
		it.ErrorMsg = fmt.Sprintf("%s 已存在，不会覆盖；如需重新转换请先清理", taken)
		return it
	}
	it.Status = domain.StatusSkipped
	it.ErrorMsg = fmt.Sprintf("输出 %s 已存在", taken)
	return it
}

func syntheticFailed(code, msg string) domain.ItemResult {
	return domain.ItemResult{
		Status:    domain.StatusFailed,
		ErrorCode: code,
		ErrorMsg:  msg,
	}
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
