package planner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/John-Robertt/DJAC/internal/domain"
)

// TempSuffix 是原地转换时备份文件名的后缀（位于扩展名之前）。
const TempSuffix = "_temp"

// FLACDir 是 rekordbox 流程中 FLAC 转出的 AIFF 所在的归档子目录。
const FLACDir = "converted_flacs"

// InPlace 生成原地转换计划：<dir>/<base>_temp<ext>。
func InPlace(src string) domain.ConversionPlan {
	dir := filepath.Dir(src)
	name := filepath.Base(src)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return domain.ConversionPlan{
		Mode:   domain.ModeInPlace,
		Codec:  domain.CodecPCM16,
		Source: src,
		Temp:   filepath.Join(dir, base+TempSuffix+ext),
	}
}

// Archived 生成归档式原地转换计划：原文件移入 archiveDir（保留文件名），
// 编码结果写回原路径；成功后必须写 ledger。
func Archived(src, archiveDir string) domain.ConversionPlan {
	return domain.ConversionPlan{
		Mode:    domain.ModeInPlace,
		Codec:   domain.CodecPCM16,
		Source:  src,
		Temp:    filepath.Join(archiveDir, filepath.Base(src)),
		Archive: true,
	}
}

// SideBySide 为一批源文件生成旁路输出计划。
//
// outDir 为空时输出写在源文件旁边，否则全部写入 outDir。
// 同一批次内目标名冲突时确定性地追加 __2/__3（例如 a.wav 与 a.flac 都会输出 a.aiff）。
// 磁盘上已存在的目标不参与分配：由 Conflict 报告，而不是改名绕开。
func SideBySide(files []domain.AudioFile, outDir string, codec domain.Codec) []domain.ConversionPlan {
	ext := ".aiff"
	if codec == domain.CodecMP3V0 {
		ext = ".mp3"
	}

	used := make(map[string]struct{}, len(files))
	plans := make([]domain.ConversionPlan, 0, len(files))
	for _, f := range files {
		dir := outDir
		if dir == "" {
			dir = filepath.Dir(f.AbsPath)
		}
		dst := allocName(filepath.Join(dir, f.Base+ext), used)
		used[dst] = struct{}{}

		plans = append(plans, domain.ConversionPlan{
			Mode:   domain.ModeSideBySide,
			Codec:  codec,
			Source: f.AbsPath,
			Output: dst,
		})
	}
	return plans
}

// Conflict 检查计划的目标（Temp 或 Output）是否已被占用。
// 返回被占用的路径；未占用返回 ""。
func Conflict(plan domain.ConversionPlan) (string, error) {
	p := plan.Output
	if plan.Mode == domain.ModeInPlace {
		p = plan.Temp
	}
	if p == "" {
		return "", fmt.Errorf("计划缺少目标路径：%+v", plan)
	}
	_, err := os.Lstat(p)
	if err == nil {
		return p, nil
	}
	if os.IsNotExist(err) {
		return "", nil
	}
	return "", err
}

func allocName(p string, used map[string]struct{}) string {
	if _, ok := used[p]; !ok {
		return p
	}

	ext := filepath.Ext(p)
	base := strings.TrimSuffix(p, ext)

	for n := 2; ; n++ {
		cand := fmt.Sprintf("%s__%d%s", base, n, ext)
		if _, ok := used[cand]; !ok {
			return cand
		}
	}
}

// SortPlans 让上层在需要时可显式保证稳定顺序。
func SortPlans(plans []domain.ConversionPlan) {
	sort.SliceStable(plans, func(i, j int) bool { return plans[i].Source < plans[j].Source })
}

// IsBackup 判断 f 是否是一次原地转换留下的备份（<base>_temp<ext> 且 <base><ext> 存在）。
// 备份不再作为转换输入，否则重复运行会生成 _temp_temp。
func IsBackup(f domain.AudioFile) bool {
	if !strings.HasSuffix(f.Base, TempSuffix) {
		return false
	}
	dir := filepath.Dir(f.AbsPath)
	orig := strings.TrimSuffix(f.Base, TempSuffix) + filepath.Ext(f.AbsPath)
	_, err := os.Lstat(filepath.Join(dir, orig))
	return err == nil
}
