package run

import (
	"time"

	"github.com/John-Robertt/DJAC/internal/config"
	"github.com/John-Robertt/DJAC/internal/domain"
)

// Observer 用于把“运行进度/阶段/条目结果”从核心执行流程中解耦出来。
//
// 约束：
// - run 包只负责发事件，不做任何输出（避免污染 stdout 的 JSON 契约）。
// - 事件按文件顺序串行发出（一次只处理一个文件）。
type Observer interface {
	// OnStart 在 Execute 开始时调用（应尽量早，保证用户 1 秒内看到输出）。
	OnStart(command string, eff config.EffectiveConfig)
	// OnPhaseDone 在阶段结束/就绪时调用（用于打印阶段统计与耗时）。
	OnPhaseDone(name string, fields map[string]any, dur time.Duration)
	// OnItemStart 在开始处理某个文件前调用。
	OnItemStart(idx, total int, src string)
	// OnItemDone 在某个文件处理完成时调用（用于每条结果的一行输出）。
	OnItemDone(idx, total int, res domain.ItemResult, dur time.Duration)
}

type nopObserver struct{}

func (nopObserver) OnStart(string, config.EffectiveConfig)                {}
func (nopObserver) OnPhaseDone(string, map[string]any, time.Duration)     {}
func (nopObserver) OnItemStart(int, int, string)                          {}
func (nopObserver) OnItemDone(int, int, domain.ItemResult, time.Duration) {}
