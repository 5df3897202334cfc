package domain

// Mode 决定一次转换是原地替换还是旁路输出。
type Mode string

const (
	// ModeInPlace：源文件先 rename 到 Temp，再由编码器写回 Source。
	ModeInPlace Mode = "in_place"
	// ModeSideBySide：源文件不动，编码器写出新的 Output。
	ModeSideBySide Mode = "side_by_side"
)

// Codec 是编码器输出格式（决定参数表）。
type Codec string

const (
	// CodecPCM16 输出 16-bit PCM，容器由输出文件扩展名决定（aiff/wav）。
	CodecPCM16 Codec = "pcm16"
	// CodecMP3V0 输出 VBR V0 的 MP3。
	CodecMP3V0 Codec = "mp3_v0"
)

// ConversionPlan 是单个文件的转换计划。
//
// 约束：
// - 路径在任何文件系统变更之前确定，单次尝试期间不可变
// - TargetSampleRate 在探测之后由 policy 计算（计划阶段为 0）
// - Archive=true 表示 Temp 位于归档目录，转换成功后必须写 ledger 且禁止删除 Temp
type ConversionPlan struct {
	Mode  Mode
	Codec Codec

	Source string
	Temp   string // 仅 ModeInPlace
	Output string // 仅 ModeSideBySide

	TargetSampleRate int
	Archive          bool
}

// Dest 返回编码器要写入的路径。
func (p ConversionPlan) Dest() string {
	if p.Mode == ModeInPlace {
		return p.Source
	}
	return p.Output
}
