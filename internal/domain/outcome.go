package domain

// OutcomeKind 是单个文件转换的终态。
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeSkipped OutcomeKind = "skipped"
	OutcomeFailed  OutcomeKind = "failed"
)

// Outcome 是 SafeConvert 对单个文件给出的结果（每个输入文件恰好一个）。
type Outcome struct {
	Kind      OutcomeKind
	ErrorCode string // Failed/Skipped 时的原因码
	Reason    string // 人类可读原因

	// Diagnostic 是编码器的合并输出（仅 Failed 且由编码器引起时非空）。
	Diagnostic string

	Before AudioInfo // 转换前（探测结果）
	After  AudioInfo // 转换后（目标格式；Success 时有效）

	// Leftover 是成功后可由上层决定删除的产物：
	// ModeInPlace 为 Temp 备份，ModeSideBySide 为源文件。
	Leftover string
}

func Success(before, after AudioInfo, leftover string) Outcome {
	return Outcome{Kind: OutcomeSuccess, Before: before, After: after, Leftover: leftover}
}

func Skipped(code, reason string, before AudioInfo) Outcome {
	return Outcome{Kind: OutcomeSkipped, ErrorCode: code, Reason: reason, Before: before}
}

func Failed(code, reason string, before AudioInfo) Outcome {
	return Outcome{Kind: OutcomeFailed, ErrorCode: code, Reason: reason, Before: before}
}
