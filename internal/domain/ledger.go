package domain

import "time"

// LedgerRecord 是一次成功归档转换的持久记录（追加写入，是回滚批次的唯一依据）。
//
// 不变量：只有当 Archive 处确实存在文件时才允许写入。
type LedgerRecord struct {
	Time          time.Time
	Original      string
	Archive       string
	InSampleRate  int
	OutSampleRate int
	InBitDepth    int
	OutBitDepth   int
}
