package domain

import (
	"encoding/json"
	"sort"
	"time"
)

const (
	StatusConverted = "converted"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
	StatusPlanned   = "planned"
)

const (
	ErrCodeProbeUnknown          = "probe_unknown"
	ErrCodeUnsupportedSampleRate = "unsupported_sample_rate"
	ErrCodeEncoderFailed         = "encoder_failed"
	ErrCodeEncoderTimeout        = "encoder_timeout"
	ErrCodeFSInvariant           = "fs_invariant"
	ErrCodeFileNotFound          = "file_not_found"
	ErrCodeTargetConflict        = "target_conflict"
	ErrCodeAlreadyAcceptable     = "already_acceptable"
	ErrCodeLedgerFailed          = "ledger_failed"
	ErrCodeLedgerMalformed       = "ledger_malformed"
	ErrCodeArchiveMissing        = "archive_missing"
	ErrCodeDeleteFailed          = "delete_failed"
	ErrCodeIOFailed              = "io_failed"
	ErrCodeCanceled              = "canceled"
	ErrCodeConfigNotFound        = "config_not_found"
	ErrCodeConfigInvalid         = "config_invalid"
	ErrCodeConfigMissingPath     = "config_missing_path"
)

// RunReport 是对外稳定输出（stdout JSON）的结构。
type RunReport struct {
	RunID   string `json:"run_id"`
	Command string `json:"command"`
	Path    string `json:"path"`
	DryRun  bool   `json:"dry_run"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Summary ReportSummary `json:"summary"`
	Items   []ItemResult  `json:"items"`
}

type ReportSummary struct {
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Planned   int `json:"planned"`
	Deleted   int `json:"deleted"`
}

type ItemResult struct {
	Src  string `json:"src"`
	Dst  string `json:"dst"`
	Temp string `json:"temp,omitempty"`
	Mode Mode   `json:"mode"`

	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`

	Before Format `json:"before"`
	After  Format `json:"after"`

	Deleted string `json:"deleted,omitempty"` // 成功后被删除的遗留文件
}

// Format 是 report 中的采样率/位深（0 表示 unknown）。
type Format struct {
	SampleRate int `json:"sample_rate"`
	BitDepth   int `json:"bit_depth"`
}

func FormatOf(a AudioInfo) Format {
	return Format{SampleRate: a.SampleRate, BitDepth: a.BitDepth}
}

// Finalize 做三件事：
// 1) 时间统一为 UTC
// 2) items 稳定排序：按 src 字典序；src=="" 的合成条目排在最后
// 3) summary 由 items 计算得出
func (r *RunReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	sort.SliceStable(r.Items, func(i, j int) bool {
		a := r.Items[i].Src
		b := r.Items[j].Src
		if a == "" {
			return false
		}
		if b == "" {
			return true
		}
		return a < b
	})

	var s ReportSummary
	for _, it := range r.Items {
		switch it.Status {
		case StatusConverted:
			s.Succeeded++
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		case StatusPlanned:
			s.Planned++
		}
		if it.Deleted != "" {
			s.Deleted++
		}
	}
	r.Summary = s
}

// MarshalJSON 集中约束输出的稳定性：nil items 输出为 []。
func (r RunReport) MarshalJSON() ([]byte, error) {
	type Alias RunReport
	a := Alias(r)
	if a.Items == nil {
		a.Items = []ItemResult{}
	}
	return json.Marshal(a)
}
