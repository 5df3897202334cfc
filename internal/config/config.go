package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/John-Robertt/DJAC/internal/encoder"
)

// FileName 是配置文件名（位于目标目录或 cwd）。
const FileName = "djac.json"

const (
	// ErrCodeNotFound 表示未给 path 且 cwd 下没有 djac.json。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
	// ErrCodeMissingPath 表示未给 path 且配置文件缺少 path 字段。
	ErrCodeMissingPath = "config_missing_path"
)

const (
	DefaultFFmpeg         = "ffmpeg"
	DefaultEncoderTimeout = encoder.DefaultTimeout
	DefaultDiagLog        = ".djac/ffmpeg.log"
	DefaultAppLog         = ".djac/djac.log"
)

// CLIArgs 是 CLI 暴露的入口，并保留“是否显式指定”的信息。
// 这能保证覆盖优先级可实现：例如 --apply=false 必须能覆盖 config.apply=true。
type CLIArgs struct {
	Path string

	Apply    bool
	ApplySet bool

	Recursive    bool
	RecursiveSet bool

	Delete    bool
	DeleteSet bool

	OutDir     string
	ArchiveDir string
}

// FileConfig 对应 djac.json 的解析结构。
type FileConfig struct {
	Path           string `json:"path"`
	Apply          *bool  `json:"apply"`
	Recursive      *bool  `json:"recursive"`
	DeleteAfter    *bool  `json:"delete_after"`
	FFmpeg         string `json:"ffmpeg"`
	EncoderTimeout string `json:"encoder_timeout"`
	DiagLog        string `json:"diag_log"`
	AppLog         string `json:"app_log"`
	OutDir         string `json:"out_dir"`
	ArchiveDir     string `json:"archive_dir"`
}

// EffectiveConfig 是合并并做最小规范化后的最终配置（路径均为 clean + absolute）。
type EffectiveConfig struct {
	Path string

	Apply       bool
	Recursive   bool
	DeleteAfter bool

	FFmpeg         string
	EncoderTimeout time.Duration // 0 表示不限时

	DiagLog string
	AppLog  string

	OutDir     string // 空表示输出写在源文件旁边
	ArchiveDir string
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeMissingPath:
		return fmt.Sprintf("%s：配置文件 %q 缺少必填字段 path", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 发现并读取配置文件，然后与 CLI 参数合并为最终配置。
//
// 发现规则：
// 1) CLI 提供 path：尝试读取 <path>/djac.json（可选）
// 2) CLI 未提供 path：必须读取 <cwd>/djac.json（必选），且其中必须包含 path
//
// 覆盖优先级：CLI > config > 默认值。相对路径（日志/输出/归档）以 path 为基准。
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	if strings.TrimSpace(cli.Path) != "" {
		absPath := absCleanFrom(cwdAbs, cli.Path)
		cfgPath := filepath.Join(absPath, FileName)

		fc, _, err := readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		return merge(cwdAbs, absPath, cli, fc, cfgPath)
	}

	cfgPath := filepath.Join(cwdAbs, FileName)
	fc, exists, err := readFileConfig(cfgPath)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	if !exists {
		return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
	}
	if strings.TrimSpace(fc.Path) == "" {
		return EffectiveConfig{}, &Error{Code: ErrCodeMissingPath, Path: cfgPath}
	}

	absPath := absCleanFrom(cwdAbs, fc.Path)
	return merge(cwdAbs, absPath, cli, fc, cfgPath)
}

func merge(cwdAbs, absPath string, cli CLIArgs, fc FileConfig, cfgPath string) (EffectiveConfig, error) {
	eff := EffectiveConfig{
		Path:           absPath,
		Apply:          pick(cli.ApplySet, cli.Apply, fc.Apply),
		Recursive:      pick(cli.RecursiveSet, cli.Recursive, fc.Recursive),
		DeleteAfter:    pick(cli.DeleteSet, cli.Delete, fc.DeleteAfter),
		FFmpeg:         DefaultFFmpeg,
		EncoderTimeout: DefaultEncoderTimeout,
	}

	if s := strings.TrimSpace(fc.FFmpeg); s != "" {
		eff.FFmpeg = s
	}

	if s := strings.TrimSpace(fc.EncoderTimeout); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("encoder_timeout 无效：%w", err)}
		}
		if d < 0 {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("encoder_timeout 不能为负：%q", s)}
		}
		eff.EncoderTimeout = d
	}

	eff.DiagLog = absCleanFrom(absPath, orDefault(fc.DiagLog, DefaultDiagLog))
	eff.AppLog = absCleanFrom(absPath, orDefault(fc.AppLog, DefaultAppLog))

	// CLI 给出的目录以 cwd 为基准；配置文件里的以 path 为基准。
	if strings.TrimSpace(cli.OutDir) != "" {
		eff.OutDir = absCleanFrom(cwdAbs, cli.OutDir)
	} else {
		eff.OutDir = absCleanFrom(absPath, fc.OutDir)
	}
	if strings.TrimSpace(cli.ArchiveDir) != "" {
		eff.ArchiveDir = absCleanFrom(cwdAbs, cli.ArchiveDir)
	} else {
		eff.ArchiveDir = absCleanFrom(absPath, fc.ArchiveDir)
	}

	if eff.OutDir != "" && eff.OutDir == eff.Path {
		eff.OutDir = ""
	}
	return eff, nil
}

func pick(set, cliVal bool, fileVal *bool) bool {
	if set {
		return cliVal
	}
	if fileVal != nil {
		return *fileVal
	}
	return false
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
// - p 为空：返回 ""
// - p 若已是绝对路径：直接 Clean
// - p 若是相对路径：Join(base, p) 后 Clean
func absCleanFrom(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = filepath.Clean(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析 JSON 配置文件。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	if err := json.Unmarshal(b, &fc); err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
