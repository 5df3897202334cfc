package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/John-Robertt/DJAC/internal/app/run"
	"github.com/John-Robertt/DJAC/internal/config"
	"github.com/John-Robertt/DJAC/internal/domain"
	"github.com/John-Robertt/DJAC/internal/infra/fsx"
	"github.com/John-Robertt/DJAC/internal/scan"
)

// ReportName 是 apply 模式下落盘的报告文件名（位于 <path>/.djac/）。
const ReportName = "report.json"

func main() {
	args := os.Args[1:]
	if len(args) == 0 || isHelp(args[0]) {
		printUsage(os.Stdout)
		return
	}

	if _, ok := commandFlags[args[0]]; !ok {
		fmt.Fprintf(os.Stderr, "未知命令：%q\n\n", args[0])
		printUsage(os.Stderr)
		os.Exit(2)
	}
	if code := runCmd(args[0], args[1:]); code != 0 {
		os.Exit(code)
	}
}

func runCmd(name string, args []string) int {
	for _, a := range args {
		if isHelp(a) {
			printUsage(os.Stdout)
			return 0
		}
	}

	ca, err := parseArgs(name, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printUsage(os.Stderr)
		return 2
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return 1
	}
	cwdAbs, _ := filepath.Abs(cwd)

	eff, err := config.LoadEffective(cwd, ca.CLI)
	if err != nil {
		emitReport(reportForConfigError(cwdAbs, ca, err))
		return 1
	}

	progressW, interactive := pickProgressWriter()
	logger := newLogger(eff, interactive)

	var obs run.Observer
	var ui *progressUI
	if interactive {
		ui = newProgressUI(progressW)
		obs = ui
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := run.Command{
		Name:   ca.Command,
		XML:    absFrom(cwdAbs, ca.XML),
		Ledger: absFrom(cwdAbs, ca.Ledger),
	}
	rr := run.Execute(ctx, cmd, eff, run.DefaultDeps(eff, logger), obs)
	rr.RunID = uuid.NewString()
	if ui != nil {
		ui.Close()
	}

	// apply：写入 <path>/.djac/report.json；dry-run 不落盘。
	if eff.Apply {
		if err := writeReportFile(eff.Path, rr); err != nil {
			fmt.Fprintf(os.Stderr, "写入 %s 失败：%v\n", ReportName, err)
			emitReport(rr)
			return 1
		}
	}

	emitReport(rr)
	if interactive {
		emitLocations(progressW, eff)
	}
	if rr.Summary.Failed == 0 {
		return 0
	}
	return 1
}

// cliArgs 是一次调用解析后的参数。
type cliArgs struct {
	Command string
	CLI     config.CLIArgs
	XML     string
	Ledger  string
}

// commandFlags 列出每个子命令接受的参数。
var commandFlags = map[string][]string{
	run.CmdFix16:     {"recursive", "delete", "apply"},
	run.CmdAIFF:      {"recursive", "delete", "out", "apply"},
	run.CmdPlayable:  {"recursive", "delete", "out", "apply"},
	run.CmdV0:        {"delete", "out", "apply"},
	run.CmdRekordbox: {"archive", "xml", "apply"},
	run.CmdRevert:    {"ledger", "apply"},
}

var boolFlags = map[string]bool{"recursive": true, "delete": true, "apply": true}

func parseArgs(name string, args []string) (cliArgs, error) {
	allowed, ok := commandFlags[name]
	if !ok {
		return cliArgs{}, fmt.Errorf("未知命令 %q", name)
	}
	ca := cliArgs{Command: name}

	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "-") {
			if ca.CLI.Path != "" {
				return cliArgs{}, fmt.Errorf("重复的 path：%q 与 %q", ca.CLI.Path, a)
			}
			ca.CLI.Path = a
			continue
		}

		key, val, hasVal := strings.Cut(strings.TrimPrefix(a, "--"), "=")
		if !strings.HasPrefix(a, "--") || !contains(allowed, key) {
			return cliArgs{}, fmt.Errorf("%s 不支持参数 %q", name, a)
		}

		if boolFlags[key] {
			b := true
			if hasVal {
				switch val {
				case "true":
				case "false":
					b = false
				default:
					return cliArgs{}, fmt.Errorf("--%s 只能是 true 或 false，实际是 %q", key, val)
				}
			}
			switch key {
			case "recursive":
				ca.CLI.Recursive, ca.CLI.RecursiveSet = b, true
			case "delete":
				ca.CLI.Delete, ca.CLI.DeleteSet = b, true
			case "apply":
				ca.CLI.Apply, ca.CLI.ApplySet = b, true
			}
			continue
		}

		if !hasVal {
			if i+1 >= len(args) {
				return cliArgs{}, fmt.Errorf("--%s 需要一个值", key)
			}
			i++
			val = args[i]
		}
		if strings.TrimSpace(val) == "" {
			return cliArgs{}, fmt.Errorf("--%s 不能为空", key)
		}
		switch key {
		case "out":
			ca.CLI.OutDir = val
		case "archive":
			ca.CLI.ArchiveDir = val
		case "xml":
			ca.XML = val
		case "ledger":
			ca.Ledger = val
		}
	}

	switch name {
	case run.CmdRekordbox, run.CmdRevert:
		// 这两个命令的输入来自曲库/账本；path 只决定配置与日志位置。
		if ca.CLI.Path == "" {
			ca.CLI.Path = "."
		}
	}
	if name == run.CmdRevert && ca.Ledger == "" {
		return cliArgs{}, fmt.Errorf("revert 需要 --ledger")
	}
	return ca, nil
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `用法：
  djac fix16     [path] [--recursive] [--delete] [--apply[=true|false]]
  djac aiff      [path] [--recursive] [--delete] [--out DIR] [--apply]
  djac playable  [path] [--recursive] [--delete] [--out DIR] [--apply]
  djac v0        [path] [--delete] [--out DIR] [--apply]
  djac rekordbox [path] --archive DIR --xml FILE [--apply]
  djac revert    [path] --ledger FILE [--apply]

命令：
  fix16      AIFF/WAV 原地转为 16 位（原文件保留为 <名字>_temp<扩展名>）
  aiff       WAV/FLAC 转为同名 .aiff
  playable   依次执行 fix16 与 aiff
  v0         目录下（不递归）的无损文件导出 MP3 V0
  rekordbox  按曲库 XML 转换不可播放曲目，原文件移入归档并记账
  revert     按账本把归档文件移回原位置

参数：
  --recursive  递归子目录
  --delete     成功后删除遗留文件（备份或源文件）
  --out        输出目录（默认写在源文件旁边）
  --apply      执行转换（默认 dry-run，只探测并给出计划）
  -h, --help   显示帮助

配置文件：<path>/djac.json（CLI 参数优先）
`)
}

// newLogger 构造应用日志：apply 时写入 app_log（每条记录追加后关闭），
// 没有交互进度条时同时写 stderr。
func newLogger(eff config.EffectiveConfig, interactive bool) *slog.Logger {
	var ws []io.Writer
	if eff.Apply && eff.AppLog != "" {
		ws = append(ws, appendWriter{path: eff.AppLog})
	}
	if !interactive {
		ws = append(ws, os.Stderr)
	}
	if len(ws) == 0 {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(io.MultiWriter(ws...), &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// appendWriter 每次 Write 都 open-append-close，进程被杀也不会留下半开的句柄。
type appendWriter struct{ path string }

func (w appendWriter) Write(p []byte) (int, error) {
	if err := fsx.AppendFile(w.path, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func summaryLine(s domain.ReportSummary) string {
	return fmt.Sprintf("完成：succeeded=%d skipped=%d failed=%d planned=%d deleted=%d",
		s.Succeeded, s.Skipped, s.Failed, s.Planned, s.Deleted)
}

func emitReport(rr domain.RunReport) {
	if isTTY(os.Stdout) {
		fmt.Fprintln(os.Stdout, summaryLine(rr.Summary))
		if rr.Summary.Failed > 0 {
			for _, it := range rr.Items {
				if it.Status != domain.StatusFailed {
					continue
				}
				key := it.Src
				if key == "" {
					key = "<" + rr.Command + ">"
				}
				fmt.Fprintf(os.Stderr, "%s %s: %s\n", key, it.ErrorCode, it.ErrorMsg)
			}
		}
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 RunReport JSON（日志/摘要走 stderr）。
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(rr)
	fmt.Fprintln(os.Stderr, summaryLine(rr.Summary))
}

func reportForConfigError(cwdAbs string, ca cliArgs, err error) domain.RunReport {
	now := time.Now().UTC()
	rr := domain.RunReport{
		RunID:      uuid.NewString(),
		Command:    ca.Command,
		Path:       cwdAbs,
		DryRun:     !(ca.CLI.ApplySet && ca.CLI.Apply),
		StartedAt:  now,
		FinishedAt: now,
		Items: []domain.ItemResult{{
			Status:    domain.StatusFailed,
			ErrorCode: config.Code(err),
			ErrorMsg:  err.Error(),
		}},
	}
	rr.Finalize()
	return rr
}

func writeReportFile(root string, rr domain.RunReport) error {
	b, err := json.MarshalIndent(rr, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return fsx.WriteFileAtomicReplace(filepath.Join(root, scan.StateDir), ReportName, b)
}

func absFrom(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func pickProgressWriter() (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if isTTY(os.Stderr) {
		return os.Stderr, true
	}
	if isTTY(os.Stdout) {
		return os.Stdout, true
	}
	return nil, false
}

func emitLocations(w io.Writer, eff config.EffectiveConfig) {
	if w == nil {
		return
	}
	if eff.Apply {
		fmt.Fprintf(w, "report: %s\n", filepath.Join(eff.Path, scan.StateDir, ReportName))
		fmt.Fprintf(w, "log: %s\n", eff.AppLog)
		fmt.Fprintf(w, "ffmpeg log: %s\n", eff.DiagLog)
	}
	if eff.OutDir != "" {
		fmt.Fprintf(w, "out: %s\n", eff.OutDir)
	}
}
