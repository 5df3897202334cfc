// Package ledger 维护归档转换的追加式 CSV 账本，并按账本把归档文件移回原位置。
//
// 格式：每行一条记录，无表头：
//
//	timestamp,original,archive,in_sr,out_sr,in_bd,out_bd
//
// 每次写入都是 open-append-close，不持有长期句柄。
package ledger

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/John-Robertt/DJAC/internal/domain"
	"github.com/John-Robertt/DJAC/internal/infra/fsx"
)

// FileName 是归档目录下账本的默认文件名。
const FileName = "converted.csv"

// TimeLayout 是 timestamp 列的格式（本地时间，微秒精度）。
const TimeLayout = "2006-01-02 15:04:05.000000"

// Fields 是一条完整记录的列数；少于该列数的行视为格式错误。
const Fields = 7

// ErrArchiveMissing 表示写入时归档位置没有文件（不允许写入）。
var ErrArchiveMissing = errors.New("归档文件不存在")

var renameFunc = fsx.Rename

// PathIn 返回 archiveDir 下的默认账本路径。
func PathIn(archiveDir string) string {
	return filepath.Join(archiveDir, FileName)
}

// Ledger 是一个账本文件。
type Ledger struct {
	Path string
}

// Append 追加一条记录。Archive 处必须确实存在文件。
func (l Ledger) Append(rec domain.LedgerRecord) error {
	ok, err := fsx.Exists(rec.Archive)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w：%s", ErrArchiveMissing, rec.Archive)
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}

	line, err := encode(rec)
	if err != nil {
		return err
	}
	return fsx.AppendFile(l.Path, line)
}

func encode(rec domain.LedgerRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	err := w.Write([]string{
		rec.Time.Local().Format(TimeLayout),
		rec.Original,
		rec.Archive,
		strconv.Itoa(rec.InSampleRate),
		strconv.Itoa(rec.OutSampleRate),
		strconv.Itoa(rec.InBitDepth),
		strconv.Itoa(rec.OutBitDepth),
	})
	if err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Entry 是账本中的一行。Err 非空表示该行格式错误（其余行不受影响）。
type Entry struct {
	Line   int
	Record domain.LedgerRecord
	Err    error
}

// Read 按文件顺序读出所有非空行。
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readFrom(f)
}

func readFrom(r io.Reader) ([]Entry, error) {
	var out []Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := decode(line)
		out = append(out, Entry{Line: n, Record: rec, Err: err})
	}
	if err := sc.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// decode 逐行解析：单行的引号错误不会影响后续行。
func decode(line string) (domain.LedgerRecord, error) {
	cr := csv.NewReader(strings.NewReader(line))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	fields, err := cr.Read()
	if err != nil {
		return domain.LedgerRecord{}, err
	}
	if len(fields) < Fields {
		return domain.LedgerRecord{}, fmt.Errorf("列数不足：期望 %d，实际 %d", Fields, len(fields))
	}

	rec := domain.LedgerRecord{Original: fields[1], Archive: fields[2]}
	if rec.Original == "" || rec.Archive == "" {
		return domain.LedgerRecord{}, errors.New("original/archive 为空")
	}
	// 数值列仅供展示：解析失败按 unknown 处理，不影响回滚。
	if t, err := time.ParseInLocation(TimeLayout, fields[0], time.Local); err == nil {
		rec.Time = t
	}
	rec.InSampleRate = atoi(fields[3])
	rec.OutSampleRate = atoi(fields[4])
	rec.InBitDepth = atoi(fields[5])
	rec.OutBitDepth = atoi(fields[6])
	return rec, nil
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

// Revert 按账本顺序把归档文件移回原位置（覆盖原位置上的文件）。
//
// - 归档文件不存在：跳过（通常是已回滚过）
// - 格式错误的行：跳过，不中断
// - 移动失败（含跨盘 EXDEV）：记为失败，继续下一行
//
// apply=false 时只报告将要恢复的行（planned），不移动任何文件。
// 每行对应一个 ItemResult；只有账本本身无法读取时才返回 error。
func Revert(path string, apply bool, log *slog.Logger) ([]domain.ItemResult, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	entries, err := Read(path)
	if err != nil {
		return nil, err
	}

	items := make([]domain.ItemResult, 0, len(entries))
	for _, e := range entries {
		if e.Err != nil {
			log.Warn("跳过格式错误的账本行", "ledger", path, "line", e.Line, "err", e.Err)
			items = append(items, domain.ItemResult{
				Status:    domain.StatusSkipped,
				ErrorCode: domain.ErrCodeLedgerMalformed,
				ErrorMsg:  fmt.Sprintf("第 %d 行：%v", e.Line, e.Err),
			})
			continue
		}
		items = append(items, restore(e.Record, apply, log))
	}
	return items, nil
}

func restore(rec domain.LedgerRecord, apply bool, log *slog.Logger) domain.ItemResult {
	it := domain.ItemResult{
		Src:    rec.Archive,
		Dst:    rec.Original,
		Before: domain.Format{SampleRate: rec.OutSampleRate, BitDepth: rec.OutBitDepth},
		After:  domain.Format{SampleRate: rec.InSampleRate, BitDepth: rec.InBitDepth},
	}

	ok, err := fsx.Exists(rec.Archive)
	if err != nil {
		it.Status = domain.StatusFailed
		it.ErrorCode = domain.ErrCodeFSInvariant
		it.ErrorMsg = err.Error()
		log.Error("检查归档文件失败", "archive", rec.Archive, "err", err)
		return it
	}
	if !ok {
		it.Status = domain.StatusSkipped
		it.ErrorCode = domain.ErrCodeArchiveMissing
		log.Debug("归档文件不存在，跳过", "archive", rec.Archive)
		return it
	}
	if !apply {
		it.Status = domain.StatusPlanned
		return it
	}

	if err := renameFunc(rec.Archive, rec.Original); err != nil {
		it.Status = domain.StatusFailed
		it.ErrorCode = domain.ErrCodeFSInvariant
		it.ErrorMsg = err.Error()
		log.Error("恢复失败", "archive", rec.Archive, "original", rec.Original, "err", err)
		return it
	}

	it.Status = domain.StatusConverted
	log.Info(fmt.Sprintf("已从归档恢复 %q", filepath.Base(rec.Original)), "original", rec.Original)
	return it
}
