package scan

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/John-Robertt/DJAC/internal/domain"
)

// StateDir 是工具自己的工作目录（日志等），扫描时永久排除。
const StateDir = ".djac"

// 常用扩展名集合。
var (
	PCMExts      = []string{".aif", ".aiff", ".wav"}
	LosslessExts = []string{".wav", ".flac"}
	V0Exts       = []string{".aif", ".aiff", ".wav", ".flac"}
)

// Discover 扫描 root 下扩展名属于 exts 的文件。
//
// 规则：
// - 扩展名大小写不敏感；以 "." 开头的文件以完整文件名参与比较（".wav" 匹配，".x.wav" 不匹配）
// - recursive=false 只看 root 的直接子项
// - 永久排除 <root>/.djac/；excludeDirs 为相对 root 的路径（绝对路径按原样处理）
//
// 注意：扫描阶段只做 stat，不读文件内容。
func Discover(root string, exts []string, recursive bool, excludeDirs ...string) ([]domain.AudioFile, error) {
	root = filepath.Clean(root)
	want := extSet(exts)
	excluded := buildExcluded(root, excludeDirs)

	files := make([]domain.AudioFile, 0, 64)
	add := func(path string, d fs.DirEntry) error {
		name := d.Name()
		if _, ok := want[extOf(name)]; !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, domain.AudioFile{
			AbsPath: path,
			RelPath: rel,
			Base:    strings.TrimSuffix(name, filepath.Ext(name)),
			Ext:     strings.ToLower(filepath.Ext(name)),
			Size:    info.Size(),
		})
		return nil
	}

	if !recursive {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if err := add(filepath.Join(root, e.Name()), e); err != nil {
				return nil, err
			}
		}
	} else {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if isExcluded(path, excluded) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			return add(path, d)
		})
		if err != nil {
			return nil, err
		}
	}

	// 强制稳定输出，避免不同平台/文件系统行为差异带来的不确定性。
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, nil
}

func extOf(name string) string {
	if strings.HasPrefix(name, ".") {
		return name
	}
	return strings.ToLower(filepath.Ext(name))
}

func extSet(exts []string) map[string]struct{} {
	m := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		m[strings.ToLower(e)] = struct{}{}
	}
	return m
}

func buildExcluded(root string, excludeDirs []string) []string {
	excluded := make([]string, 0, 1+len(excludeDirs))
	excluded = append(excluded, filepath.Join(root, StateDir))

	for _, x := range excludeDirs {
		x = strings.TrimSpace(x)
		if x == "" {
			continue
		}
		if filepath.IsAbs(x) {
			excluded = append(excluded, filepath.Clean(x))
			continue
		}
		excluded = append(excluded, filepath.Clean(filepath.Join(root, x)))
	}

	sort.Strings(excluded)
	return excluded
}

func isExcluded(path string, excluded []string) bool {
	path = filepath.Clean(path)
	for _, base := range excluded {
		if isUnder(path, base) {
			return true
		}
	}
	return false
}

func isUnder(path, base string) bool {
	if path == base {
		return true
	}
	sep := string(filepath.Separator)
	return strings.HasPrefix(path, base+sep)
}
