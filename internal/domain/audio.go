package domain

// AudioInfo 是一次探测得到的音频格式描述。
//
// 约束：
// - SampleRate/BitDepth 为 0 表示 unknown（探测失败不是错误，而是可表示的结果）
// - 只对探测那一刻的 Path 有效：文件一旦被 rename/重写，描述即过期，必须重新探测
type AudioInfo struct {
	Path       string
	SampleRate int
	BitDepth   int
}

// Known 表示采样率与位深都已确定。
func (a AudioInfo) Known() bool {
	return a.SampleRate > 0 && a.BitDepth > 0
}

// AudioFile 描述一次扫描得到的音频文件（只做 stat，不读内容）。
//
// 不变量：AbsPath 必须是 clean + absolute。
type AudioFile struct {
	AbsPath string
	RelPath string
	Base    string // filename without ext
	Ext     string // ".wav"（小写）
	Size    int64
}

// Track 是从曲库目录（例如 Rekordbox XML）读出的最小曲目形态。
// 核心流程只依赖这几个字段，不依赖曲库的完整对象。
type Track struct {
	ID         string
	Location   string // 绝对路径（已从 file:// URL 解码）
	Kind       string // 例如 "WAV File" / "AIFF File" / "FLAC File"
	SampleRate int
	BitRate    int // kbps，曲库声明值
	Name       string
	Artist     string
}
