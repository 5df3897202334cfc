package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/John-Robertt/DJAC/internal/domain"
)

const collectionXML = `<?xml version="1.0" encoding="UTF-8"?>
<DJ_PLAYLISTS Version="1.0.0">
  <PRODUCT Name="rekordbox" Version="6.8.5" Company="AlphaTheta"/>
  <COLLECTION Entries="5">
    <TRACK TrackID="1" Name="Hi-Res" Artist="A &amp; B" Kind="WAV File" SampleRate="96000" BitRate="4608"
           Location="file://localhost/Users/dj/Music/Hi%20Res.wav">
      <TEMPO Inizio="0.025" Bpm="124.00" Metro="4/4" Battito="1"/>
      <POSITION_MARK Name="" Type="0" Start="0.025" Num="-1"/>
    </TRACK>
    <TRACK TrackID="2" Name="Fine" Artist="C" Kind="AIFF File" SampleRate="44100" BitRate="1411"
           Location="file://localhost/Users/dj/Music/fine.aiff"/>
    <TRACK TrackID="3" Name="Deep" Artist="D" Kind="AIFF File" SampleRate="44100" BitRate="2117"
           Location="file://localhost/Users/dj/Music/deep.aif"></TRACK>
    <TRACK TrackID="4" Name="Lossless" Artist="E" Kind="FLAC File" SampleRate="48000" BitRate="2304"
           Location="file://localhost/Users/dj/Music/e.flac"/>
    <TRACK TrackID="5" Name="Lossy" Artist="F" Kind="MP3 File" SampleRate="44100" BitRate="320"
           Location="file://localhost/Users/dj/Music/f.mp3"/>
    <TRACK TrackID="1" Name="Hi-Res" Kind="WAV File" SampleRate="96000" BitRate="4608"
           Location="file://localhost/Users/dj/Music/Hi%20Res.wav"/>
  </COLLECTION>
  <PLAYLISTS>
    <NODE Type="0" Name="ROOT" Count="1">
      <NODE Name="set" Type="1" KeyType="0" Entries="1">
        <TRACK Key="1"/>
      </NODE>
    </NODE>
  </PLAYLISTS>
</DJ_PLAYLISTS>
`

func TestParseRekordboxXML(t *testing.T) {
	tracks, err := ParseRekordboxXML(strings.NewReader(collectionXML))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(tracks) != 5 {
		t.Fatalf("期望 5 条（去重且不含播放列表引用），实际 %d：%+v", len(tracks), tracks)
	}
	first := tracks[0]
	if first.ID != "1" || first.Location != "/Users/dj/Music/Hi Res.wav" {
		t.Fatalf("Location 应被解码：%+v", first)
	}
	if first.Kind != "WAV File" || first.SampleRate != 96000 || first.BitRate != 4608 {
		t.Fatalf("属性不正确：%+v", first)
	}
	if first.Artist != "A & B" {
		t.Fatalf("实体应被解码：%q", first.Artist)
	}
}

// PRODUCT 与播放列表里的 TRACK 都是自闭合的；HTML 解析后它们不能把后续节点“吞”进
// COLLECTION，也不能让 TEMPO/POSITION_MARK 之后的曲目丢失属性。
const selfClosingXML = `<?xml version="1.0" encoding="UTF-8"?>
<DJ_PLAYLISTS Version="1.0.0">
  <PRODUCT Name="rekordbox" Version="7.0.4" Company="AlphaTheta"/>
  <COLLECTION Entries="3">
    <TRACK TrackID="10" Name="One" Kind="WAV File" SampleRate="88200" BitRate="4234"
           Location="file://localhost/M/one.wav">
      <TEMPO Inizio="0.1" Bpm="128.00" Metro="4/4" Battito="1"/>
      <TEMPO Inizio="30.1" Bpm="127.50" Metro="4/4" Battito="1" />
      <POSITION_MARK Name="drop" Type="0"
                     Start="64.0" Num="0" Red="40" Green="226" Blue="20"/>
      <POSITION_MARK Name="" Type="4" Start="1.0" End="9.0" Num="-1"/>
    </TRACK>
    <TRACK TrackID="11" Name="Two" Kind="AIFF File" SampleRate="44100" BitRate="1411"
           Location="file://localhost/M/two.aiff"></TRACK>
    <TRACK TrackID="12" Name="Three" Kind="FLAC File" SampleRate="96000" BitRate="4608"
           Location="file://localhost/M/three.flac">
      <POSITION_MARK Name="" Type="0" Start="0.5" Num="-1"/>
    </TRACK>
  </COLLECTION>
  <PLAYLISTS>
    <NODE Type="0" Name="ROOT" Count="2">
      <NODE Name="by id" Type="1" KeyType="0" Entries="2">
        <TRACK Key="10"/>
        <TRACK Key="12"/>
      </NODE>
      <NODE Name="by path" Type="1" KeyType="1" Entries="1">
        <TRACK Key="file://localhost/M/other.wav"/>
      </NODE>
    </NODE>
  </PLAYLISTS>
</DJ_PLAYLISTS>
`

func TestParseRekordboxXML_SelfClosingSiblingsDoNotNest(t *testing.T) {
	tracks, err := ParseRekordboxXML(strings.NewReader(selfClosingXML))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	var ids []string
	for _, tr := range tracks {
		ids = append(ids, tr.ID)
	}
	if strings.Join(ids, ",") != "10,11,12" {
		t.Fatalf("只应选中 COLLECTION 下的曲目且保持顺序：%v", ids)
	}

	last := tracks[2]
	if last.Location != "/M/three.flac" || last.Kind != "FLAC File" || last.SampleRate != 96000 || last.BitRate != 4608 {
		t.Fatalf("位于标记之后的曲目属性不完整：%+v", last)
	}
	if got := Unplayable(tracks); len(got) != 1 || got[0].ID != "10" {
		t.Fatalf("不可播放曲目应只有 10：%+v", got)
	}
	if got := FLACs(tracks); len(got) != 1 || got[0].ID != "12" {
		t.Fatalf("FLAC 应只有 12：%+v", got)
	}
}

func TestParseRekordboxXML_NotACollection(t *testing.T) {
	if _, err := ParseRekordboxXML(strings.NewReader("<html><body>nope</body></html>")); err == nil {
		t.Fatalf("期望错误")
	}
}

func TestLoadRekordboxXML_File(t *testing.T) {
	p := filepath.Join(t.TempDir(), "rekordbox.xml")
	if err := os.WriteFile(p, []byte(collectionXML), 0o644); err != nil {
		t.Fatalf("写入文件失败：%v", err)
	}
	tracks, err := LoadRekordboxXML(p)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(tracks) != 5 {
		t.Fatalf("期望 5 条，实际 %d", len(tracks))
	}
}

func TestBitDepthFromBitRate(t *testing.T) {
	cases := []struct{ kbps, sr, want int }{
		{1411, 44100, 16},
		{1536, 48000, 16},
		{2117, 44100, 24},
		{4608, 96000, 24},
		{6144, 96000, 32},
		{100, 0, 0},
	}
	for _, c := range cases {
		if got := BitDepthFromBitRate(c.kbps, c.sr); got != c.want {
			t.Fatalf("BitDepthFromBitRate(%d,%d)=%d，期望 %d", c.kbps, c.sr, got, c.want)
		}
	}
}

func TestUnplayableAndFLACs(t *testing.T) {
	tracks, err := ParseRekordboxXML(strings.NewReader(collectionXML))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	un := Unplayable(tracks)
	if len(un) != 2 || un[0].ID != "1" || un[1].ID != "3" {
		t.Fatalf("期望 1（96k）与 3（24-bit）不可播放：%+v", un)
	}
	if n := len(PCM(tracks)); n != 3 {
		t.Fatalf("期望 3 条 WAV/AIFF，实际 %d", n)
	}
	fl := FLACs(tracks)
	if len(fl) != 1 || fl[0].ID != "4" {
		t.Fatalf("期望 1 条 FLAC：%+v", fl)
	}
}

func TestLocationToPath(t *testing.T) {
	cases := map[string]string{
		"file://localhost/Users/x/My%20Song.wav":  "/Users/x/My Song.wav",
		"file://localhost/C:/Music/a+b.aiff":      "C:/Music/a+b.aiff",
		"file://localhost/Users/x/%E9%9F%B3.flac": "/Users/x/音.flac",
	}
	for in, want := range cases {
		got, err := LocationToPath(in)
		if err != nil || got != want {
			t.Fatalf("LocationToPath(%q)=%q,%v，期望 %q", in, got, err, want)
		}
	}
	if _, err := LocationToPath("http://example.com/a.wav"); err == nil {
		t.Fatalf("非 file URL 应返回错误")
	}
}

func TestWriteM3U(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "lists", "converted_flacs.m3u")
	paths := []domain.Track{{Location: "/a/x.aiff"}, {Location: "/b/y.aiff"}}
	var ps []string
	for _, p := range paths {
		ps = append(ps, p.Location)
	}
	if err := WriteM3U(ps, dst); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	b, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("读取失败：%v", err)
	}
	if string(b) != "/a/x.aiff\n/b/y.aiff\n" {
		t.Fatalf("m3u 内容不正确：%q", string(b))
	}
}
