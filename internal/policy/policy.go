// Package policy 判断一个 (采样率, 位深) 是否可被播放设备直接接受，以及应转换到的目标采样率。
//
// 播放端只接受 44.1/48 kHz、16-bit。降采样只做整数倍（/2、/4），保持时钟整数关系，避免同步问题。
package policy

import (
	"errors"
	"fmt"
)

// AcceptedBitDepth 是唯一可接受的位深。
const AcceptedBitDepth = 16

// ErrUnsupportedSampleRate 表示采样率没有映射表项；该文件的转换必须停止，不允许猜测。
var ErrUnsupportedSampleRate = errors.New("unsupported sample rate")

// SampleRateError 携带无法映射的采样率。
type SampleRateError struct {
	SampleRate int
}

func (e *SampleRateError) Error() string {
	return fmt.Sprintf("无法映射采样率 %dHz（仅支持 44100/48000/88200/96000/192000）", e.SampleRate)
}

func (e *SampleRateError) Unwrap() error { return ErrUnsupportedSampleRate }

var targets = map[int]int{
	44100:  44100,
	48000:  48000,
	88200:  44100,
	96000:  48000,
	192000: 48000,
}

// IsAcceptedSampleRate 判断采样率是否可直接播放。
func IsAcceptedSampleRate(sampleRate int) bool {
	return sampleRate == 44100 || sampleRate == 48000
}

// IsAcceptable 当且仅当 bitDepth==16 且采样率 ∈ {44100, 48000}。unknown（<=0）永远不可接受。
func IsAcceptable(sampleRate, bitDepth int) bool {
	return bitDepth == AcceptedBitDepth && IsAcceptedSampleRate(sampleRate)
}

// TargetSampleRate 返回应转换到的采样率；无映射时返回 *SampleRateError（errors.Is ErrUnsupportedSampleRate）。
func TargetSampleRate(sampleRate int) (int, error) {
	t, ok := targets[sampleRate]
	if !ok {
		return 0, &SampleRateError{SampleRate: sampleRate}
	}
	return t, nil
}
