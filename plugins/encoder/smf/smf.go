package smf

import (
	"encoding/binary"
	"fmt"

	"atmgen/pkg/contract"
)

// Options: SMF 编码参数。零值字段使用默认值。
type Options struct {
	// TicksPerQuarter: 每四分音符 tick 数（1..127，保证 delta 为单字节 VLQ）。默认 96。
	TicksPerQuarter int `json:"ticks_per_quarter,omitempty"`
	// Velocity: 力度（1..127）。默认 100。
	Velocity int `json:"velocity,omitempty"`
	// Channel: MIDI 通道（0..15）。默认 0。
	Channel int `json:"channel,omitempty"`
}

const (
	headerLen   = 14 // MThd + len + format + ntrks + division
	trackHdrLen = 8  // MTrk + len
	perNote     = 8  // note-on(4) + note-off(4)
	endOfTrack  = 4  // 00 FF 2F 00
)

// Encoder: 格式 0、单轨，每个音为一个四分音符。
type Encoder struct {
	ticks    byte
	velocity byte
	channel  byte
}

// New 校验并构造编码器。
func New(opts *Options) (*Encoder, error) {
	o := Options{TicksPerQuarter: 96, Velocity: 100}
	if opts != nil {
		if opts.TicksPerQuarter != 0 {
			o.TicksPerQuarter = opts.TicksPerQuarter
		}
		if opts.Velocity != 0 {
			o.Velocity = opts.Velocity
		}
		o.Channel = opts.Channel
	}
	if o.TicksPerQuarter < 1 || o.TicksPerQuarter > 127 {
		return nil, fmt.Errorf("%w: ticks_per_quarter must be in 1..127, got %d", contract.ErrInvalidInput, o.TicksPerQuarter)
	}
	if o.Velocity < 1 || o.Velocity > 127 {
		return nil, fmt.Errorf("%w: velocity must be in 1..127, got %d", contract.ErrInvalidInput, o.Velocity)
	}
	if o.Channel < 0 || o.Channel > 15 {
		return nil, fmt.Errorf("%w: channel must be in 0..15, got %d", contract.ErrInvalidInput, o.Channel)
	}
	return &Encoder{ticks: byte(o.TicksPerQuarter), velocity: byte(o.Velocity), channel: byte(o.Channel)}, nil
}

var (
	_ contract.Encoder    = (*Encoder)(nil)
	_ contract.FixedSizer = (*Encoder)(nil)
)

// PayloadSize: 26 + 8·L，与音高无关。
func (e *Encoder) PayloadSize(l int) (int, bool) {
	return headerLen + trackHdrLen + perNote*l + endOfTrack, true
}

// Encode 渲染一个完整的 SMF 文件。
func (e *Encoder) Encode(m contract.Melody) ([]byte, error) {
	if len(m) == 0 {
		return nil, fmt.Errorf("%w: empty melody", contract.ErrInvalidInput)
	}
	size, _ := e.PayloadSize(len(m))
	buf := make([]byte, 0, size)

	buf = append(buf, "MThd"...)
	buf = binary.BigEndian.AppendUint32(buf, 6)
	buf = binary.BigEndian.AppendUint16(buf, 0) // format 0
	buf = binary.BigEndian.AppendUint16(buf, 1) // 1 track
	buf = binary.BigEndian.AppendUint16(buf, uint16(e.ticks))

	buf = append(buf, "MTrk"...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(perNote*len(m)+endOfTrack))
	on, off := 0x90|e.channel, 0x80|e.channel
	for _, n := range m {
		if n > contract.MaxNote {
			return nil, fmt.Errorf("%w: note %d out of MIDI range", contract.ErrInvalidInput, n)
		}
		buf = append(buf, 0x00, on, byte(n), e.velocity)
		buf = append(buf, e.ticks, off, byte(n), 0x00)
	}
	buf = append(buf, 0x00, 0xFF, 0x2F, 0x00)
	return buf, nil
}
