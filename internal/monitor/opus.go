package monitor

import (
	"fmt"

	"layeh.com/gopus"
)

// maxPacketBytes bounds one encoded packet. Opus never needs more than this
// for a single mono frame at voice bitrates.
const maxPacketBytes = 4000

// Encoder turns one PCM frame into one packet.
type Encoder interface {
	Encode(pcm []int16, sampleRate int) ([]byte, error)
}

// OpusEncoder encodes mono frames with libopus in VoIP mode. The underlying
// encoder is rebuilt when the sample rate changes.
type OpusEncoder struct {
	bitrate int
	rate    int
	enc     *gopus.Encoder
}

// NewOpusEncoder returns an encoder targeting bitrate bits per second. Zero
// keeps the libopus default.
func NewOpusEncoder(bitrate int) *OpusEncoder {
	return &OpusEncoder{bitrate: bitrate}
}

// SetBitrate changes the target bitrate of the current and future encoders.
func (e *OpusEncoder) SetBitrate(bps int) {
	e.bitrate = bps
	if e.enc != nil {
		e.enc.SetBitrate(bps)
	}
}

// Encode implements [Encoder]. len(pcm) must be a valid Opus frame duration at
// sampleRate, which holds for 80 and 160 samples at 8 and 16 kHz.
func (e *OpusEncoder) Encode(pcm []int16, sampleRate int) ([]byte, error) {
	if e.enc == nil || e.rate != sampleRate {
		enc, err := gopus.NewEncoder(sampleRate, 1, gopus.Voip)
		if err != nil {
			return nil, fmt.Errorf("monitor: create opus encoder at %d Hz: %w", sampleRate, err)
		}
		if e.bitrate > 0 {
			enc.SetBitrate(e.bitrate)
		}
		e.enc = enc
		e.rate = sampleRate
	}
	pkt, err := e.enc.Encode(pcm, len(pcm), maxPacketBytes)
	if err != nil {
		return nil, fmt.Errorf("monitor: opus encode: %w", err)
	}
	return pkt, nil
}
