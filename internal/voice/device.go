package voice

import (
	"github.com/gordonklaus/portaudio"
	"gopkg.in/hraban/opus.v2"
)

// portaudioHost is the production deviceHost. PortAudio's init and
// terminate are process-global; Start/Stop serialization in the engine
// keeps them balanced.
type portaudioHost struct{}

func (portaudioHost) Initialize() error { return portaudio.Initialize() }
func (portaudioHost) Terminate() error  { return portaudio.Terminate() }

func (portaudioHost) OpenDuplexStream(channels, sampleRate, framesPerBuffer int, cb func(in, out []int16)) (deviceStream, error) {
	// The binding dispatches the C callback through a trampoline that
	// recovers this closure, so the engine never sees the C ABI.
	stream, err := portaudio.OpenDefaultStream(channels, channels, float64(sampleRate), framesPerBuffer, cb)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func newOpusEncoder(cfg Config) (opusEncoder, error) {
	enc, err := opus.NewEncoder(cfg.SampleRate, cfg.Channels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	if err := enc.SetBitrate(cfg.OpusBitrateBps); err != nil {
		return nil, err
	}
	return enc, nil
}

func newOpusDecoder(cfg Config) (opusDecoder, error) {
	return opus.NewDecoder(cfg.SampleRate, cfg.Channels)
}
