package audio

import (
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/pkg/errors"
)

// ReadWav decodes a PCM WAV file into mono float32 samples in [-1, 1].
// Multi-channel files are averaged down to one channel.
func ReadWav(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	return DecodeWav(f)
}

// DecodeWav decodes a PCM WAV stream, see ReadWav
func DecodeWav(r io.ReadSeeker) ([]float32, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, errors.New("invalid wav file")
	}
	dec.ReadInfo()
	if dec.WavAudioFormat != 1 {
		return nil, 0, errors.Errorf("unsupported wav format: %d, need PCM=1", dec.WavAudioFormat)
	}
	if dec.NumChans == 0 || dec.BitDepth == 0 || dec.SampleRate == 0 {
		return nil, 0, errors.New("invalid wav header")
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, errors.Wrap(err, "decode wav")
	}

	channels := int(dec.NumChans)
	scale := float32(int64(1) << (dec.BitDepth - 1))
	frames := len(buf.Data) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var s float32
		for c := 0; c < channels; c++ {
			s += float32(buf.Data[i*channels+c])
		}
		out[i] = s / float32(channels) / scale
	}
	return out, int(dec.SampleRate), nil
}

// WriteWav encodes samples as 16-bit mono PCM. Values outside [-1, 1] are clipped.
func WriteWav(w io.WriteSeeker, samples []float32, sampleRate int) error {
	if sampleRate <= 0 {
		return errors.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	data := make([]int, len(samples))
	for i, v := range samples {
		v = max(-1, min(1, v))
		data[i] = int(v * 32767)
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return errors.Wrap(err, "encode wav")
	}
	return errors.Wrap(enc.Close(), "finalise wav")
}

// SaveWav writes samples to a WAV file at path
func SaveWav(path string, samples []float32, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if err := WriteWav(f, samples, sampleRate); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
