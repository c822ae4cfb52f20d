package data

import (
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/tsawler/go-vocoder/tensor"
)

// Collate pads a list of items into one batch. Spectrograms are padded with
// trailing zero frames to the longest one and waveforms with trailing zero
// samples to the longest one. MelLength keeps the original frame counts.
// The batch lives in host memory and is not charged to the memory manager.
func Collate(items []Item) (*Batch, error) {
	if len(items) == 0 {
		return nil, errors.New("cannot collate an empty list of items")
	}

	nMels := len(items[0].Mel)
	for i, it := range items {
		if len(it.Mel) != nMels {
			return nil, errors.Errorf("item %d has %d mel bands, expected %d", i, len(it.Mel), nMels)
		}
		if it.Frames() == 0 {
			return nil, errors.Errorf("item %d (%s) has an empty spectrogram", i, it.AudioPath)
		}
		if len(it.Audio) == 0 {
			return nil, errors.Errorf("item %d (%s) has no audio", i, it.AudioPath)
		}
	}

	melLength := lo.Map(items, func(it Item, _ int) int { return it.Frames() })
	maxFrames := lo.Max(melLength)
	maxSamples := lo.Max(lo.Map(items, func(it Item, _ int) int { return len(it.Audio) }))
	n := len(items)

	melData := make([]float32, n*nMels*maxFrames)
	audioData := make([]float32, n*maxSamples)
	for i, it := range items {
		for m, band := range it.Mel {
			copy(melData[(i*nMels+m)*maxFrames:], band)
		}
		copy(audioData[i*maxSamples:], it.Audio)
	}

	mel, err := tensor.Wrap([]int{n, nMels, maxFrames}, melData)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create mel tensor")
	}
	audioGT, err := tensor.Wrap([]int{n, 1, maxSamples}, audioData)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create audio tensor")
	}

	return &Batch{
		Mel:       mel,
		MelLength: melLength,
		AudioGT:   audioGT,
		AudioPath: lo.Map(items, func(it Item, _ int) string { return it.AudioPath }),
	}, nil
}
