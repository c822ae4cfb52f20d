package data

import (
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vocoder/audio"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                  // Total number of samples
	Get(idx int) (Item, error) // Returns a single example
}

// SliceDataset serves items held in memory
type SliceDataset struct {
	items []Item
}

func NewSliceDataset(items []Item) *SliceDataset {
	return &SliceDataset{items: items}
}

func (d *SliceDataset) Len() int { return len(d.items) }

func (d *SliceDataset) Get(idx int) (Item, error) {
	if idx < 0 || idx >= len(d.items) {
		return Item{}, errors.Errorf("index %d out of range [0, %d)", idx, len(d.items))
	}
	return d.items[idx], nil
}

// AudioDatasetConfig controls how WAV files become training examples
type AudioDatasetConfig struct {
	Dir         string
	SegmentSize int // samples per example, 0 keeps whole files
	Limit       int // maximum number of files, 0 for all
}

// AudioDataset reads a directory of WAV files and computes the target mel
// spectrogram of every example on the fly.
type AudioDataset struct {
	paths       []string
	segmentSize int
	mel         *audio.MelSpectrogram

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewAudioDataset indexes the WAV files under config.Dir in lexical order.
// rng selects random crops when SegmentSize is set.
func NewAudioDataset(config AudioDatasetConfig, mel *audio.MelSpectrogram, rng *rand.Rand) (*AudioDataset, error) {
	if mel == nil {
		return nil, errors.New("mel transform is required")
	}
	if config.SegmentSize > 0 && rng == nil {
		return nil, errors.New("random source is required for segment cropping")
	}

	var paths []string
	err := filepath.WalkDir(config.Dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".wav") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan %s", config.Dir)
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no wav files found in %s", config.Dir)
	}
	sort.Strings(paths)
	if config.Limit > 0 && len(paths) > config.Limit {
		paths = paths[:config.Limit]
	}

	return &AudioDataset{
		paths:       paths,
		segmentSize: config.SegmentSize,
		mel:         mel,
		rng:         rng,
	}, nil
}

func (d *AudioDataset) Len() int { return len(d.paths) }

// Get loads, crops and transforms one file. Files shorter than the segment
// are padded with trailing zeros.
func (d *AudioDataset) Get(idx int) (Item, error) {
	if idx < 0 || idx >= len(d.paths) {
		return Item{}, errors.Errorf("index %d out of range [0, %d)", idx, len(d.paths))
	}
	path := d.paths[idx]

	wave, sampleRate, err := audio.ReadWav(path)
	if err != nil {
		return Item{}, err
	}
	if want := d.mel.Config().SampleRate; sampleRate != want {
		return Item{}, errors.Errorf("%s has sample rate %d, expected %d", path, sampleRate, want)
	}

	if d.segmentSize > 0 {
		if len(wave) > d.segmentSize {
			d.rngMu.Lock()
			start := d.rng.Intn(len(wave) - d.segmentSize + 1)
			d.rngMu.Unlock()
			wave = wave[start : start+d.segmentSize]
		} else if len(wave) < d.segmentSize {
			padded := make([]float32, d.segmentSize)
			copy(padded, wave)
			wave = padded
		}
	}

	mel, err := d.mel.Compute(wave)
	if err != nil {
		return Item{}, errors.Wrapf(err, "failed to compute mel for %s", path)
	}
	return Item{Mel: mel, Audio: wave, AudioPath: path}, nil
}
