package writer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-vocoder/audio"
)

// ScalarRecord is one line of scalars.jsonl
type ScalarRecord struct {
	Step  int       `json:"step"`
	Mode  string    `json:"mode"`
	Name  string    `json:"name"`
	Value float64   `json:"value"`
	Time  time.Time `json:"time"`
}

// DirWriter stores scalars as JSON lines and audio as WAV files under a run
// directory:
//
//	<dir>/scalars.jsonl
//	<dir>/audio/<mode>/<step>_<name>.wav
type DirWriter struct {
	dir     string
	file    *os.File
	buf     *bufio.Writer
	encoder *json.Encoder
	step    int
	mode    string
	mutex   sync.Mutex
}

// NewDirWriter creates dir and opens its scalar log for appending
func NewDirWriter(dir string) (*DirWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create run directory")
	}
	f, err := os.OpenFile(filepath.Join(dir, "scalars.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open scalar log")
	}
	buf := bufio.NewWriter(f)
	return &DirWriter{
		dir:     dir,
		file:    f,
		buf:     buf,
		encoder: json.NewEncoder(buf),
		mode:    "train",
	}, nil
}

// Dir returns the run directory
func (w *DirWriter) Dir() string { return w.dir }

func (w *DirWriter) SetStep(step int, mode string) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.step = step
	w.mode = mode
}

// AddScalar appends one record. Non-finite values cannot be represented in
// JSON and are dropped.
func (w *DirWriter) AddScalar(name string, value float64) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	w.mutex.Lock()
	defer w.mutex.Unlock()
	_ = w.encoder.Encode(ScalarRecord{
		Step:  w.step,
		Mode:  w.mode,
		Name:  name,
		Value: value,
		Time:  time.Now(),
	})
}

func (w *DirWriter) AddAudio(name string, samples []float32, sampleRate int) error {
	w.mutex.Lock()
	step, mode := w.step, w.mode
	w.mutex.Unlock()

	path := filepath.Join(w.dir, "audio", mode, fmt.Sprintf("%d_%s.wav", step, name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create audio directory")
	}
	return audio.SaveWav(path, samples, sampleRate)
}

// Flush writes buffered scalars to disk
func (w *DirWriter) Flush() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.buf.Flush()
}

func (w *DirWriter) Close() error {
	if err := w.Flush(); err != nil {
		w.file.Close()
		return errors.Wrap(err, "failed to flush scalar log")
	}
	return w.file.Close()
}

// ReadScalars loads every record of a scalars.jsonl file
func ReadScalars(path string) ([]ScalarRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []ScalarRecord
	dec := json.NewDecoder(f)
	for dec.More() {
		var r ScalarRecord
		if err := dec.Decode(&r); err != nil {
			return nil, errors.Wrap(err, "failed to decode scalar record")
		}
		records = append(records, r)
	}
	return records, nil
}
