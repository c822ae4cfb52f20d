// Package writer delivers training scalars and audio examples to sinks.
package writer

import (
	"github.com/sirupsen/logrus"
)

// Writer receives the values reported by the epoch driver. SetStep selects
// the global step and the mode ("train" or an evaluation split) that later
// values are attributed to.
type Writer interface {
	SetStep(step int, mode string)
	AddScalar(name string, value float64)
	AddAudio(name string, samples []float32, sampleRate int) error
	Close() error
}

// LogWriter reports values through logrus
type LogWriter struct {
	logger *logrus.Logger
	step   int
	mode   string
}

// NewLogWriter creates a writer logging to logger (a new logger if nil)
func NewLogWriter(logger *logrus.Logger) *LogWriter {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogWriter{logger: logger, mode: "train"}
}

func (w *LogWriter) SetStep(step int, mode string) {
	w.step = step
	w.mode = mode
}

func (w *LogWriter) AddScalar(name string, value float64) {
	w.logger.WithFields(logrus.Fields{
		"step": w.step,
		"mode": w.mode,
	}).Infof("%s: %.6f", name, value)
}

func (w *LogWriter) AddAudio(name string, samples []float32, sampleRate int) error {
	w.logger.WithFields(logrus.Fields{
		"step":        w.step,
		"mode":        w.mode,
		"samples":     len(samples),
		"sample_rate": sampleRate,
	}).Infof("audio %s", name)
	return nil
}

func (w *LogWriter) Close() error { return nil }

// Multi fans every call out to several writers
type Multi []Writer

func (m Multi) SetStep(step int, mode string) {
	for _, w := range m {
		w.SetStep(step, mode)
	}
}

func (m Multi) AddScalar(name string, value float64) {
	for _, w := range m {
		w.AddScalar(name, value)
	}
}

// AddAudio writes to every writer and returns the first error
func (m Multi) AddAudio(name string, samples []float32, sampleRate int) error {
	var first error
	for _, w := range m {
		if err := w.AddAudio(name, samples, sampleRate); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Close() error {
	var first error
	for _, w := range m {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
