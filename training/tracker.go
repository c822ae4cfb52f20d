package training

import (
	"math"
	"slices"
)

type runningValue struct {
	total float64
	count int
}

// MetricTracker accumulates named scalars and reports their running
// averages. Keys keep the order in which they were first registered.
type MetricTracker struct {
	keys   []string
	values map[string]*runningValue
}

// NewMetricTracker creates a tracker with the given keys registered
func NewMetricTracker(keys ...string) *MetricTracker {
	mt := &MetricTracker{values: make(map[string]*runningValue)}
	for _, k := range keys {
		mt.register(k)
	}
	return mt
}

func (mt *MetricTracker) register(key string) *runningValue {
	if v, ok := mt.values[key]; ok {
		return v
	}
	v := &runningValue{}
	mt.keys = append(mt.keys, key)
	mt.values[key] = v
	return v
}

// Update adds one observation of value to key. Unknown keys are registered.
func (mt *MetricTracker) Update(key string, value float64) {
	v := mt.register(key)
	v.total += value
	v.count++
}

// Avg returns the mean of the observations of key, or NaN when there are none
func (mt *MetricTracker) Avg(key string) float64 {
	v, ok := mt.values[key]
	if !ok || v.count == 0 {
		return math.NaN()
	}
	return v.total / float64(v.count)
}

// Count returns the number of observations of key
func (mt *MetricTracker) Count(key string) int {
	if v, ok := mt.values[key]; ok {
		return v.count
	}
	return 0
}

// Result returns the average of every key that has observations
func (mt *MetricTracker) Result() map[string]float64 {
	out := make(map[string]float64, len(mt.keys))
	for _, k := range mt.keys {
		if v := mt.values[k]; v.count > 0 {
			out[k] = v.total / float64(v.count)
		}
	}
	return out
}

// Empty reports whether no key has observations
func (mt *MetricTracker) Empty() bool {
	for _, v := range mt.values {
		if v.count > 0 {
			return false
		}
	}
	return true
}

// Reset clears all sums and counts. Registered keys are kept.
func (mt *MetricTracker) Reset() {
	for _, v := range mt.values {
		*v = runningValue{}
	}
}

// Keys returns the registered keys in registration order
func (mt *MetricTracker) Keys() []string {
	return slices.Clone(mt.keys)
}
