package checkpoints

import (
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary checkpoint messages. The layout is protobuf
// wire compatible so any protobuf tool can inspect a checkpoint with a
// matching .proto description.
const (
	ckptArch                   protowire.Number = 1
	ckptGenerator              protowire.Number = 2
	ckptDiscriminator          protowire.Number = 3
	ckptGeneratorOptimizer     protowire.Number = 4
	ckptDiscriminatorOptimizer protowire.Number = 5
	ckptTrainingState          protowire.Number = 6
	ckptConfig                 protowire.Number = 7
	ckptMetadata               protowire.Number = 8

	weightName  protowire.Number = 1
	weightShape protowire.Number = 2
	weightData  protowire.Number = 3

	stateEpoch       protowire.Number = 1
	stateStep        protowire.Number = 2
	stateMonitorBest protowire.Number = 3

	optType       protowire.Number = 1
	optStep       protowire.Number = 2
	optLR         protowire.Number = 3
	optParameter  protowire.Number = 4
	optStateData  protowire.Number = 5
	entryKey      protowire.Number = 1
	entryValue    protowire.Number = 2
	slotStateType protowire.Number = 1
	slotIndex     protowire.Number = 2
	slotData      protowire.Number = 3

	metaVersion     protowire.Number = 1
	metaFramework   protowire.Number = 2
	metaCreatedAt   protowire.Number = 3
	metaDescription protowire.Number = 4
)

// MarshalBinary encodes a checkpoint in protobuf wire format
func MarshalBinary(c *Checkpoint) []byte {
	var b []byte
	b = appendString(b, ckptArch, c.Arch)
	for _, w := range c.Generator {
		b = appendMessage(b, ckptGenerator, marshalWeight(w))
	}
	for _, w := range c.Discriminator {
		b = appendMessage(b, ckptDiscriminator, marshalWeight(w))
	}
	if c.GeneratorOptimizer != nil {
		b = appendMessage(b, ckptGeneratorOptimizer, marshalOptimizer(c.GeneratorOptimizer))
	}
	if c.DiscriminatorOptimizer != nil {
		b = appendMessage(b, ckptDiscriminatorOptimizer, marshalOptimizer(c.DiscriminatorOptimizer))
	}
	b = appendMessage(b, ckptTrainingState, marshalTrainingState(c.TrainingState))
	b = appendString(b, ckptConfig, c.Config)
	b = appendMessage(b, ckptMetadata, marshalMetadata(c.Metadata))
	return b
}

// UnmarshalBinary decodes a checkpoint written by MarshalBinary. Unknown
// fields are skipped.
func UnmarshalBinary(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error {
		switch num {
		case ckptArch:
			c.Arch = string(v)
		case ckptGenerator, ckptDiscriminator:
			w, err := unmarshalWeight(v)
			if err != nil {
				return err
			}
			if num == ckptGenerator {
				c.Generator = append(c.Generator, w)
			} else {
				c.Discriminator = append(c.Discriminator, w)
			}
		case ckptGeneratorOptimizer, ckptDiscriminatorOptimizer:
			o, err := unmarshalOptimizer(v)
			if err != nil {
				return err
			}
			if num == ckptGeneratorOptimizer {
				c.GeneratorOptimizer = o
			} else {
				c.DiscriminatorOptimizer = o
			}
		case ckptTrainingState:
			s, err := unmarshalTrainingState(v)
			if err != nil {
				return err
			}
			c.TrainingState = s
		case ckptConfig:
			c.Config = string(v)
		case ckptMetadata:
			m, err := unmarshalMetadata(v)
			if err != nil {
				return err
			}
			c.Metadata = m
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode binary checkpoint")
	}
	return c, nil
}

func marshalWeight(w WeightTensor) []byte {
	var b []byte
	b = appendString(b, weightName, w.Name)
	b = appendPackedInts(b, weightShape, w.Shape)
	b = appendPackedFloats(b, weightData, w.Data)
	return b
}

func unmarshalWeight(b []byte) (WeightTensor, error) {
	var w WeightTensor
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error {
		var err error
		switch num {
		case weightName:
			w.Name = string(v)
		case weightShape:
			w.Shape, err = consumePackedInts(v)
		case weightData:
			w.Data, err = consumePackedFloats(v)
		}
		return err
	})
	return w, err
}

func marshalOptimizer(o *OptimizerState) []byte {
	var b []byte
	b = appendString(b, optType, o.Type)
	b = appendVarint(b, optStep, uint64(o.Step))
	b = appendDouble(b, optLR, o.LearningRate)

	keys := make([]string, 0, len(o.Parameters))
	for k := range o.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, entryKey, k)
		entry = appendDouble(entry, entryValue, o.Parameters[k])
		b = appendMessage(b, optParameter, entry)
	}

	for _, s := range o.StateData {
		var slot []byte
		slot = appendString(slot, slotStateType, s.StateType)
		slot = appendVarint(slot, slotIndex, uint64(s.Index))
		slot = appendPackedFloats(slot, slotData, s.Data)
		b = appendMessage(b, optStateData, slot)
	}
	return b
}

func unmarshalOptimizer(b []byte) (*OptimizerState, error) {
	o := &OptimizerState{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error {
		switch num {
		case optType:
			o.Type = string(v)
		case optStep:
			o.Step = int64(scalar)
		case optLR:
			o.LearningRate = math.Float64frombits(scalar)
		case optParameter:
			var key string
			var value float64
			err := walk(v, func(num protowire.Number, _ protowire.Type, v []byte, scalar uint64) error {
				switch num {
				case entryKey:
					key = string(v)
				case entryValue:
					value = math.Float64frombits(scalar)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if o.Parameters == nil {
				o.Parameters = make(map[string]float64)
			}
			o.Parameters[key] = value
		case optStateData:
			var slot OptimizerTensor
			err := walk(v, func(num protowire.Number, _ protowire.Type, v []byte, scalar uint64) error {
				var err error
				switch num {
				case slotStateType:
					slot.StateType = string(v)
				case slotIndex:
					slot.Index = int(scalar)
				case slotData:
					slot.Data, err = consumePackedFloats(v)
				}
				return err
			})
			if err != nil {
				return err
			}
			o.StateData = append(o.StateData, slot)
		}
		return nil
	})
	return o, err
}

func marshalTrainingState(s TrainingState) []byte {
	var b []byte
	b = appendVarint(b, stateEpoch, uint64(s.Epoch))
	b = appendVarint(b, stateStep, uint64(s.Step))
	b = appendDouble(b, stateMonitorBest, s.MonitorBest)
	return b
}

func unmarshalTrainingState(b []byte) (TrainingState, error) {
	var s TrainingState
	err := walk(b, func(num protowire.Number, _ protowire.Type, _ []byte, scalar uint64) error {
		switch num {
		case stateEpoch:
			s.Epoch = int(scalar)
		case stateStep:
			s.Step = int(scalar)
		case stateMonitorBest:
			s.MonitorBest = math.Float64frombits(scalar)
		}
		return nil
	})
	return s, err
}

func marshalMetadata(m CheckpointMetadata) []byte {
	var b []byte
	b = appendString(b, metaVersion, m.Version)
	b = appendString(b, metaFramework, m.Framework)
	b = appendVarint(b, metaCreatedAt, uint64(m.CreatedAt.UnixNano()))
	b = appendString(b, metaDescription, m.Description)
	return b
}

func unmarshalMetadata(b []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	err := walk(b, func(num protowire.Number, _ protowire.Type, v []byte, scalar uint64) error {
		switch num {
		case metaVersion:
			m.Version = string(v)
		case metaFramework:
			m.Framework = string(v)
		case metaCreatedAt:
			m.CreatedAt = time.Unix(0, int64(scalar))
		case metaDescription:
			m.Description = string(v)
		}
		return nil
	})
	return m, err
}

// walk calls fn for every field of a message. Length-delimited values are
// passed as v, varint and fixed-width values as scalar.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v []byte
		var scalar uint64
		switch typ {
		case protowire.VarintType:
			scalar, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			scalar, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var x uint32
			x, n = protowire.ConsumeFixed32(b)
			scalar = uint64(x)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "field %d", num)
		}
		b = b[n:]

		if err := fn(num, typ, v, scalar); err != nil {
			return errors.Wrapf(err, "field %d", num)
		}
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendPackedInts(b []byte, num protowire.Number, values []int) []byte {
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendMessage(b, num, packed)
}

func appendPackedFloats(b []byte, num protowire.Number, values []float32) []byte {
	packed := make([]byte, 0, 4*len(values))
	for _, v := range values {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	return appendMessage(b, num, packed)
}

func consumePackedInts(b []byte) ([]int, error) {
	var out []int
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int(v))
		b = b[n:]
	}
	return out, nil
}

func consumePackedFloats(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, errors.Errorf("packed float field has %d bytes", len(b))
	}
	out := make([]float32, 0, len(b)/4)
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float32frombits(v))
		b = b[n:]
	}
	return out, nil
}
