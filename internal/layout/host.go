package layout

import (
	"fmt"
	"unsafe"
)

// HostBuffer is a CPU-side byte buffer carrying an immutable ShapeSpec.
//
// Upload layers read host buffers, download layers fill them. The buffer holds
// exactly spec.Bytes() bytes.
type HostBuffer struct {
	spec ShapeSpec
	data []byte
}

// NewHostBuffer allocates a zeroed host buffer for spec.
func NewHostBuffer(spec ShapeSpec) (*HostBuffer, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &HostBuffer{spec: spec, data: make([]byte, spec.Bytes())}, nil
}

// WrapHostBuffer attaches spec to existing bytes without copying.
func WrapHostBuffer(spec ShapeSpec, data []byte) (*HostBuffer, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if len(data) != spec.Bytes() {
		return nil, fmt.Errorf("layout: wrap %s: got %d bytes, want %d", spec, len(data), spec.Bytes())
	}
	return &HostBuffer{spec: spec, data: data}, nil
}

// Spec returns the buffer's shape spec.
func (b *HostBuffer) Spec() ShapeSpec {
	return b.spec
}

// Bytes returns the raw storage. Writes through the slice change the buffer.
func (b *HostBuffer) Bytes() []byte {
	return b.data
}

// Float32s returns a float32 view of the storage, or nil if the buffer is not float32.
func (b *HostBuffer) Float32s() []float32 {
	if b.spec.Type != Float32 || len(b.data) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b.data[0])), len(b.data)/4)
}

// CopyFrom replaces the contents with src, which must match the buffer size.
func (b *HostBuffer) CopyFrom(src []byte) error {
	if len(src) != len(b.data) {
		return fmt.Errorf("layout: copy into %s: got %d bytes, want %d", b.spec, len(src), len(b.data))
	}
	copy(b.data, src)
	return nil
}

// Clone returns a deep copy.
func (b *HostBuffer) Clone() *HostBuffer {
	data := make([]byte, len(b.data))
	copy(data, b.data)
	return &HostBuffer{spec: b.spec, data: data}
}

// ToChannelwise returns a channelwise copy of the buffer with the same element type.
func (b *HostBuffer) ToChannelwise() (*HostBuffer, error) {
	raw, err := Decode(b.spec, b.data)
	if err != nil {
		return nil, err
	}
	return &HostBuffer{spec: b.spec.WithOrder(Channelwise), data: raw}, nil
}

// Channelwise returns the logical values as channelwise float32.
func (b *HostBuffer) Channelwise() ([]float32, error) {
	raw, err := Decode(b.spec, b.data)
	if err != nil {
		return nil, err
	}
	return ToFloat32(b.spec.Type, raw), nil
}

// SetChannelwise stores channelwise float32 values in the buffer's order and type.
func (b *HostBuffer) SetChannelwise(values []float32) error {
	encoded, err := Encode(b.spec, FromFloat32(b.spec.Type, values))
	if err != nil {
		return err
	}
	copy(b.data, encoded)
	return nil
}

// Argmax returns the channel with the largest value at pixel (y, x).
func (b *HostBuffer) Argmax(y, x int) (int, float32, error) {
	values, err := b.Channelwise()
	if err != nil {
		return 0, 0, err
	}
	plane := b.spec.Height * b.spec.Width
	best, bestV := 0, values[y*b.spec.Width+x]
	for c := 1; c < b.spec.Channels; c++ {
		if v := values[c*plane+y*b.spec.Width+x]; v > bestV {
			best, bestV = c, v
		}
	}
	return best, bestV, nil
}
