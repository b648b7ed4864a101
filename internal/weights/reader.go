package weights

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/born-ml/tilenet/internal/errs"
	"github.com/born-ml/tilenet/internal/layer"
	"github.com/born-ml/tilenet/internal/layout"
)

// Options controls how a file is opened.
type Options struct {
	Validation   ValidationLevel
	SkipChecksum bool
}

// Reader serves parameter blobs out of a weights file. LoadParameters is
// safe for concurrent use; Close must not race with it.
type Reader struct {
	file   *os.File
	data   []byte
	mapped bool

	header     Header
	index      map[string]int
	flags      uint32
	dataOffset int64
	dataSize   int64
	checksum   [32]byte

	closed atomic.Bool
}

// Open maps the file at path with strict validation and checksum
// verification.
func Open(path string) (*Reader, error) {
	return OpenWithOptions(path, Options{})
}

// OpenWithOptions maps the file at path.
func OpenWithOptions(path string, opts Options) (*Reader, error) {
	file, err := os.Open(path) //nolint:gosec // G304: path comes from the caller
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if stat.Size() < FixedHeaderSize {
		_ = file.Close()
		return nil, fmt.Errorf("file too small: %d bytes (minimum %d)", stat.Size(), FixedHeaderSize)
	}

	data, mapped, err := mapFile(file, stat.Size())
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to map file: %w", err)
	}

	r := &Reader{file: file, data: data, mapped: mapped}
	if err := r.parse(opts); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	klog.V(1).Infof("weights: opened %s: %q, %d entries, mapped=%v", path, r.header.Network, len(r.header.Entries), mapped)
	return r, nil
}

// NewReader reads a weights file held in memory. data must stay unmodified
// while the reader is in use.
func NewReader(data []byte, opts Options) (*Reader, error) {
	if len(data) < FixedHeaderSize {
		return nil, fmt.Errorf("file too small: %d bytes (minimum %d)", len(data), FixedHeaderSize)
	}
	r := &Reader{data: data}
	if err := r.parse(opts); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) parse(opts Options) error {
	size := int64(len(r.data))
	if string(r.data[0:4]) != Magic {
		return fmt.Errorf("%w: got %q", ErrInvalidMagic, r.data[0:4])
	}
	if v := binary.LittleEndian.Uint32(r.data[4:8]); v != FormatVersion {
		return fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, v, FormatVersion)
	}
	r.flags = binary.LittleEndian.Uint32(r.data[8:12])

	headerSize := binary.LittleEndian.Uint64(r.data[16:24])
	if headerSize > MaxHeaderSize {
		return ErrHeaderTooLarge
	}
	dataSize := binary.LittleEndian.Uint64(r.data[24:32])
	copy(r.checksum[:], r.data[ChecksumOffset:ChecksumOffset+ChecksumSize])

	headerEnd := FixedHeaderSize + int64(headerSize) //nolint:gosec // G115: bounded by MaxHeaderSize
	if headerEnd > size {
		return fmt.Errorf("header extends beyond file: header_end=%d, file_size=%d", headerEnd, size)
	}
	if err := json.Unmarshal(r.data[FixedHeaderSize:headerEnd], &r.header); err != nil {
		return fmt.Errorf("failed to parse header JSON: %w", err)
	}

	r.dataOffset = align(headerEnd)
	if dataSize > uint64(size) || r.dataOffset+int64(dataSize) > size { //nolint:gosec // G115: checked against file size
		return fmt.Errorf("%w: data section of %d bytes at %d, file_size=%d", ErrOutOfBounds, dataSize, r.dataOffset, size)
	}
	r.dataSize = int64(dataSize) //nolint:gosec // G115: checked against file size

	if err := ValidateHeader(&r.header, r.dataSize, opts.Validation); err != nil {
		return fmt.Errorf("header validation failed: %w", err)
	}
	if !opts.SkipChecksum {
		actual := ComputeChecksum(r.data[r.dataOffset : r.dataOffset+r.dataSize])
		if err := ValidateChecksum(r.checksum, actual); err != nil {
			return err
		}
	}

	r.index = make(map[string]int, len(r.header.Entries))
	for i, e := range r.header.Entries {
		r.index[e.Name] = i
	}
	return nil
}

// Header returns the parsed JSON header.
func (r *Reader) Header() Header { return r.header }

// Flags returns the flags bitfield.
func (r *Reader) Flags() uint32 { return r.flags }

// Checksum returns the recorded SHA-256 of the data section.
func (r *Reader) Checksum() [32]byte { return r.checksum }

// Names returns the entry names in file order.
func (r *Reader) Names() []string {
	names := make([]string, len(r.header.Entries))
	for i, e := range r.header.Entries {
		names[i] = e.Name
	}
	return names
}

// Entry returns the entry for a layer name.
func (r *Reader) Entry(name string) (Entry, bool) {
	i, ok := r.index[name]
	if !ok {
		return Entry{}, false
	}
	return r.header.Entries[i], true
}

// Values returns a copy of the blob stored under name.
func (r *Reader) Values(name string) ([]float32, error) {
	if r.closed.Load() {
		return nil, ErrReaderClosed
	}
	e, ok := r.Entry(name)
	if !ok {
		return nil, fmt.Errorf("entry %q not found", name)
	}
	start := r.dataOffset + e.Offset
	end := start + e.Size
	if e.Offset < 0 || end > r.dataOffset+r.dataSize {
		return nil, fmt.Errorf("%w: entry %q: [%d-%d]", ErrOutOfBounds, name, start, end)
	}
	return layout.ToFloat32(layout.Float32, r.data[start:end]), nil
}

// LoadParameters implements engine.ParameterProvider. The entry is looked
// up by layer name; its kind and value count must match the descriptor.
func (r *Reader) LoadParameters(d *layer.Descriptor) ([]float32, error) {
	e, ok := r.Entry(d.Name)
	if !ok {
		return nil, errs.Configf("load parameters", d.Name, "no entry in weights file")
	}
	if e.Kind != "" && e.Kind != d.Kind.String() {
		return nil, errs.Configf("load parameters", d.Name, "entry is a %s, layer is a %s", e.Kind, d.Kind)
	}
	if want := d.ParameterCount(); e.Count != want {
		return nil, errs.Configf("load parameters", d.Name, "entry holds %d values, want %d", e.Count, want)
	}
	return r.Values(d.Name)
}

// Close releases the mapping and the file.
func (r *Reader) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	var err error
	if r.mapped {
		err = unmapFile(r.data)
	}
	r.data = nil
	if r.file != nil {
		if closeErr := r.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}
