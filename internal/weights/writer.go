package weights

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"k8s.io/klog/v2"

	"github.com/born-ml/tilenet/internal/errs"
	"github.com/born-ml/tilenet/internal/layer"
	"github.com/born-ml/tilenet/internal/layout"
)

// Blob is one layer's parameters as written to a file.
type Blob struct {
	Name   string
	Number int
	Kind   string
	Values []float32
}

// Provider yields the parameter blob of a layer. engine.ParameterProvider
// satisfies it.
type Provider interface {
	LoadParameters(d *layer.Descriptor) ([]float32, error)
}

// Writer writes a weights file.
type Writer struct {
	file   *os.File
	closed bool
}

// Create creates or truncates the file at path.
func Create(path string) (*Writer, error) {
	file, err := os.Create(path) //nolint:gosec // G304: path comes from the caller
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	return &Writer{file: file}, nil
}

// Write writes the blobs in order. Names must be unique.
func (w *Writer) Write(network string, blobs []Blob, metadata map[string]string) error {
	if w.closed {
		return fmt.Errorf("writer is closed")
	}
	return Encode(w.file, network, blobs, metadata)
}

// Close closes the file.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

// Encode writes a complete weights file to dst.
func Encode(dst io.Writer, network string, blobs []Blob, metadata map[string]string) error {
	header := Header{
		FormatVersion: fmt.Sprintf("%d", FormatVersion),
		Network:       network,
		CreatedAt:     time.Now().UTC(),
		Entries:       make([]Entry, 0, len(blobs)),
		Metadata:      metadata,
	}

	var offset int64
	for _, b := range blobs {
		size := int64(len(b.Values)) * 4
		header.Entries = append(header.Entries, Entry{
			Name:   b.Name,
			Number: b.Number,
			Kind:   b.Kind,
			Count:  len(b.Values),
			Offset: offset,
			Size:   size,
		})
		offset = align(offset + size)
	}
	dataSize := offset

	if err := ValidateHeader(&header, dataSize, ValidationStrict); err != nil {
		return fmt.Errorf("invalid blobs: %w", err)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	data := make([]byte, dataSize)
	for i, b := range blobs {
		copy(data[header.Entries[i].Offset:], layout.FromFloat32(layout.Float32, b.Values))
	}
	checksum := ComputeChecksum(data)

	fixed := make([]byte, FixedHeaderSize)
	copy(fixed[0:4], Magic)
	binary.LittleEndian.PutUint32(fixed[4:8], FormatVersion)
	var flags uint32
	if len(metadata) > 0 {
		flags |= FlagHasMetadata
	}
	binary.LittleEndian.PutUint32(fixed[8:12], flags)
	binary.LittleEndian.PutUint64(fixed[16:24], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(fixed[24:32], uint64(dataSize)) //nolint:gosec // G115: sizes are non-negative
	copy(fixed[ChecksumOffset:ChecksumOffset+ChecksumSize], checksum[:])

	bw := bufio.NewWriter(dst)
	if _, err := bw.Write(fixed); err != nil {
		return fmt.Errorf("failed to write fixed header: %w", err)
	}
	if _, err := bw.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header JSON: %w", err)
	}
	pos := int64(FixedHeaderSize + len(headerJSON))
	if pad := align(pos) - pos; pad > 0 {
		if _, err := bw.Write(make([]byte, pad)); err != nil {
			return fmt.Errorf("failed to write padding: %w", err)
		}
	}
	if _, err := bw.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	klog.V(1).Infof("weights: wrote %d entries for %q (%d data bytes)", len(blobs), network, dataSize)
	return nil
}

// Export loads every parameterized layer from p and writes the blobs to
// path. Layers without parameters are skipped.
func Export(path, network string, descs []*layer.Descriptor, p Provider, metadata map[string]string) error {
	blobs := make([]Blob, 0, len(descs))
	for _, d := range descs {
		want := d.ParameterCount()
		if want == 0 {
			continue
		}
		values, err := p.LoadParameters(d)
		if err != nil {
			return fmt.Errorf("loading parameters of %s: %w", d.Name, err)
		}
		if len(values) != want {
			return errs.Configf("export", d.Name, "provider returned %d values, want %d", len(values), want)
		}
		blobs = append(blobs, Blob{Name: d.Name, Number: d.Number, Kind: d.Kind.String(), Values: values})
	}

	w, err := Create(path)
	if err != nil {
		return err
	}
	if err := w.Write(network, blobs, metadata); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
