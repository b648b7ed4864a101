// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package network

import (
	"github.com/born-ml/tilenet/internal/layer"
	"github.com/born-ml/tilenet/internal/weights"
)

// WeightsFile is a memory-mapped weights file. It implements
// ParameterProvider, looking blobs up by layer name.
type WeightsFile = weights.Reader

// OpenWeights maps a weights file and verifies its checksum.
//
// Example:
//
//	w, err := network.OpenWeights("resnet50.tnwt")
//	if err != nil {
//	    return err
//	}
//	defer w.Close()
//	eng, err := network.New(session, network.ResNet50(opts), w, network.DefaultConfig())
func OpenWeights(path string) (*WeightsFile, error) {
	return weights.Open(path)
}

// ExportWeights writes the parameters p supplies for descs to a weights
// file at path.
func ExportWeights(path, name string, descs []*layer.Descriptor, p ParameterProvider, metadata map[string]string) error {
	return weights.Export(path, name, descs, p, metadata)
}
