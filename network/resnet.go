// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package network

import (
	"github.com/born-ml/tilenet/internal/zoo/resnet"
)

// ResNet is the ResNet-50 assembler.
type ResNet = resnet.Network

// ResNetOptions selects the transfer layers and async behavior of ResNet50.
type ResNetOptions = resnet.Options

// DefaultResNetOptions returns a synchronous network with upload and
// download layers.
func DefaultResNetOptions() ResNetOptions {
	return resnet.DefaultOptions()
}

// ResNet50 returns the ResNet-50 v1 classifier for 224x224 RGB input.
//
// Example:
//
//	opts := network.DefaultResNetOptions()
//	opts.Async = true
//	opts.DownloadHook = func(n network.Notification) {
//	    if n.State == network.Done {
//	        results <- n.Seq
//	    }
//	}
//	net := network.ResNet50(opts)
func ResNet50(opts ResNetOptions) *ResNet {
	return resnet.New(opts)
}

// XavierParameters returns a provider of deterministic synthetic weights.
func XavierParameters(seed uint64) ParameterProvider {
	return resnet.XavierParameters(seed)
}
