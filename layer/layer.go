// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package layer provides the public API for describing network layers.
//
// A Descriptor is built from a kind, a unique name, a unique number and
// functional options. It is validated once and never changes afterwards.
//
// Example:
//
//	conv, err := layer.New(layer.Convolution, "Conv8", 8,
//	    layer.WithShape(64, 56, 56, 64),
//	    layer.WithKernel(3),
//	    layer.Deep(),
//	    layer.WithInputPadding(1),
//	    layer.WithPrefixAct(layer.ActReLU),
//	    layer.WithPostfixNorm(layer.NormBatch),
//	)
package layer

import (
	"github.com/born-ml/tilenet/internal/layer"
	"github.com/born-ml/tilenet/internal/pipeline"
)

// Descriptor is the validated configuration of one layer.
type Descriptor = layer.Descriptor

// Option configures a Descriptor.
type Option = layer.Option

// Layer is a compiled layer.
type Layer = layer.Layer

// Kind selects the operator variant of a layer.
type Kind = layer.Kind

// Layer kinds.
const (
	Upload      Kind = layer.Upload
	Download    Kind = layer.Download
	Identity    Kind = layer.Identity
	Convolution Kind = layer.Convolution
	MaxPool     Kind = layer.MaxPool
	AvgPool     Kind = layer.AvgPool
	BatchNorm   Kind = layer.BatchNorm
	Cast        Kind = layer.Cast
	GEMM        Kind = layer.GEMM
)

// ActType is a fused activation.
type ActType = layer.ActType

// Activations.
const (
	ActNone      ActType = layer.ActNone
	ActReLU      ActType = layer.ActReLU
	ActClip      ActType = layer.ActClip
	ActLeakyReLU ActType = layer.ActLeakyReLU
	ActTanh      ActType = layer.ActTanh
	ActSigmoid   ActType = layer.ActSigmoid
)

// NormType is a fused post-normalization.
type NormType = layer.NormType

// Normalizations.
const (
	NormNone  NormType = layer.NormNone
	NormBatch NormType = layer.NormBatch
)

// CastTarget is the numeric type emulated by a cast layer.
type CastTarget = layer.CastTarget

// Cast targets.
const (
	CastFloat32 CastTarget = layer.CastFloat32
	CastFloat16 CastTarget = layer.CastFloat16
	CastInt8    CastTarget = layer.CastInt8
	CastUint8   CastTarget = layer.CastUint8
	CastInt16   CastTarget = layer.CastInt16
	CastInt32   CastTarget = layer.CastInt32
)

// New builds and validates a descriptor.
func New(kind Kind, name string, number int, opts ...Option) (*Descriptor, error) {
	return layer.NewDescriptor(kind, name, number, opts...)
}

// Supported lists the layer kinds with an implementation.
func Supported() []Kind {
	return layer.Supported()
}

// Options

// WithShape sets output channels, input height and width, and input channels.
func WithShape(out, height, width, in int) Option { return layer.WithShape(out, height, width, in) }

// WithBatch sets the batch size.
func WithBatch(n int) Option { return layer.WithBatch(n) }

// WithInputPadding sets the border expected on the input surface.
func WithInputPadding(p int) Option { return layer.WithInputPadding(p) }

// WithOutputPadding sets the border of the output surface.
func WithOutputPadding(p int) Option { return layer.WithOutputPadding(p) }

// WithDownsample sets the spatial stride.
func WithDownsample(s int) Option { return layer.WithDownsample(s) }

// WithPrefixAct fuses an activation applied to the input.
func WithPrefixAct(a ActType) Option { return layer.WithPrefixAct(a) }

// WithPostfixNorm fuses a normalization applied to the output.
func WithPostfixNorm(n NormType) Option { return layer.WithPostfixNorm(n) }

// WithResidual adds a residual input port. writeBack normalizes the sum
// instead of the output alone.
func WithResidual(act ActType, writeBack bool) Option { return layer.WithResidual(act, writeBack) }

// WithAsync enables pooled host buffers on an upload or download layer.
func WithAsync(hook pipeline.Hook) Option { return layer.WithAsync(hook) }

// WithKernel sets the convolution kernel size.
func WithKernel(k int) Option { return layer.WithKernel(k) }

// WithPool sets the pooling window size.
func WithPool(k int) Option { return layer.WithPool(k) }

// WithCastTarget sets the type emulated by a cast layer.
func WithCastTarget(t CastTarget) Option { return layer.WithCastTarget(t) }

// Global makes a pooling layer reduce each channel to one value.
func Global() Option { return layer.Global() }

// Deep selects the tiled layout.
func Deep() Option { return layer.Deep() }
