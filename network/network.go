// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package network provides the public API for building and running layer
// graphs on a device session.
//
// An Assembler pushes layer descriptors into a Compiler and connects the
// compiled layers through a BufferManager. An Engine drives the result.
//
// Example:
//
//	session, _ := cpu.New()
//	defer session.Close()
//
//	net := network.ResNet50(network.DefaultResNetOptions())
//	eng, err := network.New(session, net, network.XavierParameters(1), network.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := eng.Setup(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close(ctx)
//
//	_ = eng.SetInput(ctx, pixels, net.InputSpec())
//	seq, _ := eng.Forward(ctx)
//	_ = eng.WaitFor(ctx, seq)
//	out, _ := eng.Output()
package network

import (
	"github.com/born-ml/tilenet/internal/device"
	"github.com/born-ml/tilenet/internal/engine"
	"github.com/born-ml/tilenet/internal/errs"
	"github.com/born-ml/tilenet/internal/graph"
	"github.com/born-ml/tilenet/internal/pipeline"
)

// Session is a compute device. See the backend packages.
type Session = device.Session

// Engine runs passes over a compiled graph.
type Engine = engine.Engine

// Config controls pass execution.
type Config = engine.Config

// DefaultConfig returns a synchronous configuration with two pooled buffers
// per transfer direction and a 30 second acquire timeout.
func DefaultConfig() Config {
	return engine.DefaultConfig()
}

// New creates an engine. Call Setup before the first pass.
func New(session Session, assembler Assembler, provider ParameterProvider, cfg Config) (*Engine, error) {
	return engine.New(session, assembler, provider, cfg)
}

// Graph construction

// Assembler supplies the layers of a network and their connections.
type Assembler = engine.Assembler

// AssemblerFuncs adapts a pair of functions to an Assembler.
type AssemblerFuncs = engine.AssemblerFuncs

// ParameterProvider supplies the parameter blob of a layer.
type ParameterProvider = engine.ParameterProvider

// ParameterFunc adapts a function to a ParameterProvider.
type ParameterFunc = engine.ParameterFunc

// Compiler collects layer descriptors.
type Compiler = graph.Compiler

// Layers is a compiled layer set addressed by name and number.
type Layers = graph.Layers

// BufferManager binds producer outputs to consumer ports.
type BufferManager = graph.BufferManager

// Transfers

// Notification reports an upload or download state change.
type Notification = pipeline.Notification

// Hook receives transfer notifications on the submission goroutine. It must
// not block.
type Hook = pipeline.Hook

// Direction of a transfer.
type Direction = pipeline.Direction

// Transfer directions.
const (
	Upload   Direction = pipeline.Upload
	Download Direction = pipeline.Download
)

// State of a transfer.
type State = pipeline.State

// Transfer states.
const (
	Idle      State = pipeline.Idle
	Commenced State = pipeline.Commenced
	Done      State = pipeline.Done
)

// Errors

// Error is the error type returned by the runtime.
type Error = errs.Error

// Error kinds, matched with errors.Is.
var (
	ErrConfiguration = errs.ErrConfiguration
	ErrGraph         = errs.ErrGraph
	ErrExhausted     = errs.ErrExhausted
	ErrDevice        = errs.ErrDevice
	ErrClosed        = pipeline.ErrClosed
)
