// Package main provides the tilenet CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"k8s.io/klog/v2"

	"github.com/born-ml/tilenet/backend/cpu"
	"github.com/born-ml/tilenet/backend/webgpu"
	"github.com/born-ml/tilenet/layer"
	"github.com/born-ml/tilenet/layout"
	"github.com/born-ml/tilenet/network"
)

const version = "v0.1.0-dev"

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()
	defer klog.Flush()

	var err error
	switch flag.Arg(0) {
	case "version":
		fmt.Printf("tilenet %s\n", version)
	case "devices":
		devices()
	case "selftest":
		err = selftest()
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("tilenet - CNN inference on tiled device surfaces")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  version    Show version")
	fmt.Println("  devices    List available device sessions")
	fmt.Println("  selftest   Run a small network on every available device")
	fmt.Println("")
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func devices() {
	s, err := cpu.New()
	if err != nil {
		fmt.Printf("  cpu      unavailable: %v\n", err)
	} else {
		fmt.Printf("  cpu      %s, %d threads\n", s.Name(), s.Threads())
		_ = s.Close()
	}
	if !webgpu.IsAvailable() {
		fmt.Println("  webgpu   unavailable")
		return
	}
	g, err := webgpu.New()
	if err != nil {
		fmt.Printf("  webgpu   unavailable: %v\n", err)
		return
	}
	fmt.Printf("  webgpu   %s\n", g.Name())
	_ = g.Close()
}

// selftest runs upload -> relu -> int8 cast -> download on each device and
// compares the result with the expected saturation.
func selftest() error {
	sessions := map[string]func() (network.Session, error){
		"cpu": func() (network.Session, error) { return cpu.New() },
	}
	if webgpu.IsAvailable() {
		sessions["webgpu"] = func() (network.Session, error) { return webgpu.New() }
	}

	var failed []string
	for _, name := range []string{"cpu", "webgpu"} {
		open, ok := sessions[name]
		if !ok {
			continue
		}
		if err := selftestOn(name, open); err != nil {
			fmt.Printf("  %-8s FAIL: %v\n", name, err)
			failed = append(failed, name)
			continue
		}
		fmt.Printf("  %-8s ok\n", name)
	}
	if len(failed) > 0 {
		return fmt.Errorf("selftest failed on %s", strings.Join(failed, ", "))
	}
	return nil
}

var selftestSpec = layout.ShapeSpec{Channels: 6, Height: 3, Width: 3, Type: layout.Float32, Order: layout.Channelwise}

func selftestOn(name string, open func() (network.Session, error)) error {
	session, err := open()
	if err != nil {
		return err
	}
	defer session.Close()

	asm := network.AssemblerFuncs{
		BuildFunc: func(c *network.Compiler) error {
			shape := layer.WithShape(6, 3, 3, 6)
			descs := []struct {
				kind layer.Kind
				name string
				opts []layer.Option
			}{
				{layer.Upload, "in", []layer.Option{shape, layer.Deep()}},
				{layer.Identity, "relu", []layer.Option{shape, layer.Deep(), layer.WithPrefixAct(layer.ActReLU)}},
				{layer.Cast, "cast", []layer.Option{shape, layer.Deep(), layer.WithCastTarget(layer.CastInt8)}},
				{layer.Download, "out", []layer.Option{shape, layer.Deep()}},
			}
			for i, d := range descs {
				desc, err := layer.New(d.kind, d.name, i, d.opts...)
				if err != nil {
					return err
				}
				if err := c.Push(desc); err != nil {
					return err
				}
			}
			return nil
		},
		ConnectFunc: func(ls *network.Layers, bm *network.BufferManager) error {
			for i := 0; i+1 < ls.Len(); i++ {
				if err := bm.Connect(ls.At(i), ls.At(i+1), 0); err != nil {
					return err
				}
			}
			return nil
		},
	}

	ctx := context.Background()
	eng, err := network.New(session, asm, nil, network.DefaultConfig())
	if err != nil {
		return err
	}
	if err := eng.Setup(ctx); err != nil {
		return err
	}
	defer eng.Close(ctx)

	in, err := layout.NewHostBuffer(selftestSpec)
	if err != nil {
		return err
	}
	values := make([]float32, selftestSpec.Values())
	want := make([]float32, len(values))
	for i := range values {
		values[i] = float32(i)*7.25 - 100
		want[i] = min(max(values[i], 0), 127)
		if want[i] > 0 && want[i] < 127 {
			want[i] = float32(int(want[i] + 0.5))
		}
	}
	if err := in.SetChannelwise(values); err != nil {
		return err
	}
	if err := eng.SetInput(ctx, in.Bytes(), selftestSpec); err != nil {
		return err
	}
	if _, err := eng.Forward(ctx); err != nil {
		return err
	}

	out, err := eng.Output()
	if err != nil {
		return err
	}
	got, err := out.Channelwise()
	if err != nil {
		return err
	}
	for i := range want {
		if got[i] != want[i] {
			return fmt.Errorf("value %d: got %v, want %v", i, got[i], want[i])
		}
	}
	klog.V(1).Infof("selftest: %s passed on %s", name, session.Name())
	return nil
}
