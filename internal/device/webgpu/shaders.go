//go:build windows

package webgpu

import "github.com/born-ml/tilenet/internal/device"

// workgroupSize is the number of threads per workgroup.
const workgroupSize = 256

// copyShader copies a surface: dst = src.
const copyShader = `
@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read_write> dst: array<f32>;

struct Params {
    size: u32,
    lo: f32,
    hi: f32,
    _pad: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx < params.size) {
        dst[idx] = src[idx];
    }
}
`

// clampShader saturates a surface: dst = clamp(src, lo, hi).
const clampShader = `
@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read_write> dst: array<f32>;

struct Params {
    size: u32,
    lo: f32,
    hi: f32,
    _pad: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx < params.size) {
        dst[idx] = clamp(src[idx], params.lo, params.hi);
    }
}
`

// roundClampShader emulates an integer cast. Halves round away from zero,
// unlike the WGSL round builtin.
const roundClampShader = `
@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read_write> dst: array<f32>;

struct Params {
    size: u32,
    lo: f32,
    hi: f32,
    _pad: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx < params.size) {
        let v = src[idx];
        let r = sign(v) * floor(abs(v) + 0.5);
        dst[idx] = clamp(r, params.lo, params.hi);
    }
}
`

var shaderSources = map[device.ElementwiseOp]string{
	device.OpCopy:       copyShader,
	device.OpClamp:      clampShader,
	device.OpRoundClamp: roundClampShader,
}
