package layer

// Kind selects the operator variant of a layer.
type Kind int

// Operator variants. The set is closed; every kind has one entry in the
// dispatch table.
const (
	Upload Kind = iota
	Download
	Identity
	Convolution
	MaxPool
	AvgPool
	BatchNorm
	Cast
	GEMM
	numKinds
)

var kindNames = [numKinds]string{
	Upload:      "upload",
	Download:    "download",
	Identity:    "identity",
	Convolution: "convolution",
	MaxPool:     "maxpool",
	AvgPool:     "avgpool",
	BatchNorm:   "batchnorm",
	Cast:        "cast",
	GEMM:        "gemm",
}

// String returns the lowercase kind name.
func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return "unknown"
	}
	return kindNames[k]
}

// Valid reports whether k names a known operator variant.
func (k Kind) Valid() bool {
	return k >= 0 && k < numKinds
}

// transfer reports whether k crosses the host/device boundary.
func (k Kind) transfer() bool {
	return k == Upload || k == Download
}

// preservesChannels reports whether the output channel count must equal the input.
func (k Kind) preservesChannels() bool {
	switch k {
	case Convolution, GEMM:
		return false
	default:
		return true
	}
}

// ActType is a fused activation.
type ActType int

// Activations.
const (
	ActNone ActType = iota
	ActReLU
	ActClip // Clamp to [0, 1]
	ActLeakyReLU
	ActTanh
	ActSigmoid
)

// String returns the activation name.
func (a ActType) String() string {
	switch a {
	case ActNone:
		return "none"
	case ActReLU:
		return "relu"
	case ActClip:
		return "clip"
	case ActLeakyReLU:
		return "leaky-relu"
	case ActTanh:
		return "tanh"
	case ActSigmoid:
		return "sigmoid"
	default:
		return "unknown"
	}
}

// NormType is a fused post-normalization.
type NormType int

// Normalizations.
const (
	NormNone NormType = iota
	// NormBatch is batch normalization folded into a per-channel scale and offset.
	NormBatch
)

// CastTarget is the numeric type emulated by a cast layer.
type CastTarget int

// Cast targets.
const (
	CastFloat32 CastTarget = iota
	CastFloat16
	CastInt8
	CastUint8
	CastInt16
	CastInt32
)

// String returns the target type name.
func (t CastTarget) String() string {
	switch t {
	case CastFloat32:
		return "float32"
	case CastFloat16:
		return "float16"
	case CastInt8:
		return "int8"
	case CastUint8:
		return "uint8"
	case CastInt16:
		return "int16"
	case CastInt32:
		return "int32"
	default:
		return "unknown"
	}
}
