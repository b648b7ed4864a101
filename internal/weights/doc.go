// Package weights stores per-layer parameter blobs in a single file and
// serves them to the engine as a ParameterProvider.
//
// A weights file is laid out as:
//
//	[64-byte fixed header]
//	  0x00  magic "TNWT"
//	  0x04  format version (uint32 LE)
//	  0x08  flags (uint32 LE)
//	  0x10  JSON header size (uint64 LE)
//	  0x18  data size (uint64 LE)
//	  0x20  SHA-256 of the data section
//	[JSON header]
//	[padding to 64 bytes]
//	[data: little-endian float32 blobs, each 64-byte aligned]
//
// Blobs are keyed by layer name. The header also records the layer number,
// kind and value count so a mismatched file is rejected before any weight
// reaches a device.
//
// Files are memory-mapped on platforms that support it; the data section
// stays read-only and every load copies out of the mapping.
//
//	err := weights.Export("resnet50.tnwt", "resnet50", descs, resnet.XavierParameters(1), nil)
//	r, err := weights.Open("resnet50.tnwt")
//	defer r.Close()
//	eng, err := engine.New(session, net, r, engine.DefaultConfig())
package weights
