//go:build cuda

package gpu

// CUDA builds link a native driver that registers itself as "cuda".
var defaultDriver = "cuda"
