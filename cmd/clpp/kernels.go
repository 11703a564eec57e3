package main

import (
	"github.com/shanyungyang/clpp/pkg/driver/hostsim"
)

// Sample programs. The hostsim runtime runs the Go bodies registered below
// in place of compiled device code.
const (
	squareSource = `
kernel void square(global int* output) {
    int i = get_global_id(0);
    output[i] = i * i;
}
`

	spinSource = `
kernel void spin(int iterations) {
    for (int i = 0; i < iterations; ++i);
}
`
)

// spinSink keeps the spin loop from being optimized away.
var spinSink int

func init() {
	hostsim.RegisterKernel("square", func(wi hostsim.WorkItem) {
		out := hostsim.Global[int32](wi.Args(), 0)
		i := wi.GlobalID(0)
		out[i] = int32(i * i)
	})
	hostsim.RegisterKernel("spin", func(wi hostsim.WorkItem) {
		n := hostsim.Scalar[int32](wi.Args(), 0)
		acc := 0
		for i := int32(0); i < n; i++ {
			acc += int(i)
		}
		if acc < 0 {
			spinSink = acc
		}
	})
}
