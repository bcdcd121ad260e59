// Package stream turns variable-length network chunks into fixed-size output
// blocks. The Engine pads and submits blocks and manages the start/drain
// cycle of the output. The Dispatcher is the single loop that polls the
// ingress queue and drains the output once the stream goes idle.
package stream
