// Package ingress carries audio chunks from the network receive path to the
// single streaming consumer through a bounded, timeout-pollable FIFO.
package ingress
