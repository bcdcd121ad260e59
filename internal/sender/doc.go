// Package sender streams PCM audio to a sink as TLV packets, paced at real
// time with an optional prebuffer so the output never starves mid-burst.
package sender
