package stream

import "time"

// Drain outcomes passed to Recorder.RecordDrain
const (
	DrainOK      = "ok"
	DrainRearmed = "rearmed"
	DrainFailed  = "failed"
)

// Recorder receives engine events for metrics
type Recorder interface {
	RecordBlockSubmitted(payloadBytes, paddingBytes int)
	ObserveAllocationWait(d time.Duration)
	RecordOutputStart()
	RecordDrain(outcome string)
	RecordIOFault()
	RecordRecovery(ok bool)
	RecordSendFailure()
	SetStreamActive(active bool)
}

type noopRecorder struct{}

func (noopRecorder) RecordBlockSubmitted(int, int) {}
func (noopRecorder) ObserveAllocationWait(time.Duration) {}
func (noopRecorder) RecordOutputStart() {}
func (noopRecorder) RecordDrain(string) {}
func (noopRecorder) RecordIOFault() {}
func (noopRecorder) RecordRecovery(bool) {}
func (noopRecorder) RecordSendFailure() {}
func (noopRecorder) SetStreamActive(bool) {}
