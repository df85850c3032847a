package metrics

import "time"

type Metrics interface {
	Increment(string)
	Duration(string, time.Duration)
	Gauge(string, int)
}

type noop struct{}

func NewNoop() Metrics {
	return noop{}
}

func (noop) Increment(string)                {}
func (noop) Duration(string, time.Duration) {}
func (noop) Gauge(string, int)              {}
