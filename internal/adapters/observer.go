package adapters

import (
	"errors"

	"github.com/ZanzyTHEbar/phish-o-meter/internal/resilience"
)

// CallObserver receives the outcome of every outbound call. monitoring.Metrics
// satisfies it.
type CallObserver interface {
	RecordExternalAPIRequest(apiName string, success bool)
}

type nopObserver struct{}

func (nopObserver) RecordExternalAPIRequest(string, bool) {}

// observe reports err to the metrics and fault to the degradation manager.
// fault is the part of err that is the service's own doing.
func observe(obs CallObserver, dm *resilience.DegradationManager, service string, err, fault error) {
	obs.RecordExternalAPIRequest(service, err == nil)
	if dm != nil {
		dm.Observe(service, fault)
	}
}

// fetcherFault keeps the page fetch errors caused by the fetcher itself.
// Unreachable or failing targets are not faults of the fetcher.
func fetcherFault(err error) error {
	if errors.Is(err, resilience.ErrPoolExhausted) {
		return err
	}
	return nil
}
