package orchestrator

import (
  "github.com/prometheus/client_golang/prometheus"
)

var (
  linksEstablished = prometheus.NewCounterVec(prometheus.CounterOpts{
    Name: "ring_orchestrator_links_established_total",
  }, []string{"role"})
  linksLost = prometheus.NewCounterVec(prometheus.CounterOpts{
    Name: "ring_orchestrator_links_lost_total",
  }, []string{"slot"})
  linksFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
    Name: "ring_orchestrator_links_failed_total",
  }, []string{"slot"})
  duplicatePeerRejections = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "ring_orchestrator_duplicate_peer_rejections_total",
  })
  capabilityStartFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
    Name: "ring_orchestrator_capability_start_failures_total",
  }, []string{"capability"})
  parameterPushFailures = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "ring_orchestrator_parameter_push_failures_total",
  })
)

func RegisterMetrics(reg prometheus.Registerer) {
  reg.MustRegister(
    linksEstablished,
    linksLost,
    linksFailed,
    duplicatePeerRejections,
    capabilityStartFailures,
    parameterPushFailures,
  )
}
