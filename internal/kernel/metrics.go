package kernel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	kernelInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "descent_kernel_invocations_total",
		Help: "Total number of dense update kernel calls",
	}, []string{"kernel"})

	kernelElements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "descent_kernel_elements_total",
		Help: "Total number of parameter elements written by the dense update kernel",
	}, []string{"kernel"})
)
