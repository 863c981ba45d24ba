package metricskey

import "github.com/effective-security/metrics"

// Perf
var (
	// PerfHSMOperation is perf metric
	PerfHSMOperation = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_hsm",
		Help:         "perf_hsm provides the sample metrics of key custody operations",
		RequiredTags: []string{"slot", "action"},
	}

	// PerfCLICommand is perf metric
	PerfCLICommand = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_cli",
		Help:         "perf_cli provides the sample metrics of hsm-tool commands",
		RequiredTags: []string{"command"},
	}
)

// Metrics returns slice of metrics from this repo
var Metrics = []*metrics.Describe{
	&PerfHSMOperation,
	&PerfCLICommand,
}
