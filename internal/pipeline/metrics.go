package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	clusterRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tagline",
		Name:      "cluster_runs_total",
		Help:      "Clustering job completions by outcome.",
	}, []string{"outcome"})

	mergeRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tagline",
		Name:      "merge_runs_total",
		Help:      "Dictionary merge job completions by outcome.",
	}, []string{"outcome"})

	abilityRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tagline",
		Name:      "ability_runs_total",
		Help:      "Ability mapping job completions by outcome.",
	}, []string{"outcome"})

	modelCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tagline",
		Name:      "model_calls_total",
		Help:      "Model invocations by job kind.",
	}, []string{"job"})

	domainRollups = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tagline",
		Name:      "domain_rollups_total",
		Help:      "Domain rollup recomputations.",
	})

	sweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tagline",
		Name:      "sweeps_total",
		Help:      "Scheduler sweep executions.",
	})
)
