// Package metrics defines the pipeline's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics carries every counter and gauge the pipeline exposes. Components
// share one instance per run.
type Metrics struct {
	FilesAnalyzed          prometheus.Counter
	FilesFailed            prometheus.Counter
	POIsExtracted          prometheus.Counter
	RelationshipsProposed  prometheus.Counter
	HallucinatedDiscards   prometheus.Counter
	EvidenceAppended       prometheus.Counter
	RelationshipsValidated prometheus.Counter
	RelationshipsRejected  prometheus.Counter
	OutboxPublished        prometheus.Counter
	QueueDepth             *prometheus.GaugeVec
	TokensUsed             *prometheus.CounterVec
}

// New registers and returns the pipeline metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FilesAnalyzed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poirot_files_analyzed_total",
			Help: "Files whose POI extraction completed.",
		}),
		FilesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poirot_files_failed_total",
			Help: "Files that permanently failed analysis.",
		}),
		POIsExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poirot_pois_extracted_total",
			Help: "Points of interest written to the store.",
		}),
		RelationshipsProposed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poirot_relationships_proposed_total",
			Help: "Candidate relationships emitted by analysis passes.",
		}),
		HallucinatedDiscards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poirot_hallucinated_discards_total",
			Help: "LLM relationship claims discarded for naming unknown or wrong entities.",
		}),
		EvidenceAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poirot_evidence_appended_total",
			Help: "Evidence rows appended by validation.",
		}),
		RelationshipsValidated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poirot_relationships_validated_total",
			Help: "Relationships accepted at reconciliation.",
		}),
		RelationshipsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poirot_relationships_rejected_total",
			Help: "Relationships rejected at reconciliation.",
		}),
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poirot_outbox_published_total",
			Help: "Outbox rows successfully published.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "poirot_queue_depth",
			Help: "Deliverable jobs per queue.",
		}, []string{"queue"}),
		TokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poirot_llm_tokens_total",
			Help: "LLM tokens consumed.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.FilesAnalyzed, m.FilesFailed, m.POIsExtracted,
		m.RelationshipsProposed, m.HallucinatedDiscards, m.EvidenceAppended,
		m.RelationshipsValidated, m.RelationshipsRejected, m.OutboxPublished,
		m.QueueDepth, m.TokensUsed,
	)
	return m
}

// NewNop returns metrics bound to a private registry, for tests and callers
// that do not export.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
