package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "saathi"

// PipelineMetrics exposes counters/histograms for the conversation pipeline.
type PipelineMetrics struct {
	runsTotal          *prometheus.CounterVec
	stageLatency       *prometheus.HistogramVec
	assessmentsTotal   *prometheus.CounterVec
	crisisEventsTotal  *prometheus.CounterVec
	moderationTotal    *prometheus.CounterVec
	retrievalTotal     *prometheus.CounterVec
	ingestedChunks     *prometheus.CounterVec
	screeningTotal     *prometheus.CounterVec
	ingestJobsTotal    *prometheus.CounterVec
	counselorAlertsTot *prometheus.CounterVec
	llmLatency         *prometheus.HistogramVec
	llmTokens          *prometheus.CounterVec
}

func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	m := &PipelineMetrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by terminal state and final risk level",
		}, []string{"terminal", "risk_level"}),
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_latency_seconds",
			Help:      "Latency of individual pipeline stages",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		assessmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crisis",
			Name:      "assessments_total",
			Help:      "Risk assessments by level and deciding source",
		}, []string{"level", "source"}),
		crisisEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crisis",
			Name:      "events_total",
			Help:      "Crisis events emitted by level and persistence status",
		}, []string{"level", "status"}),
		moderationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "moderation",
			Name:      "decisions_total",
			Help:      "Moderator decisions by category",
		}, []string{"category", "allowed"}),
		retrievalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "retrievals_total",
			Help:      "Memory retrievals by outcome",
		}, []string{"status"}),
		ingestedChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "ingested_chunks_total",
			Help:      "Memory chunks stored by source",
		}, []string{"source"}),
		screeningTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "screening",
			Name:      "submissions_total",
			Help:      "Screening submissions by instrument and band",
		}, []string{"instrument", "band", "risk"}),
		ingestJobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "jobs_total",
			Help:      "Async ingestion jobs by final status",
		}, []string{"status"}),
		counselorAlertsTot: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "counselor_alerts_total",
			Help:      "Counselor crisis alerts by delivery status",
		}, []string{"status"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "llm_latency_seconds",
			Help:      "Latency of LLM completions",
			Buckets:   []float64{0.25, 0.5, 1, 2, 3, 4, 5, 6, 8, 10, 15, 20, 30},
		}, []string{"model", "status"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "llm_tokens_total",
			Help:      "Tokens used by the LLM",
		}, []string{"model", "kind"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.runsTotal, m.stageLatency, m.assessmentsTotal, m.crisisEventsTotal, m.moderationTotal,
		m.retrievalTotal, m.ingestedChunks, m.screeningTotal, m.ingestJobsTotal, m.counselorAlertsTot,
		m.llmLatency, m.llmTokens,
	)
	return m
}

func (m *PipelineMetrics) ObserveRun(terminal, riskLevel string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(terminal, riskLevel).Inc()
}

func (m *PipelineMetrics) ObserveStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.stageLatency.WithLabelValues(stage).Observe(seconds)
}

func (m *PipelineMetrics) ObserveAssessment(level, source string) {
	if m == nil {
		return
	}
	if source == "" {
		source = "none"
	}
	m.assessmentsTotal.WithLabelValues(level, source).Inc()
}

func (m *PipelineMetrics) ObserveCrisisEvent(level string, persisted bool) {
	if m == nil {
		return
	}
	status := "persisted"
	if !persisted {
		status = "failed"
	}
	m.crisisEventsTotal.WithLabelValues(level, status).Inc()
}

func (m *PipelineMetrics) ObserveModeration(category string, allowed bool) {
	if m == nil {
		return
	}
	if category == "" {
		category = "none"
	}
	m.moderationTotal.WithLabelValues(category, strconv.FormatBool(allowed)).Inc()
}

func (m *PipelineMetrics) ObserveRetrieval(status string) {
	if m == nil {
		return
	}
	m.retrievalTotal.WithLabelValues(status).Inc()
}

func (m *PipelineMetrics) ObserveIngestedChunks(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ingestedChunks.WithLabelValues(source).Add(float64(n))
}

func (m *PipelineMetrics) ObserveScreening(instrument, band string, risk bool) {
	if m == nil {
		return
	}
	if band == "" {
		band = "none"
	}
	m.screeningTotal.WithLabelValues(instrument, band, strconv.FormatBool(risk)).Inc()
}

func (m *PipelineMetrics) ObserveIngestJob(status string) {
	if m == nil {
		return
	}
	m.ingestJobsTotal.WithLabelValues(status).Inc()
}

func (m *PipelineMetrics) ObserveCounselorAlert(status string) {
	if m == nil {
		return
	}
	m.counselorAlertsTot.WithLabelValues(status).Inc()
}

func (m *PipelineMetrics) ObserveLLM(model, status string, seconds float64) {
	if m == nil {
		return
	}
	m.llmLatency.WithLabelValues(model, status).Observe(seconds)
}

// ObserveTokens records input and output token usage for one completion.
func (m *PipelineMetrics) ObserveTokens(model string, input, output int32) {
	if m == nil {
		return
	}
	if input > 0 {
		m.llmTokens.WithLabelValues(model, "input").Add(float64(input))
	}
	if output > 0 {
		m.llmTokens.WithLabelValues(model, "output").Add(float64(output))
	}
}
