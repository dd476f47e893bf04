package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics 汇集运行指标，经 /metrics 暴露给采集端。
type metrics struct {
	recommendationsProcessed prometheus.Counter
	actionsExecuted          prometheus.Counter
	sweepRuns                prometheus.Counter
	reconcileRuns            prometheus.Counter
	auditDropped             prometheus.Counter
	storageRetries           prometheus.Counter
	analysisErrors           prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		recommendationsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "autotrader_recommendations_processed_total",
			Help: "已处理的专家建议条数",
		}),
		actionsExecuted: factory.NewCounter(prometheus.CounterOpts{
			Name: "autotrader_actions_executed_total",
			Help: "成功执行的规则动作次数",
		}),
		sweepRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "autotrader_trigger_sweeps_total",
			Help: "触发扫描执行次数",
		}),
		reconcileRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "autotrader_reconcile_runs_total",
			Help: "对账执行次数",
		}),
		auditDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "autotrader_audit_events_dropped_total",
			Help: "因队列饱和被丢弃的审计事件数",
		}),
		storageRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "autotrader_storage_retries_total",
			Help: "存储层因竞争触发的重试次数",
		}),
		analysisErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "autotrader_analysis_errors_total",
			Help: "分析循环中出错的次数",
		}),
	}
}
