// Package metrics collects Prometheus metrics for the task-execution
// subsystem, grounded on ChuLiYu-raft-recovery's internal/metrics.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes counters/gauges/histograms for the Task Log, Task
// Manager, Worker Pool, and Process Manager.
type Collector struct {
	tasksLogged    prometheus.Counter
	tasksUnlogged  prometheus.Counter
	tasksRetried   prometheus.Counter
	tasksRecovered prometheus.Counter
	broadcastFails prometheus.Counter

	taskLatency prometheus.Histogram

	activeTasks    prometheus.Gauge
	activeWorkers  prometheus.Gauge
	activeProcesses prometheus.Gauge

	processesCompleted prometheus.Counter
	processesFailed    prometheus.Counter
	processesKilled    prometheus.Counter
}

// NewCollector builds and registers every metric against the default
// Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		tasksLogged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mbrace_tasks_logged_total",
			Help: "Total number of task log entries appended",
		}),
		tasksUnlogged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mbrace_tasks_unlogged_total",
			Help: "Total number of task log entries removed",
		}),
		tasksRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mbrace_tasks_retried_total",
			Help: "Total number of task retry dispatches",
		}),
		tasksRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mbrace_tasks_recovered_total",
			Help: "Total number of tasks re-dispatched after a worker failure",
		}),
		broadcastFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mbrace_broadcast_failures_total",
			Help: "Total number of SyncReplicated writes that failed to reach quorum",
		}),
		taskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mbrace_task_latency_seconds",
			Help:    "Time from dispatch to a settled TaskResult",
			Buckets: prometheus.DefBuckets,
		}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mbrace_active_tasks",
			Help: "Current number of logged (in-flight) tasks",
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mbrace_active_workers",
			Help: "Current number of workers in the pool",
		}),
		activeProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mbrace_active_processes",
			Help: "Current number of non-terminal processes",
		}),
		processesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mbrace_processes_completed_total",
			Help: "Total number of processes that completed successfully",
		}),
		processesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mbrace_processes_failed_total",
			Help: "Total number of processes that failed",
		}),
		processesKilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mbrace_processes_killed_total",
			Help: "Total number of processes killed by a client",
		}),
	}

	prometheus.MustRegister(
		c.tasksLogged, c.tasksUnlogged, c.tasksRetried, c.tasksRecovered,
		c.broadcastFails, c.taskLatency, c.activeTasks, c.activeWorkers,
		c.activeProcesses, c.processesCompleted, c.processesFailed, c.processesKilled,
	)

	return c
}

func (c *Collector) RecordLogged(n int)   { c.tasksLogged.Add(float64(n)) }
func (c *Collector) RecordUnlogged(n int) { c.tasksUnlogged.Add(float64(n)) }
func (c *Collector) RecordRetry()         { c.tasksRetried.Inc() }
func (c *Collector) RecordRecovered(n int) { c.tasksRecovered.Add(float64(n)) }
func (c *Collector) RecordBroadcastFailure() { c.broadcastFails.Inc() }
func (c *Collector) ObserveTaskLatency(seconds float64) { c.taskLatency.Observe(seconds) }
func (c *Collector) SetActiveTasks(n int)    { c.activeTasks.Set(float64(n)) }
func (c *Collector) SetActiveWorkers(n int)  { c.activeWorkers.Set(float64(n)) }
func (c *Collector) SetActiveProcesses(n int) { c.activeProcesses.Set(float64(n)) }
func (c *Collector) RecordProcessCompleted() { c.processesCompleted.Inc() }
func (c *Collector) RecordProcessFailed()    { c.processesFailed.Inc() }
func (c *Collector) RecordProcessKilled()    { c.processesKilled.Inc() }

// StartServer starts the Prometheus /metrics HTTP endpoint. It blocks; run
// it in its own goroutine.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
