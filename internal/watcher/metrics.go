package watcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var subscribesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "domwatch_watcher_subscribes_total",
	Help: "Upstream subscriptions established",
}, []string{"module"})

var subscribeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "domwatch_watcher_subscribe_failures_total",
	Help: "Upstream subscribe calls that failed and were rolled back",
}, []string{"module"})

var unsubscribesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "domwatch_watcher_unsubscribes_total",
	Help: "Upstream subscriptions torn down",
}, []string{"module"})

var deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "domwatch_watcher_deliveries_total",
	Help: "Messages handed to listeners",
}, []string{"module"})

var listenerFaultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "domwatch_watcher_listener_faults_total",
	Help: "Listener callbacks that panicked during delivery",
}, []string{"module"})

var droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "domwatch_watcher_dropped_total",
	Help: "Messages for this watcher's set that were not delivered",
}, []string{"module", "reason"})

var listenersGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "domwatch_watcher_listeners",
	Help: "Currently attached listeners",
}, []string{"module"})
