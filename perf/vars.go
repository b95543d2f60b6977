package perf

import (
	"expvar"
	"net/http"

	"github.com/encodeous/metric"
)

var (
	DispatchLatency      = metric.NewHistogram("1m1s")
	TreeUpdatesPerSecond = metric.NewCounter("10s1s")
	ParentChanges        = metric.NewCounter("1h1m")
	RootSwitches         = metric.NewCounter("1h1m")
	BootstrapsPerSecond  = metric.NewCounter("10s1s")
	PathSetups           = metric.NewCounter("1h1m")
	PathTeardowns        = metric.NewCounter("1h1m")
	DroppedMessages      = metric.NewCounter("10s1s")
	InvalidMessages      = metric.NewCounter("1h1m")
	SentMsgPerSecond     = metric.NewCounter("10s1s")
	RecvMsgPerSecond     = metric.NewCounter("10s1s")
	SentBytesPerSecond   = metric.NewCounter("10s1s")
	RecvBytesPerSecond   = metric.NewCounter("10s1s")
	TrafficDelivered     = metric.NewCounter("10s1s")
)

func init() {
	http.Handle("/debug/metrics", metric.Handler(metric.Exposed))
	expvar.Publish("arbor:DispatchLatency (µs)", DispatchLatency)
	expvar.Publish("arbor:TreeUpdates/s", TreeUpdatesPerSecond)
	expvar.Publish("arbor:ParentChanges", ParentChanges)
	expvar.Publish("arbor:RootSwitches", RootSwitches)
	expvar.Publish("arbor:Bootstraps/s", BootstrapsPerSecond)
	expvar.Publish("arbor:PathSetups", PathSetups)
	expvar.Publish("arbor:PathTeardowns", PathTeardowns)
	expvar.Publish("arbor:Dropped/s", DroppedMessages)
	expvar.Publish("arbor:Invalid", InvalidMessages)
	expvar.Publish("arbor:SentMsg/s", SentMsgPerSecond)
	expvar.Publish("arbor:RecvMsg/s", RecvMsgPerSecond)
	expvar.Publish("arbor:SentBytes/s", SentBytesPerSecond)
	expvar.Publish("arbor:RecvBytes/s", RecvBytesPerSecond)
	expvar.Publish("arbor:TrafficDelivered/s", TrafficDelivered)
}
