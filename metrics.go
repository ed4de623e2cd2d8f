package kniga

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drpcorg/kniga/store"
)

// DocCollector exports the size of a document, and the pebble metrics
// when the document is persistent.
type DocCollector struct {
	doc        *Doc
	changes    *prometheus.Desc
	ops        *prometheus.Desc
	peers      *prometheus.Desc
	containers *prometheus.Desc
	detached   *prometheus.Desc
	store      *store.PebbleCollector
}

func NewDocCollector(d *Doc) *DocCollector {
	labels := []string{"peer"}
	dc := &DocCollector{
		doc:        d,
		changes:    prometheus.NewDesc("kniga_doc_changes", "Changes in the op log", labels, nil),
		ops:        prometheus.NewDesc("kniga_doc_ops", "Ops in the op log", labels, nil),
		peers:      prometheus.NewDesc("kniga_doc_peers", "Peers that contributed to the op log", labels, nil),
		containers: prometheus.NewDesc("kniga_doc_containers", "Containers with state", labels, nil),
		detached:   prometheus.NewDesc("kniga_doc_detached", "1 if the document is checked out at an older version", labels, nil),
	}
	if d.db != nil {
		dc.store = store.NewPebbleCollector(d.db)
	}
	return dc
}

func (dc *DocCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- dc.changes
	ch <- dc.ops
	ch <- dc.peers
	ch <- dc.containers
	ch <- dc.detached
	if dc.store != nil {
		dc.store.Describe(ch)
	}
}

func (dc *DocCollector) Collect(ch chan<- prometheus.Metric) {
	d := dc.doc
	d.lock.Lock()
	changes := d.oplog.ChangeCount()
	ops := d.oplog.OpCount()
	peers := len(d.oplog.Peers())
	containers := len(d.state.Containers())
	detached := 0.0
	if d.detached {
		detached = 1
	}
	d.lock.Unlock()

	peer := strconv.FormatUint(d.peer, 16)
	ch <- prometheus.MustNewConstMetric(dc.changes, prometheus.GaugeValue, float64(changes), peer)
	ch <- prometheus.MustNewConstMetric(dc.ops, prometheus.GaugeValue, float64(ops), peer)
	ch <- prometheus.MustNewConstMetric(dc.peers, prometheus.GaugeValue, float64(peers), peer)
	ch <- prometheus.MustNewConstMetric(dc.containers, prometheus.GaugeValue, float64(containers), peer)
	ch <- prometheus.MustNewConstMetric(dc.detached, prometheus.GaugeValue, detached, peer)
	if dc.store != nil {
		dc.store.Collect(ch)
	}
}
