package metrics

import "time"

// SpectrumSource is implemented by the task manager: it exposes the live
// per-agent status histogram so the collector can publish it as gauges
// without the metrics package importing the task manager.
type SpectrumSource interface {
	AgentSpectra() map[string]map[string]int
}

// Collector periodically republishes internal state (the agent status
// spectra) as Prometheus gauges.
type Collector struct {
	source SpectrumSource
	stopCh chan struct{}
}

func NewCollector(source SpectrumSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

func (c *Collector) Start() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.source == nil {
		return
	}
	for agent, counts := range c.source.AgentSpectra() {
		for status, count := range counts {
			ContainersByStatus.WithLabelValues(agent, status).Set(float64(count))
		}
	}
}
