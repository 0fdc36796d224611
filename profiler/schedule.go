// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

package profiler

import "time"

// schedule collects a batch once per period until exit is closed. In
// serverless mode it ticks every serverlessTick and only collects once
// enough ticks have elapsed to cover the period, so that short-lived
// invocations are not flushed individually.
func (p *Profiler) schedule(exit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval, flushAfter := p.cfg.period, 1
	if p.cfg.serverless {
		interval = serverlessTick
		flushAfter = max(int(p.cfg.period/serverlessTick), 1)
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	profiledIntervals := 0
	for {
		select {
		case <-exit:
			return
		case <-tick.C:
			profiledIntervals++
			if profiledIntervals < flushAfter {
				continue
			}
			profiledIntervals = 0
			p.collect(SnapshotPeriodic, true)
		}
	}
}
