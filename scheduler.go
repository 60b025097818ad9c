/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package caseflow

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultPromoterInterval  = time.Second
	defaultProcessorInterval = 500 * time.Millisecond
	defaultDrainInterval     = 30 * time.Second
	defaultArchiveInterval   = time.Hour
)

// periodicTask runs tick on a fixed interval. Ticks of the same task never
// overlap, and Stop waits for the tick in flight before returning.
type periodicTask struct {
	name     string
	interval time.Duration
	tick     func(ctx context.Context)
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

func newPeriodicTask(name string, interval time.Duration, tick func(ctx context.Context)) *periodicTask {
	return &periodicTask{
		name:     name,
		interval: interval,
		tick:     tick,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the loop. Calling Start on a running task is a no-op.
func (p *periodicTask) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.WithFields(logrus.Fields{"task": p.name, "interval": p.interval.String()}).Info("Periodic task started")
}

func (p *periodicTask) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		// the loop may have exited on ctx cancellation
		p.wg.Wait()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.WithField("task", p.name).Info("Periodic task stopped")
}

func (p *periodicTask) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *periodicTask) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.WithField("task", p.name).Info("Periodic task context cancelled")
			p.mu.Lock()
			p.running = false
			p.mu.Unlock()
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			// A tick that has started finishes its store writes even if ctx is
			// cancelled meanwhile; cancellation only stops further ticks.
			p.tick(context.WithoutCancel(ctx))
		}
	}
}
