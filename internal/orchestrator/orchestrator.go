// Package orchestrator resolves a parsed product into the set of
// (rule, processor) pairs that should run against it. It holds no
// state of its own beyond the rule and processor tables read once
// from configuration, and makes no scheduling decisions itself.
package orchestrator

import (
	"github.com/rs/zerolog"

	"github.com/jc-gonzalez/euc-qla-sqpf/internal/log"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/model"
)

// Scheduler is implemented by the task manager: the one operation the
// orchestrator needs in order to turn a matched (rule, processor)
// pair into an actual task.
type Scheduler interface {
	Schedule(product model.Product, processor string) error
}

// Orchestrator matches products against rules and dispatches matches
// to a Scheduler.
type Orchestrator struct {
	rules      []model.Rule
	processors map[string]string // processor-key -> processor-config-name
	scheduler  Scheduler
	logger     zerolog.Logger
}

// New builds an Orchestrator from the rule list and processor map
// read from configuration, plus the scheduler that will actually run
// matched work.
func New(rules []model.Rule, processors map[string]string, scheduler Scheduler) *Orchestrator {
	return &Orchestrator{
		rules:      rules,
		processors: processors,
		scheduler:  scheduler,
		logger:     log.WithComponent("orchestrator"),
	}
}

// Schedule finds every rule whose inputs contain product.Type,
// resolves each rule's processor key, and asks the scheduler to run
// the surviving (rule, processor) pairs. It returns true iff at least
// one rule fired, regardless of whether its processor resolved.
func (o *Orchestrator) Schedule(product model.Product) bool {
	fired := false
	for _, rule := range o.rules {
		if !rule.Matches(product.Type) {
			continue
		}
		fired = true

		processor, ok := o.processors[rule.Processing]
		if !ok {
			o.logger.Error().Str("rule", rule.Name).Str("processor_key", rule.Processing).
				Msg("rule references unknown processor, skipping")
			continue
		}

		if err := o.scheduler.Schedule(product, processor); err != nil {
			o.logger.Error().Err(err).Str("rule", rule.Name).Str("product", product.Basename).
				Msg("schedule failed")
		}
	}
	return fired
}
