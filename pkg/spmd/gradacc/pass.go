// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradacc

import "github.com/gomlx/gradsync/pkg/core/hlo"

// Pass wraps Rewrite for a pass pipeline.
type Pass struct {
	Config Config
}

// Name of the pass.
func (p *Pass) Name() string { return "grad-acc-rewrite" }

// Run implements a module pass. See Rewrite.
func (p *Pass) Run(module *hlo.Module) (changed bool, err error) {
	return Rewrite(module, p.Config)
}

// CommDelayPass wraps RewriteWithCommDelay for a pass pipeline working on module groups.
type CommDelayPass struct {
	Config Config
}

// Name of the pass.
func (p *CommDelayPass) Name() string { return "grad-acc-comm-delay" }

// RunOnModuleGroup implements a module group pass. See RewriteWithCommDelay.
func (p *CommDelayPass) RunOnModuleGroup(group *hlo.ModuleGroup) (changed bool, err error) {
	return RewriteWithCommDelay(group, p.Config)
}
