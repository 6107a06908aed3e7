// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradacc

import (
	"strconv"
	"strings"

	"github.com/gomlx/gradsync/pkg/core/hlo"
	"github.com/gomlx/gradsync/pkg/support/xslices"
	"k8s.io/klog/v2"
)

// channelAllocator hands out channel ids not used by any of the modules it was seeded with.
type channelAllocator struct {
	next int
}

// newChannelAllocator scans the modules once: the ids it allocates are strictly larger than any
// channel id used in them.
func newChannelAllocator(modules ...*hlo.Module) *channelAllocator {
	return &channelAllocator{next: xslices.Max(xslices.Map(modules, (*hlo.Module).MaxChannelID)) + 1}
}

// Next returns a new channel id.
func (a *channelAllocator) Next() int {
	id := a.next
	a.next++
	return id
}

// GradSyncChannelIds returns the channel ids of the skippable AllReduce instructions (tagged with
// SkippableAllReduce) of the entry computation of module, in instruction order, formatted as
// ".<id>.<id>." (e.g. ".3.7.12."). With no such collective it returns ".".
//
// Skippable AllReduce instructions without a channel id are not listed.
func GradSyncChannelIds(module *hlo.Module) string {
	var sb strings.Builder
	sb.WriteString(".")
	entry := module.EntryComputation()
	if entry == nil {
		return sb.String()
	}
	for _, inst := range entry.Instructions() {
		if inst.Opcode() != hlo.OpCodeAllReduce || inst.Metadata().OpName != SkippableAllReduce {
			continue
		}
		id, ok := inst.ChannelID()
		if !ok {
			klog.Warningf("GradSyncChannelIds(%q): skippable %s has no channel id", module.Name(), inst.Name())
			continue
		}
		sb.WriteString(strconv.Itoa(id))
		sb.WriteString(".")
	}
	return sb.String()
}
