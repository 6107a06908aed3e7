// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gradacc_inspect builds a synthetic gradient accumulation program, runs the gradient accumulation
// rewrite over it and reports the AllReduce instructions before and after.
//
// Example:
//
//	gradacc_inspect -grads=4 -dims=1024,256 -collective_dtype=bfloat16 -mesh=2x4 -delay
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gradsync/pkg/core/distributed"
	"github.com/gomlx/gradsync/pkg/core/hlo"
	"github.com/gomlx/gradsync/pkg/spmd/gradacc"
	"github.com/gomlx/gradsync/pkg/spmd/gradacc/gradacctest"
	"github.com/gomlx/gradsync/pkg/support/passcontext"
	"github.com/gomlx/gradsync/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagGrads           = flag.Int("grads", 4, "Number of gradients (and weights) in the synthetic program.")
	flagDims            = flag.String("dims", "1024,256", "Comma-separated dimensions of each gradient.")
	flagDType           = flag.String("dtype", "float32", "DType of the accumulated gradients and weights.")
	flagCollectiveDType = flag.String("collective_dtype", "",
		"DType in which gradients are reduced. If empty, the same as -dtype.")
	flagMesh = flag.String("mesh", "2x4", "Device mesh sizes, one per axis, separated by \"x\".")
	flagAxes = flag.String("axes", "data,model", "Comma-separated names of the mesh axes.")
	flagSync = flag.String("sync_axes", "data",
		"Comma-separated mesh axes over which gradients are synchronized.")
	flagScale = flag.Bool("scale", false, "Scale the reduced gradients by 1/num_replicas.")
	flagDelay = flag.Bool("delay", false,
		"Delay the gradient synchronization to the apply-gradient module. By default gradient i is "+
			"received by the apply-gradient parameter grads+i.")
	flagDump = flag.Bool("dump", false, "Print the modules after the rewrite.")
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func main() {
	ctx := passcontext.New()
	gradacc.SetDefaultParams(ctx)
	ctx.SetParam(gradacc.ParamEnabled, true)
	settings := passcontext.CreateSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("Unexpected arguments %q. See 'gradacc_inspect -help'.", flag.Args())
		os.Exit(1)
	}
	_ = must.M1(passcontext.ParseSettings(ctx, *settings))
	cfg := must.M1(gradacc.ConfigFromContext(ctx))
	opts := must.M1(buildOptions())
	if len(cfg.OutputIndices) == 0 {
		for ii := range opts.NumGrads {
			cfg.OutputIndices = append(cfg.OutputIndices, ii)
			if *flagDelay {
				cfg.InputIndices = append(cfg.InputIndices, opts.NumGrads+ii)
			}
		}
	}

	producer := must.M1(gradacctest.Backward("backward", opts))
	modules := []*hlo.Module{producer.Module}
	fmt.Println(titleStyle.Render("Before"))
	if *flagDelay {
		consumer := must.M1(gradacctest.ApplyGrad("apply_grad", opts))
		modules = append(modules, consumer.Module)
		fmt.Println(allReducesTable(modules...).Render())
		_ = must.M1(gradacc.RewriteWithCommDelay(hlo.NewModuleGroup("grad_acc", modules...), cfg))
	} else {
		fmt.Println(allReducesTable(modules...).Render())
		_ = must.M1(gradacc.Rewrite(producer.Module, cfg))
	}
	for _, module := range modules {
		must.M(module.Verify())
	}

	fmt.Println(titleStyle.Render("After"))
	fmt.Println(allReducesTable(modules...).Render())
	table := newPlainTable()
	table.Row("grad sync channel ids", gradacc.GradSyncChannelIds(producer.Module))
	fmt.Println(table.Render())
	if *flagDump {
		for _, module := range modules {
			fmt.Println(module)
		}
	}
}

// buildOptions converts the flags to the synthetic program options.
func buildOptions() (opts gradacctest.Options, err error) {
	opts.NumGrads = *flagGrads
	opts.Scale = *flagScale
	opts.FirstChannelID = 1
	opts.ConsumerChannelID = opts.NumGrads + 1
	opts.Dimensions, err = xslices.MapWithError(strings.Split(*flagDims, ","), func(dim string) (int, error) {
		return strconv.Atoi(strings.TrimSpace(dim))
	})
	if err != nil {
		return opts, errors.Wrapf(err, "failed to parse -dims=%q", *flagDims)
	}
	if opts.DType, err = dtypes.DTypeString(*flagDType); err != nil {
		return opts, errors.Wrapf(err, "failed to parse -dtype=%q", *flagDType)
	}
	if *flagCollectiveDType != "" {
		if opts.CollectiveDType, err = dtypes.DTypeString(*flagCollectiveDType); err != nil {
			return opts, errors.Wrapf(err, "failed to parse -collective_dtype=%q", *flagCollectiveDType)
		}
	}

	axesSizes, err := distributed.ParseAxesSizes(*flagMesh)
	if err != nil {
		return opts, err
	}
	mesh, err := distributed.NewDeviceMesh(axesSizes, strings.Split(*flagAxes, ","))
	if err != nil {
		return opts, err
	}
	var syncAxes []string
	if *flagSync != "" {
		syncAxes = strings.Split(*flagSync, ",")
	}
	opts.ReplicaGroups, err = mesh.ReplicaGroups(syncAxes...)
	if err != nil {
		return opts, err
	}
	klog.V(1).Infof("%s: gradients synchronized over %v with replica groups %v", mesh, syncAxes, opts.ReplicaGroups)
	return opts, nil
}

func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// allReducesTable lists the AllReduce instructions of the entry computation of each module.
func allReducesTable(modules ...*hlo.Module) *lgtable.Table {
	table := newPlainTable()
	table.Headers("Module", "AllReduce", "Operand", "Shape", "Channel", "Tag", "Bytes")
	for _, module := range modules {
		for _, inst := range module.EntryComputation().Instructions() {
			if inst.Opcode() != hlo.OpCodeAllReduce {
				continue
			}
			channel := "-"
			if id, ok := inst.ChannelID(); ok {
				channel = strconv.Itoa(id)
			}
			table.Row(module.Name(), inst.Name(), inst.Operand(0).Name(), inst.Shape().String(), channel,
				inst.Metadata().OpName, humanize.Bytes(uint64(inst.Shape().Memory())))
		}
	}
	return table
}
