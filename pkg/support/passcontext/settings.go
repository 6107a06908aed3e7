// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passcontext

import (
	"encoding/json"
	"flag"
	"fmt"
	"strings"

	"github.com/gomlx/gradsync/pkg/support/fsutil"
	"github.com/gomlx/gradsync/pkg/support/xslices"
	"github.com/pkg/errors"
)

// ParseSettings from settings, typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// All the parameters must already be set with default values in ctx: the default value defines the
// type to which the string value is parsed. For integer types "_" is removed, so large numbers can
// be written as 1_000_000. Integer lists are comma separated, e.g. "auto_sharding::rewrite_indices=1,3,5".
//
// An entry "file:<path>" reads settings from the file, one or more per line; empty lines and
// lines starting with "#" are ignored.
//
// It returns the keys of the parameters set, in order.
func ParseSettings(ctx *Context, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(ctx, strings.TrimSpace(setting), paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(ctx *Context, setting string, paramsSet []string) ([]string, error) {
	if setting == "" {
		return paramsSet, nil
	}
	if filePath, isFile := strings.CutPrefix(setting, "file:"); isFile {
		lines, err := fsutil.ReadLines(filePath)
		if err != nil {
			return paramsSet, errors.WithMessagef(err, "failed to read settings from file")
		}
		for _, line := range lines {
			for _, lineSetting := range strings.Split(line, ";") {
				paramsSet, err = parseSetting(ctx, strings.TrimSpace(lineSetting), paramsSet)
				if err != nil {
					return paramsSet, err
				}
			}
		}
		return paramsSet, nil
	}

	key, valueStr, found := strings.Cut(setting, "=")
	if !found {
		return paramsSet, errors.Errorf("can't parse setting %q: each setting requires the format \"<param>=<value>\"", setting)
	}
	key, valueStr = strings.TrimSpace(key), strings.TrimSpace(valueStr)
	defaultValue, found := ctx.GetParam(key)
	if !found {
		return paramsSet, errors.Errorf("can't set parameter %q because it is not known, known parameters: %q", key, ctx.Keys())
	}
	value, err := parseValue(defaultValue, valueStr)
	if err != nil {
		return paramsSet, errors.Wrapf(err, "failed to parse value %q for parameter %q (default value is %#v)", valueStr, key, defaultValue)
	}
	ctx.SetParam(key, value)
	return append(paramsSet, key), nil
}

// parseValue parses valueStr to the type of defaultValue.
func parseValue(defaultValue any, valueStr string) (value any, err error) {
	switch v := defaultValue.(type) {
	case int:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case int64:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case float64:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case bool:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case string:
		value = valueStr
	case []int:
		if valueStr == "" {
			return []int{}, nil
		}
		value, err = xslices.MapWithError(strings.Split(valueStr, ","), func(str string) (int, error) {
			var asInt int
			err := json.Unmarshal([]byte(strings.ReplaceAll(strings.TrimSpace(str), "_", "")), &asInt)
			return asInt, err
		})
	default:
		err = errors.Errorf("don't know how to parse type %T", defaultValue)
	}
	return
}

// CreateSettingsFlag creates a string flag with the given flagName (if empty it will be named
// "set"), whose usage lists the parameters registered in ctx with their default values.
//
// The flag should be created before the call to flag.Parse().
func CreateSettingsFlag(ctx *Context, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Set pass parameters. It should be a list of elements "param=value" separated by ";". ` +
			`An entry "file:settings_file.txt" reads settings from the file, one per line, ` +
			`and lines starting with "#" are considered comments. Available parameters:`,
	}
	for _, key := range ctx.Keys() {
		value, _ := ctx.GetParam(key)
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, value))
	}
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}
