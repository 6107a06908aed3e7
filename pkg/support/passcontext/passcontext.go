// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package passcontext holds the key/value settings a compiler driver hands to its passes: feature
// toggles and index lists keyed by names like "auto_sharding::rewrite_indices".
//
// Parameters should be registered with their default value (SetParam) before settings are
// parsed, since the default value defines the type the setting is parsed to. See ParseSettings.
package passcontext

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// Context is a set of named parameters. It is not safe for concurrent modification.
type Context struct {
	params map[string]any
}

// New creates an empty Context.
func New() *Context {
	return &Context{params: make(map[string]any)}
}

// SetParam sets the value of the parameter key.
func (ctx *Context) SetParam(key string, value any) {
	ctx.params[key] = value
}

// GetParam returns the value for the given param key, and whether it was found.
func (ctx *Context) GetParam(key string) (value any, found bool) {
	value, found = ctx.params[key]
	return
}

// Keys returns the parameter keys, sorted.
func (ctx *Context) Keys() []string {
	return slices.Sorted(maps.Keys(ctx.params))
}

// GetParamOr returns the value of the parameter key, or defaultValue if it is not set or nil.
// It panics if the value is set to a type other than T.
func GetParamOr[T any](ctx *Context, key string, defaultValue T) T {
	valueAny, found := ctx.GetParam(key)
	if !found || valueAny == nil {
		return defaultValue
	}
	value, ok := valueAny.(T)
	if !ok {
		exceptions.Panicf("parameter %q is set to %#v (type %T), expected type %T", key, valueAny, valueAny, defaultValue)
	}
	return value
}

// GetBool returns the boolean parameter key, or defaultValue if not set.
func (ctx *Context) GetBool(key string, defaultValue bool) bool {
	return GetParamOr(ctx, key, defaultValue)
}

// GetIntVector returns the integer list parameter key, or nil if not set.
func (ctx *Context) GetIntVector(key string) []int {
	valueAny, found := ctx.GetParam(key)
	if !found || valueAny == nil {
		return nil
	}
	switch v := valueAny.(type) {
	case []int:
		return slices.Clone(v)
	case []int64:
		values := make([]int, len(v))
		for i, x := range v {
			values[i] = int(x)
		}
		return values
	case int:
		return []int{v}
	}
	exceptions.Panicf("parameter %q is set to %#v (type %T), expected an integer list", key, valueAny, valueAny)
	return nil
}

// String pretty-prints the parameters, one per line, sorted by key.
func (ctx *Context) String() string {
	parts := make([]string, 0, len(ctx.params))
	for _, key := range ctx.Keys() {
		value := ctx.params[key]
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", key, value, value))
	}
	return strings.Join(parts, "\n")
}
