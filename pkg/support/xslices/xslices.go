// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provide missing functionality to the slices package.
package xslices

import (
	"cmp"
)

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// MapWithError is like Map, but fn may fail: it stops at the first error and returns it.
func MapWithError[In, Out any](in []In, fn func(e In) (Out, error)) (out []Out, err error) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii], err = fn(e)
		if err != nil {
			return nil, err
		}
	}
	return
}

// Max scans the slice and returns the maximum value, or the zero value if the slice is empty.
func Max[T cmp.Ordered](slice []T) (max T) {
	if len(slice) == 0 {
		return
	}
	max = slice[0]
	for _, v := range slice {
		if max < v {
			max = v
		}
	}
	return
}

// Pop last element of the slice, and returns slice with one less element.
// If slice is empty it returns the zero value for `T` and returns slice unchanged.
func Pop[T any](slice []T) (T, []T) {
	var value T
	if len(slice) > 0 {
		value = slice[len(slice)-1]
		slice = slice[:len(slice)-1]
	}
	return value, slice
}

// Product returns the product of all elements, 1 for an empty slice.
func Product[T interface{ ~int | ~int64 }](slice []T) T {
	var product T = 1
	for _, v := range slice {
		product *= v
	}
	return product
}
