// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the element type plus dimensions (or tuple of sub-shapes) of
// the value produced by an instruction in an HLO computation.
//
// DType is the enum defined in github.com/gomlx/gopjrt/dtypes.
//
// ## Glossary
//
//   - Rank: number of axes of an array shape.
//   - Dimension: the size of an array in one of its axes.
//   - Element type: the DType of the unit element of an array.
//   - Structurally compatible: same tuple structure, same rank and same dimensions. DTypes may differ.
//   - Compatible: structurally compatible and with the same element types.
//
// Example: `shapes.Make(dtypes.Float32, 2, 3)` is printed as `(Float32)[2 3]`.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape of the value of an HLO instruction: either an array (DType and Dimensions) or a tuple
// (TupleShapes, with DType set to dtypes.InvalidDType).
//
// Use Make or MakeTuple to create a new shape.
type Shape struct {
	DType       dtypes.DType
	Dimensions  []int
	TupleShapes []Shape // Shapes of the tuple elements, if this is a tuple.
}

// Make returns an array Shape with the given dtype and dimensions.
// See MakeTuple for tuple shapes.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with negative dimension", s)
		}
	}
	return s
}

// MakeTuple returns a shape representing a tuple of elements with the given shapes.
func MakeTuple(elements ...Shape) Shape {
	tupleShapes := make([]Shape, 0, len(elements))
	for _, element := range elements {
		tupleShapes = append(tupleShapes, element.Clone())
	}
	return Shape{DType: dtypes.InvalidDType, TupleShapes: tupleShapes}
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" Shape{} is invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType || s.TupleShapes != nil }

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape is an array with no axes.
func (s Shape) IsScalar() bool { return !s.IsTuple() && s.Ok() && s.Rank() == 0 }

// IsTuple returns whether the shape represents a tuple.
func (s Shape) IsTuple() bool {
	return s.DType == dtypes.InvalidDType && s.TupleShapes != nil
}

// IsArray returns whether the shape is a valid non-tuple shape.
func (s Shape) IsArray() bool {
	return s.DType != dtypes.InvalidDType
}

// TupleSize returns the number of elements in the tuple, if it is a tuple.
func (s Shape) TupleSize() int {
	return len(s.TupleShapes)
}

// Shape returns itself. It implements HasShape.
func (s Shape) Shape() Shape { return s }

// HasShape is implemented by anything with an associated Shape, like hlo.Instruction.
type HasShape interface {
	Shape() Shape
}

// String implements fmt.Stringer and pretty-prints the shape.
func (s Shape) String() string {
	if s.IsTuple() {
		parts := make([]string, 0, s.TupleSize())
		for _, element := range s.TupleShapes {
			parts = append(parts, element.String())
		}
		return fmt.Sprintf("Tuple<%s>", strings.Join(parts, ", "))
	}
	if !s.Ok() {
		return "(Invalid)"
	}
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of an array shape: the product of all dimensions.
// For tuples, it's the sum of the sizes of its elements.
func (s Shape) Size() (size int) {
	if s.IsTuple() {
		for _, element := range s.TupleShapes {
			size += element.Size()
		}
		return
	}
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the number of bytes used to hold a value of this shape.
func (s Shape) Memory() uintptr {
	if s.IsTuple() {
		var memory uintptr
		for _, element := range s.TupleShapes {
			memory += element.Memory()
		}
		return memory
	}
	return s.DType.Memory() * uintptr(s.Size())
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	if s.TupleShapes != nil {
		s2.TupleShapes = make([]Shape, 0, len(s.TupleShapes))
		for _, subShape := range s.TupleShapes {
			s2.TupleShapes = append(s2.TupleShapes, subShape.Clone())
		}
	}
	return
}

// WithDType returns a copy of the shape with the element type changed to dtype.
// For tuples, all elements are changed.
func (s Shape) WithDType(dtype dtypes.DType) Shape {
	s2 := s.Clone()
	if s2.IsTuple() {
		for ii := range s2.TupleShapes {
			s2.TupleShapes[ii] = s2.TupleShapes[ii].WithDType(dtype)
		}
		return s2
	}
	s2.DType = dtype
	return s2
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.EqualDimensions(s2) && s.SameElementType(s2)
}

// Compatible is an alias to Equal, named after the condition required on every edge of a
// computation: the value produced must be compatible with what the consumer expects.
func (s Shape) Compatible(s2 Shape) bool {
	return s.Equal(s2)
}

// EqualDimensions returns whether the shapes are structurally compatible: same tuple structure,
// rank and dimensions. DTypes can be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	if s.IsTuple() != s2.IsTuple() {
		return false
	}
	if s.IsTuple() {
		if s.TupleSize() != s2.TupleSize() {
			return false
		}
		for ii, element := range s.TupleShapes {
			if !element.EqualDimensions(s2.TupleShapes[ii]) {
				return false
			}
		}
		return true
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// SameElementType returns whether both shapes hold the same element types. For tuples, it
// requires the same structure and compares the elements pairwise.
func (s Shape) SameElementType(s2 Shape) bool {
	if s.IsTuple() != s2.IsTuple() {
		return false
	}
	if s.IsTuple() {
		if s.TupleSize() != s2.TupleSize() {
			return false
		}
		for ii, element := range s.TupleShapes {
			if !element.SameElementType(s2.TupleShapes[ii]) {
				return false
			}
		}
		return true
	}
	return s.DType == s2.DType
}
