// pbbam: writing, indexing and querying PacBio BAM files.
// Copyright (c) 2026 the pbbam authors.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/michaelpierrelee/pbbam/blob/master/LICENSE.txt>.

package query

import (
	"cmp"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/willf/bitset"

	"github.com/michaelpierrelee/pbbam/bam"
	"github.com/michaelpierrelee/pbbam/pbi"
)

// Compare is a comparison operator of a filter.
type Compare int

const (
	Equal Compare = iota
	Less
	LessEqual
	Greater
	GreaterEqual
	NotEqual
)

var compareNames = [...]string{"==", "<", "<=", ">", ">=", "!="}

var compareAliases = map[string]Compare{
	"==": Equal, "=": Equal, "eq": Equal,
	"<": Less, "lt": Less,
	"<=": LessEqual, "le": LessEqual, "lte": LessEqual,
	">": Greater, "gt": Greater,
	">=": GreaterEqual, "ge": GreaterEqual, "gte": GreaterEqual,
	"!=": NotEqual, "ne": NotEqual,
}

// ParseCompare parses an operator such as ">=" or "gte".
func ParseCompare(s string) (Compare, error) {
	if c, ok := compareAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return c, nil
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("query: unknown comparison operator %q", s))
}

func (c Compare) String() string {
	if c.valid() {
		return compareNames[c]
	}
	return fmt.Sprintf("Compare(%d)", int(c))
}

func (c Compare) valid() bool {
	return c >= Equal && c <= NotEqual
}

// apply reports whether lhs c rhs holds.
func apply[T cmp.Ordered](c Compare, lhs, rhs T) bool {
	switch c {
	case Equal:
		return lhs == rhs
	case Less:
		return lhs < rhs
	case LessEqual:
		return lhs <= rhs
	case Greater:
		return lhs > rhs
	case GreaterEqual:
		return lhs >= rhs
	case NotEqual:
		return lhs != rhs
	}
	panic("unreachable")
}

// Filter selects index entries. Filters are immutable.
type Filter interface {
	fmt.Stringer
	evaluate(entries []pbi.Entry) (*bitset.BitSet, error)
}

type attributeFilter[T cmp.Ordered] struct {
	name  string
	value T
	cmp   Compare
	attr  func(pbi.Entry) T
}

func (f attributeFilter[T]) String() string {
	return fmt.Sprintf("%v %v %v", f.name, f.cmp, f.value)
}

func (f attributeFilter[T]) evaluate(entries []pbi.Entry) (*bitset.BitSet, error) {
	if !f.cmp.valid() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("query: unknown comparison operator %v in %v filter", int(f.cmp), f.name))
	}
	result := bitset.New(uint(len(entries)))
	for i, e := range entries {
		if apply(f.cmp, f.attr(e), f.value) {
			result.Set(uint(i))
		}
	}
	return result, nil
}

// SubreadLength selects records by query end minus query start.
func SubreadLength(length int32, c Compare) Filter {
	return attributeFilter[int32]{"length", length, c, pbi.Entry.SubreadLength}
}

// QueryStart selects records by query start.
func QueryStart(position int32, c Compare) Filter {
	return attributeFilter[int32]{"qstart", position, c, func(e pbi.Entry) int32 { return e.QueryStart }}
}

// QueryEnd selects records by query end.
func QueryEnd(position int32, c Compare) Filter {
	return attributeFilter[int32]{"qend", position, c, func(e pbi.Entry) int32 { return e.QueryEnd }}
}

// ZmwHoleNumber selects records by ZMW hole number.
func ZmwHoleNumber(hole int32, c Compare) Filter {
	return attributeFilter[int32]{"zm", hole, c, func(e pbi.Entry) int32 { return e.HoleNumber }}
}

// ReadAccuracy selects records by predicted read accuracy.
func ReadAccuracy(accuracy float32, c Compare) Filter {
	return attributeFilter[float32]{"rq", accuracy, c, func(e pbi.Entry) float32 { return e.ReadAccuracy }}
}

// ReadGroup selects records by numeric read group ID.
func ReadGroup(id int32, c Compare) Filter {
	return attributeFilter[int32]{"rg", id, c, func(e pbi.Entry) int32 { return e.ReadGroup }}
}

// ReadGroupName selects the records of the read group with the given
// ID string.
func ReadGroupName(id string) Filter {
	return ReadGroup(bam.ReadGroupNumericID(id), Equal)
}

type compositeFilter struct {
	union   bool
	filters []Filter
}

// And selects the records selected by all filters. An empty And selects
// every record.
func And(filters ...Filter) Filter {
	return compositeFilter{false, append([]Filter(nil), filters...)}
}

// Or selects the records selected by any filter. An empty Or selects
// nothing.
func Or(filters ...Filter) Filter {
	return compositeFilter{true, append([]Filter(nil), filters...)}
}

func (f compositeFilter) String() string {
	op := " && "
	if f.union {
		op = " || "
	}
	parts := make([]string, len(f.filters))
	for i, filter := range f.filters {
		parts[i] = filter.String()
	}
	return "(" + strings.Join(parts, op) + ")"
}

func (f compositeFilter) evaluate(entries []pbi.Entry) (*bitset.BitSet, error) {
	result := bitset.New(uint(len(entries)))
	if !f.union {
		for i := range entries {
			result.Set(uint(i))
		}
	}
	for _, filter := range f.filters {
		if filter == nil {
			return nil, errors.E(errors.Invalid, "query: nil filter")
		}
		selected, err := filter.evaluate(entries)
		if err != nil {
			return nil, err
		}
		if f.union {
			result.InPlaceUnion(selected)
		} else {
			result.InPlaceIntersection(selected)
		}
	}
	return result, nil
}

// Select returns the entries of idx that filter selects, in file order.
func Select(idx *pbi.Index, filter Filter) ([]pbi.Entry, error) {
	if idx == nil {
		return nil, errors.E(errors.Invalid, "query: nil index")
	}
	if filter == nil {
		return nil, errors.E(errors.Invalid, "query: nil filter")
	}
	entries := idx.Entries()
	selected, err := filter.evaluate(entries)
	if err != nil {
		return nil, err
	}
	result := make([]pbi.Entry, 0, selected.Count())
	for i, ok := selected.NextSet(0); ok; i, ok = selected.NextSet(i + 1) {
		result = append(result, entries[i])
	}
	return result, nil
}
