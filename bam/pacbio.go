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

package bam

import (
	"strconv"
	"strings"

	"github.com/spaolacci/murmur3"

	"github.com/michaelpierrelee/pbbam/chemistry"
)

// PacBio record tags.
const (
	TagQueryStart   = "qs"
	TagQueryEnd     = "qe"
	TagHoleNumber   = "zm"
	TagReadAccuracy = "rq"
	TagContextFlags = "cx"
	TagReadGroup    = "RG"
)

// QueryStart returns the start of the record in polymerase read
// coordinates, or 0 when the qs tag is missing.
func (rec *Record) QueryStart() int32 {
	qs, _ := rec.IntTag(TagQueryStart)
	return int32(qs)
}

// QueryEnd returns the end of the record in polymerase read
// coordinates. Without a qe tag, it is QueryStart plus the sequence
// length.
func (rec *Record) QueryEnd() int32 {
	if qe, ok := rec.IntTag(TagQueryEnd); ok {
		return int32(qe)
	}
	return rec.QueryStart() + int32(len(rec.Seq))
}

// HoleNumber returns the ZMW hole number, or -1 when the zm tag is
// missing.
func (rec *Record) HoleNumber() int32 {
	if zm, ok := rec.IntTag(TagHoleNumber); ok {
		return int32(zm)
	}
	return -1
}

// ReadAccuracy returns the predicted read accuracy, or 0.
func (rec *Record) ReadAccuracy() float32 {
	rq, _ := rec.FloatTag(TagReadAccuracy)
	return rq
}

// ContextFlags returns the local context flags, or 0.
func (rec *Record) ContextFlags() uint8 {
	cx, _ := rec.IntTag(TagContextFlags)
	return uint8(cx)
}

// ReadGroupID returns the value of the RG tag.
func (rec *Record) ReadGroupID() string {
	rg, _ := rec.StringTag(TagReadGroup)
	return rg
}

// ReadGroupNumericID returns the numeric form of a read group ID. PacBio
// read group IDs are 8 hex digits; other IDs are hashed.
func ReadGroupNumericID(id string) int32 {
	if len(id) == 8 {
		if n, err := strconv.ParseUint(id, 16, 32); err == nil {
			return int32(uint32(n))
		}
	}
	return int32(murmur3.Sum32([]byte(id)))
}

// ReadGroup is an @RG header line.
type ReadGroup struct {
	ID     string
	Fields map[string]string
}

// Description returns the key=value pairs of the DS field. PacBio
// stores them separated by semicolons.
func (rg ReadGroup) Description() map[string]string {
	result := make(map[string]string)
	for _, item := range strings.Split(rg.Fields["DS"], ";") {
		if key, value, found := strings.Cut(item, "="); found {
			result[key] = value
		}
	}
	return result
}

// SequencingChemistry resolves the chemistry name of the read group from
// the kits and basecaller version in its description.
func (rg ReadGroup) SequencingChemistry() (string, error) {
	ds := rg.Description()
	return chemistry.Lookup(ds["BINDINGKIT"], ds["SEQUENCINGKIT"], ds["BASECALLERVERSION"])
}
