// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package collective defines the collective operations the training control loop needs
// (all-reduce of small vectors and barriers) and an in-process implementation of them.
//
// Collectives are rendezvous points: every member of a group must issue the same sequence of
// calls on that group. Calls are matched by a per-group sequence number kept by each Communicator.
package collective

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// ReduceOp is the reduction applied element-wise by AllReduce.
type ReduceOp int

const (
	Sum ReduceOp = iota
	Max
	Min
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case Sum:
		return "sum"
	case Max:
		return "max"
	case Min:
		return "min"
	default:
		return fmt.Sprintf("ReduceOp(%d)", int(op))
	}
}

// Communicator issues collective operations on behalf of one rank.
//
// Groups are given as the sorted list of global ranks of their members, and the caller must be one of them.
// Implementations block until every member of the group has issued the matching call.
type Communicator interface {
	// Rank of the caller.
	Rank() int

	// WorldSize is the number of ranks in the job.
	WorldSize() int

	// AllReduce reduces values element-wise across group, and returns the reduced values to every member.
	AllReduce(ctx context.Context, group []int, values []float64, op ReduceOp) ([]float64, error)

	// Barrier returns once every member of group has reached it.
	Barrier(ctx context.Context, group []int) error
}

// Number is any integer or floating point type.
type Number interface {
	constraints.Integer | constraints.Float
}

// Apply returns op applied to a and b.
func Apply[T Number](op ReduceOp, a, b T) T {
	switch op {
	case Max:
		return max(a, b)
	case Min:
		return min(a, b)
	default:
		return a + b
	}
}

// ReduceInto reduces src into dst element-wise. Both must have the same length.
func ReduceInto[T Number](op ReduceOp, dst, src []T) {
	for i := range dst {
		dst[i] = Apply(op, dst[i], src[i])
	}
}

// AgreeAny returns true on every member of group if any member passes flag=true.
// It is a max-reduce of a boolean.
func AgreeAny(ctx context.Context, comm Communicator, group []int, flag bool) (bool, error) {
	var v float64
	if flag {
		v = 1
	}
	reduced, err := comm.AllReduce(ctx, group, []float64{v}, Max)
	if err != nil {
		return false, err
	}
	return reduced[0] > 0, nil
}

// AgreeAll returns true on every member of group only if all members pass flag=true.
func AgreeAll(ctx context.Context, comm Communicator, group []int, flag bool) (bool, error) {
	v := 0.0
	if flag {
		v = 1
	}
	reduced, err := comm.AllReduce(ctx, group, []float64{v}, Min)
	if err != nil {
		return false, err
	}
	return reduced[0] > 0, nil
}

// ReduceScalar reduces a single value across group.
func ReduceScalar(ctx context.Context, comm Communicator, group []int, value float64, op ReduceOp) (float64, error) {
	reduced, err := comm.AllReduce(ctx, group, []float64{value}, op)
	if err != nil {
		return math.NaN(), err
	}
	return reduced[0], nil
}

// GroupKey returns the canonical name of a group, used to match calls across members.
func GroupKey(group []int) string {
	var sb strings.Builder
	for i, r := range group {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(r))
	}
	return sb.String()
}

// ValidateGroup checks that group is sorted, has no repeated ranks, is within worldSize and contains rank.
func ValidateGroup(group []int, rank, worldSize int) error {
	if len(group) == 0 {
		return errors.New("empty group")
	}
	if !slices.IsSorted(group) {
		return errors.Errorf("group %v is not sorted", group)
	}
	for i, r := range group {
		if r < 0 || r >= worldSize {
			return errors.Errorf("group %v has rank %d out of range for world size %d", group, r, worldSize)
		}
		if i > 0 && group[i-1] == r {
			return errors.Errorf("group %v has repeated rank %d", group, r)
		}
	}
	if _, found := slices.BinarySearch(group, rank); !found {
		return errors.Errorf("rank %d is not a member of group %v", rank, group)
	}
	return nil
}
