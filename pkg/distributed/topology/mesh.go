// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package topology

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gridtrain/pkg/support/sets"
	"github.com/pkg/errors"
)

// Mesh is a named, row-major grid of ranks: the last axis varies fastest.
//
// A Topology uses the axes (AxisPipeline, AxisData, AxisTensor), so consecutive ranks share
// a tensor-parallel group, which is what one wants when tensor-parallel peers sit on the same host.
type Mesh struct {
	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of ranks along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// numRanks is the total number of ranks in the mesh.
	numRanks int
}

// NewMesh creates a new grid of ranks.
//
//   - axesSizes: number of ranks along each mesh axis, one value per axis. All must be > 0.
//   - axesNames: the names of the mesh axes. One value per axis, unique and non-empty.
func NewMesh(axesSizes []int, axesNames []string) (*Mesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("Mesh axesSizes cannot be empty")
	}
	numRanks := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if name == "" {
			return nil, errors.Errorf("Mesh axis name at index %d cannot be empty", i)
		}
		if _, found := nameToAxis[name]; found {
			return nil, errors.Errorf("Mesh axis name %q is duplicated", name)
		}
		if axesSizes[i] <= 0 {
			return nil, errors.Errorf("Mesh axis %q must have a positive size, got %d", name, axesSizes[i])
		}
		nameToAxis[name] = i
		numRanks *= axesSizes[i]
	}
	return &Mesh{
		axesNames:  slices.Clone(axesNames),
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		numRanks:   numRanks,
	}, nil
}

// NumRanks returns the total number of ranks in the mesh.
func (m *Mesh) NumRanks() int {
	return m.numRanks
}

// String implements the fmt.Stringer interface.
func (m *Mesh) String() string {
	var sb strings.Builder
	sb.WriteString("Mesh{")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("}")
	return sb.String()
}

// Coordinates returns the per-axis indices of rank, in the order of the mesh axes.
func (m *Mesh) Coordinates(rank int) []int {
	indices := make([]int, len(m.axesSizes))
	remaining := rank
	for i := len(m.axesSizes) - 1; i >= 0; i-- {
		indices[i] = remaining % m.axesSizes[i]
		remaining /= m.axesSizes[i]
	}
	return indices
}

// ComputeGroups returns the groups of ranks that vary only along the given axes.
//
// Each group lists the ranks in increasing order, and the groups themselves are ordered by the
// coordinates of the other axes. Every rank belongs to exactly one of the returned groups.
//
// Example:
//
//	m, _ := NewMesh([]int{2, 2}, []string{"pipeline", "tensor"})
//	m.ComputeGroups("pipeline")            // -> [][]int{{0, 2}, {1, 3}}
//	m.ComputeGroups("tensor")              // -> [][]int{{0, 1}, {2, 3}}
//	m.ComputeGroups("pipeline", "tensor")  // -> [][]int{{0, 1, 2, 3}}
func (m *Mesh) ComputeGroups(axes ...string) ([][]int, error) {
	axisIndices := make([]int, 0, len(axes))
	axisSet := sets.Make[int](len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			return nil, errors.Errorf("axis %q not found in mesh", axis)
		}
		if axisSet.Has(idx) {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axis)
		}
		axisSet.Insert(idx)
	}
	// Positions inside a group follow the mesh axes order, so groups come out sorted.
	axisIndices = append(axisIndices, sets.Sorted(axisSet)...)
	nonAxisIndices := make([]int, 0, len(m.axesSizes)-len(axisIndices))
	for i := range m.axesSizes {
		if !axisSet.Has(i) {
			nonAxisIndices = append(nonAxisIndices, i)
		}
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	numGroups := m.numRanks / groupSize
	groups := make([][]int, numGroups)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	for rank := 0; rank < m.numRanks; rank++ {
		indices := m.Coordinates(rank)
		groupIdx := 0
		for _, axisIdx := range nonAxisIndices {
			groupIdx = groupIdx*m.axesSizes[axisIdx] + indices[axisIdx]
		}
		posInGroup := 0
		for _, axisIdx := range axisIndices {
			posInGroup = posInGroup*m.axesSizes[axisIdx] + indices[axisIdx]
		}
		groups[groupIdx][posInGroup] = rank
	}
	return groups, nil
}
